package feed

import (
	"context"
	"errors"
	"time"

	"broker_datafeed/models"
)

var (
	ErrAlreadyStarted  = errors.New("service already started")
	ErrConnect         = errors.New("tick source connect failed")
	ErrSubscribe       = errors.New("tick source subscribe failed")
	ErrSinkUnavailable = errors.New("candle sink unavailable")
)

// TickSource delivers batches of ticks to a registered callback on goroutines it owns.
// Reconnects and retries are its own business.
type TickSource interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context, tokens []int64) error
	Unsubscribe(ctx context.Context, tokens []int64) error
	IsConnected() bool
	SetTickCallback(fn func([]models.Tick))
}

// Poller is implemented by pull-based sources. Each Poll fetches one round of quotes and
// hands them to the tick callback.
type Poller interface {
	Poll(ctx context.Context) error
}

// CandleSink persists completed candles keyed by (instrument token, window start).
type CandleSink interface {
	SaveCandles(ctx context.Context, candles []models.Candle, resolution int, mode models.ConflictMode) (int, error)
	CheckTableExists(ctx context.Context, name string) (bool, error)
	TestConnection(ctx context.Context) error
	Close() error
}

// HeartbeatSink publishes status documents.
type HeartbeatSink interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, qos int) error
}

// pinger lets a disconnected heartbeat sink try to recover before a publish.
type pinger interface {
	Ping(ctx context.Context) error
}

// Session tells whether the market is open at t.
type Session interface {
	Contains(t time.Time) bool
}
