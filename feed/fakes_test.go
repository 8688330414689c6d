package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"broker_datafeed/models"

	"github.com/shopspring/decimal"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 4, hh, mm, 0, 0, ist)
}

func tick(token int64, price string, ts time.Time, volume int64) models.Tick {
	return models.Tick{
		InstrumentToken: token,
		LastPrice:       decimal.RequireFromString(price),
		Timestamp:       ts,
		Volume:          volume,
	}
}

type sessionFunc func(time.Time) bool

func (f sessionFunc) Contains(t time.Time) bool { return f(t) }

var (
	openAlways   = sessionFunc(func(time.Time) bool { return true })
	closedAlways = sessionFunc(func(time.Time) bool { return false })
)

type fakeSource struct {
	mu           sync.Mutex
	cb           func([]models.Tick)
	connected    bool
	subscribed   []int64
	connectErr   error
	subscribeErr error
	disconnects  int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSource) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeSource) Subscribe(_ context.Context, tokens []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, tokens...)
	return nil
}

func (f *fakeSource) Unsubscribe(context.Context, []int64) error { return nil }

func (f *fakeSource) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) SetTickCallback(fn func([]models.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = fn
}

func (f *fakeSource) emit(ticks ...models.Tick) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(ticks)
}

func (f *fakeSource) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// gatedSource blocks in Connect until release is closed.
type gatedSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{entered: make(chan struct{}, 2), release: make(chan struct{})}
}

func (g *gatedSource) Connect(ctx context.Context) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeSource.Connect(ctx)
}

type pollSource struct {
	fakeSource
	pollMu sync.Mutex
	polls  int
	errs   []error
}

func (p *pollSource) Poll(context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	p.polls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *pollSource) pollCount() int {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	return p.polls
}

type fakeSink struct {
	mu      sync.Mutex
	saved   map[int][]models.Candle
	modes   []models.ConflictMode
	saveErr error
	pingErr error
	tables  map[string]bool
	closed  bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		saved:  map[int][]models.Candle{},
		tables: map[string]bool{"live_candles_15min": true, "live_candles_60min": true},
	}
}

func (f *fakeSink) SaveCandles(_ context.Context, candles []models.Candle, resolution int, mode models.ConflictMode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.modes = append(f.modes, mode)
	f.saved[resolution] = append(f.saved[resolution], candles...)
	return len(candles), nil
}

func (f *fakeSink) CheckTableExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[name], nil
}

func (f *fakeSink) TestConnection(context.Context) error { return f.pingErr }

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) candles(resolution int) []models.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Candle(nil), f.saved[resolution]...)
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeHeartbeat struct {
	mu        sync.Mutex
	connected bool
	pingErr   error
	topics    []string
	qos       []int
	payloads  [][]byte
}

func (f *fakeHeartbeat) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeHeartbeat) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return f.pingErr
	}
	f.connected = true
	return nil
}

func (f *fakeHeartbeat) Publish(_ context.Context, topic string, payload []byte, qos int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeHeartbeat) published() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}
