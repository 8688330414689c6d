package angel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"broker_datafeed/models"
	"broker_datafeed/parser"
	"broker_datafeed/ws"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StreamSource pushes ticks from the smart-stream websocket.
type StreamSource struct {
	client    *Client
	url       string
	mode      int
	exchanges map[int64]int // token -> exchange type
	defaultEx int
	logger    *zap.SugaredLogger
	volumes   *volumeTracker

	mu         sync.Mutex
	ws         *ws.WebSocketClient
	cancel     context.CancelFunc
	callback   func([]models.Tick)
	subscribed map[int64]bool
}

type StreamOptions struct {
	URL          string
	Mode         int
	ExchangeType int
	// Exchanges overrides ExchangeType per instrument token.
	Exchanges map[int64]int
}

func NewStreamSource(client *Client, opts StreamOptions, logger *zap.SugaredLogger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Mode == 0 {
		opts.Mode = models.QuoteMode
	}
	if opts.ExchangeType == 0 {
		opts.ExchangeType = models.NSE_CM
	}
	return &StreamSource{
		client:     client,
		url:        opts.URL,
		mode:       opts.Mode,
		exchanges:  opts.Exchanges,
		defaultEx:  opts.ExchangeType,
		logger:     logger,
		volumes:    newVolumeTracker(),
		subscribed: make(map[int64]bool),
	}
}

func (s *StreamSource) Name() string { return "angelone_stream" }

func (s *StreamSource) SetTickCallback(fn func([]models.Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// Connect logs in, dials the stream and starts reading in the background.
func (s *StreamSource) Connect(ctx context.Context) error {
	session, err := s.client.Login(ctx, time.Minute)
	if err != nil {
		return err
	}

	client := ws.NewWebSocketClient(s.url, map[string]string{
		"Authorization": "Bearer " + session.JwtToken,
		"x-api-key":     s.client.creds.APIKey,
		"x-client-code": s.client.creds.ClientCode,
		"x-feed-token":  session.FeedToken,
	}, s.logger)
	client.OnMessage = s.onMessage
	client.OnReconnect = s.resubscribe

	if err := client.Connect(ctx); err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ws = client
	s.cancel = cancel
	s.mu.Unlock()
	go client.Listen(listenCtx)

	s.logger.Infow("Connected to Angel One stream", "url", s.url, "mode", s.mode)
	return nil
}

func (s *StreamSource) Disconnect() error {
	s.mu.Lock()
	client, cancel := s.ws, s.cancel
	s.ws, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *StreamSource) IsConnected() bool {
	s.mu.Lock()
	client := s.ws
	s.mu.Unlock()
	return client != nil && client.IsConnected()
}

func (s *StreamSource) Subscribe(_ context.Context, tokens []int64) error {
	if err := s.send(models.SubscribeAction, tokens); err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tokens {
		s.subscribed[t] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *StreamSource) Unsubscribe(_ context.Context, tokens []int64) error {
	if err := s.send(models.UnsubscribeAction, tokens); err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tokens {
		delete(s.subscribed, t)
	}
	s.mu.Unlock()
	return nil
}

func (s *StreamSource) resubscribe() error {
	s.mu.Lock()
	tokens := make([]int64, 0, len(s.subscribed))
	for t := range s.subscribed {
		tokens = append(tokens, t)
	}
	s.mu.Unlock()
	if len(tokens) == 0 {
		return nil
	}
	s.logger.Infow("Resubscribing after reconnect", "tokens", len(tokens))
	return s.send(models.SubscribeAction, tokens)
}

func (s *StreamSource) send(action int, tokens []int64) error {
	s.mu.Lock()
	client := s.ws
	s.mu.Unlock()
	if client == nil {
		return ws.ErrNotConnected
	}
	return client.SendJSON(SubscribeRequest{
		CorrelationID: uuid.NewString()[:10],
		Action:        action,
		Params: SubscriptionParams{
			Mode:      s.mode,
			TokenList: groupByExchange(tokens, s.exchanges, s.defaultEx),
		},
	})
}

func groupByExchange(tokens []int64, exchanges map[int64]int, def int) []TokenSubscription {
	grouped := make(map[int][]string)
	for _, t := range tokens {
		ex, ok := exchanges[t]
		if !ok {
			ex = def
		}
		grouped[ex] = append(grouped[ex], strconv.FormatInt(t, 10))
	}
	out := make([]TokenSubscription, 0, len(grouped))
	for ex, toks := range grouped {
		out = append(out, TokenSubscription{ExchangeType: ex, Tokens: toks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeType < out[j].ExchangeType })
	return out
}

func (s *StreamSource) onMessage(message []byte) {
	md, err := parser.ParseBinaryData(message)
	if err != nil {
		if errors.Is(err, parser.ErrShortFrame) {
			s.logger.Debugw("Ignoring non tick frame", "bytes", len(message))
		} else {
			s.logger.Warnw("Error parsing binary data", "error", err)
		}
		return
	}

	tick, err := s.toTick(md)
	if err != nil {
		s.logger.Warnw("Dropping malformed tick", "token", md.Token, "error", err)
		return
	}

	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb([]models.Tick{tick})
	}
}

func (s *StreamSource) toTick(md *parser.MarketData) (models.Tick, error) {
	token, err := strconv.ParseInt(md.Token, 10, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("token %q: %w", md.Token, err)
	}
	t := models.Tick{
		InstrumentToken: token,
		LastPrice:       md.LastPrice(),
		Timestamp:       md.Time(),
		Depth:           md.Depth(),
	}
	if md.SubscriptionMode >= models.QuoteMode {
		t.Volume = s.volumes.next(md.Token, md.VolumeTrade, md.LastTradedQuantity)
	}
	if md.SubscriptionMode >= models.SnapQuote {
		oi := md.OpenInterest
		t.OpenInterest = &oi
	}
	return t, nil
}
