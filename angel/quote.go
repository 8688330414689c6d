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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	quotePath = "/rest/secure/angelbroking/market/v1/quote/"
	// quoteBatch is the most tokens the quote API accepts per request.
	quoteBatch     = 50
	feedTimeLayout = "02-Jan-2006 15:04:05"
)

var ErrNotLoggedIn = errors.New("angel one session not established")

type QuoteOptions struct {
	ExchangeType int
	Exchanges    map[int64]int
	// Location is the zone exchFeedTime is reported in.
	Location *time.Location
}

// QuoteSource pulls full quotes over REST each time Poll is called.
type QuoteSource struct {
	client    *Client
	exchanges map[int64]int
	defaultEx int
	loc       *time.Location
	logger    *zap.SugaredLogger
	volumes   *volumeTracker
	now       func() time.Time

	mu       sync.Mutex
	session  *Session
	tokens   map[int64]bool
	callback func([]models.Tick)
}

func NewQuoteSource(client *Client, opts QuoteOptions, logger *zap.SugaredLogger) *QuoteSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.ExchangeType == 0 {
		opts.ExchangeType = models.NSE_CM
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &QuoteSource{
		client:    client,
		exchanges: opts.Exchanges,
		defaultEx: opts.ExchangeType,
		loc:       opts.Location,
		logger:    logger,
		volumes:   newVolumeTracker(),
		now:       time.Now,
		tokens:    make(map[int64]bool),
	}
}

func (q *QuoteSource) Name() string { return "angelone_quote" }

func (q *QuoteSource) SetTickCallback(fn func([]models.Tick)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callback = fn
}

func (q *QuoteSource) Connect(ctx context.Context) error {
	session, err := q.client.Login(ctx, time.Minute)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.session = &session
	q.mu.Unlock()
	return nil
}

func (q *QuoteSource) Disconnect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session = nil
	return nil
}

func (q *QuoteSource) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.session != nil
}

func (q *QuoteSource) Subscribe(_ context.Context, tokens []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tokens {
		q.tokens[t] = true
	}
	return nil
}

func (q *QuoteSource) Unsubscribe(_ context.Context, tokens []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tokens {
		delete(q.tokens, t)
	}
	return nil
}

// Poll fetches one quote per subscribed token and delivers them as a single batch.
func (q *QuoteSource) Poll(ctx context.Context) error {
	q.mu.Lock()
	session := q.session
	tokens := make([]int64, 0, len(q.tokens))
	for t := range q.tokens {
		tokens = append(tokens, t)
	}
	cb := q.callback
	q.mu.Unlock()

	if session == nil {
		return ErrNotLoggedIn
	}
	if len(tokens) == 0 {
		return nil
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	var ticks []models.Tick
	for start := 0; start < len(tokens); start += quoteBatch {
		end := min(start+quoteBatch, len(tokens))
		quotes, err := q.fetch(ctx, session.JwtToken, tokens[start:end])
		if err != nil {
			return err
		}
		for _, quote := range quotes {
			tick, err := q.toTick(quote)
			if err != nil {
				q.logger.Warnw("Dropping malformed quote", "symbol", quote.TradingSymbol, "error", err)
				continue
			}
			ticks = append(ticks, tick)
		}
	}

	if cb != nil && len(ticks) > 0 {
		cb(ticks)
	}
	return nil
}

func (q *QuoteSource) fetch(ctx context.Context, jwt string, tokens []int64) ([]Quote, error) {
	req := QuoteRequest{Mode: "FULL", ExchangeTokens: make(map[string][]string)}
	for _, t := range tokens {
		ex, ok := q.exchanges[t]
		if !ok {
			ex = q.defaultEx
		}
		segment, ok := models.QuoteExchange[ex]
		if !ok {
			return nil, fmt.Errorf("token %d: unknown exchange type %d", t, ex)
		}
		req.ExchangeTokens[segment] = append(req.ExchangeTokens[segment], strconv.FormatInt(t, 10))
	}

	var resp QuoteResponse
	if err := q.client.post(ctx, quotePath, jwt, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("quote request failed: %s (%s)", resp.Message, resp.ErrorCode)
	}
	if len(resp.Data.Unfetched) > 0 {
		q.logger.Debugw("Quotes not fetched", "count", len(resp.Data.Unfetched))
	}
	return resp.Data.Fetched, nil
}

// toTick leaves Symbol empty: the exchange trading symbol ("RELIANCE-EQ") is not the
// configured one, so the service resolves it from the token.
func (q *QuoteSource) toTick(quote Quote) (models.Tick, error) {
	token, err := strconv.ParseInt(quote.SymbolToken, 10, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("token %q: %w", quote.SymbolToken, err)
	}
	ts, err := time.ParseInLocation(feedTimeLayout, quote.ExchFeedTime, q.loc)
	if err != nil {
		ts = q.now()
	}
	oi := quote.OpenInterest
	return models.Tick{
		InstrumentToken: token,
		LastPrice:       decimal.NewFromFloat(quote.LTP),
		Timestamp:       ts,
		Volume:          q.volumes.next(quote.SymbolToken, quote.TradeVolume, quote.LastTradeQty),
		OpenInterest:    &oi,
	}, nil
}
