// Package candles turns a tick stream into OHLCV candles at several resolutions.
package candles

import (
	"sort"
	"sync"
	"time"

	"broker_datafeed/models"

	"github.com/shopspring/decimal"
)

// CompletionFunc receives every batch of candles retired by a single tick.
type CompletionFunc func([]models.Candle)

// Aggregator keeps one active candle per (resolution, symbol).
// All state lives behind a single mutex so boundary transitions are serialized.
type Aggregator struct {
	resolutions []int
	onComplete  CompletionFunc

	mu     sync.Mutex
	active map[int]map[string]*models.Candle
}

// New builds an aggregator for the given resolutions (minutes). onComplete may be nil.
func New(resolutions []int, onComplete CompletionFunc) *Aggregator {
	res := append([]int(nil), resolutions...)
	sort.Ints(res)

	active := make(map[int]map[string]*models.Candle, len(res))
	for _, r := range res {
		active[r] = make(map[string]*models.Candle)
	}
	return &Aggregator{
		resolutions: res,
		onComplete:  onComplete,
		active:      active,
	}
}

// Resolutions returns the configured resolutions in ascending order.
func (a *Aggregator) Resolutions() []int {
	return append([]int(nil), a.resolutions...)
}

// ProcessTick applies one tick to every resolution and reports retired candles, if any,
// to the completion callback on the calling goroutine.
//
// Ticks older than the active window are not rejected: if they truncate to the active
// window they are merged in, otherwise they retire it like any other boundary crossing.
func (a *Aggregator) ProcessTick(symbol string, price decimal.Decimal, ts time.Time, volume int64) []models.Candle {
	var completed []models.Candle

	a.mu.Lock()
	for _, r := range a.resolutions {
		start := WindowStart(ts, r)
		bySymbol := a.active[r]

		candle, ok := bySymbol[symbol]
		if ok && !candle.Timestamp.Equal(start) {
			if candle.IsComplete() {
				completed = append(completed, *candle)
			}
			ok = false
		}
		if !ok {
			candle = models.NewCandle(symbol, r, start)
			bySymbol[symbol] = candle
		}
		candle.Apply(price, volume)
	}
	a.mu.Unlock()

	if len(completed) > 0 && a.onComplete != nil {
		a.onComplete(completed)
	}
	return completed
}

// ActiveCandles returns copies of the open candles for resolution, optionally for one symbol.
func (a *Aggregator) ActiveCandles(resolution int, symbol string) []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySymbol, ok := a.active[resolution]
	if !ok {
		return nil
	}
	if symbol != "" {
		if c, ok := bySymbol[symbol]; ok {
			return []models.Candle{*c}
		}
		return nil
	}

	out := make([]models.Candle, 0, len(bySymbol))
	for _, c := range bySymbol {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ForceCloseAll retires every active candle that received at least one tick and clears state.
func (a *Aggregator) ForceCloseAll() []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []models.Candle
	for _, r := range a.resolutions {
		for symbol, c := range a.active[r] {
			if c.IsComplete() {
				closed = append(closed, *c)
			}
			delete(a.active[r], symbol)
		}
	}
	return closed
}

// Statistics reports the number of active candles per resolution.
func (a *Aggregator) Statistics() models.AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := models.AggregatorStats{
		Resolutions:   append([]int(nil), a.resolutions...),
		ActiveCandles: make(map[int]int, len(a.resolutions)),
	}
	for _, r := range a.resolutions {
		stats.ActiveCandles[r] = len(a.active[r])
	}
	return stats
}
