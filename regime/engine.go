// Package regime classifies the higher-timeframe trend from short/long EMAs and uses it to
// accept or reject directional trading signals.
package regime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broker_datafeed/forming"
	"broker_datafeed/metrics"
	"broker_datafeed/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Direction of a trading signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Regime is the classified short-vs-long EMA relationship.
type Regime string

const (
	Uptrend   Regime = "uptrend"
	Downtrend Regime = "downtrend"
	Flat      Regime = "flat"
)

var ErrUnknownDirection = errors.New("unknown signal direction")

// CandleStore returns the most recent persisted candles for a symbol, oldest first.
type CandleStore interface {
	RecentCandles(ctx context.Context, symbol string, resolution, limit int) ([]models.Candle, error)
}

type Config struct {
	HigherResolution int
	LowerResolution  int
	ShortPeriod      int
	LongPeriod       int
	Lookback         int
	LowerLookback    int
	// Location is the exchange zone windows are cut in. Nil uses now's own zone.
	Location         *time.Location
}

func DefaultConfig() Config {
	return Config{
		HigherResolution: 60,
		LowerResolution:  15,
		ShortPeriod:      20,
		LongPeriod:       50,
		Lookback:         100,
		LowerLookback:    20,
	}
}

// Explanation is the operator-facing account of a regime decision.
type Explanation struct {
	Symbol      string           `json:"symbol"`
	Direction   string           `json:"signal_type"`
	EvaluatedAt time.Time        `json:"current_time"`
	ShortPeriod int              `json:"short_period"`
	LongPeriod  int              `json:"long_period"`
	ShortEMA    *decimal.Decimal `json:"short_ema"`
	LongEMA     *decimal.Decimal `json:"long_ema"`
	Regime      Regime           `json:"regime,omitempty"`
	UsedForming bool             `json:"used_forming_candle"`
	Passed      bool             `json:"passes_filter"`
	Reason      string           `json:"reason"`
}

// Check is one named boolean gate evaluated after the regime filter.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Evaluation records every check that was evaluated for a signal.
type Evaluation struct {
	Symbol      string      `json:"symbol"`
	Direction   string      `json:"signal_type"`
	EvaluatedAt time.Time   `json:"current_time"`
	Regime      Explanation `json:"hourly_regime"`
	Checks      []Check     `json:"checks"`
	FailedCheck string      `json:"failed_check,omitempty"`
	Passed      bool        `json:"passes_all_checks"`
}

type Engine struct {
	store  CandleStore
	cfg    Config
	logger *zap.SugaredLogger
}

func NewEngine(store CandleStore, cfg Config, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

func (e *Engine) local(t time.Time) time.Time {
	if e.cfg.Location == nil {
		return t
	}
	return t.In(e.cfg.Location)
}

// series returns the completed higher-resolution candles, with a forming candle appended
// when now falls inside an unfinished window and lower-resolution data is available.
func (e *Engine) series(ctx context.Context, symbol string, now time.Time) ([]models.Candle, *models.Candle, error) {
	now = e.local(now)
	completed, err := e.store.RecentCandles(ctx, symbol, e.cfg.HigherResolution, e.cfg.Lookback)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %dmin candles: %w", e.cfg.HigherResolution, err)
	}

	if !forming.InIncompleteWindow(now, e.cfg.HigherResolution) {
		return completed, nil, nil
	}

	lower, err := e.store.RecentCandles(ctx, symbol, e.cfg.LowerResolution, e.cfg.LowerLookback)
	if err != nil {
		// completed-only data is still usable
		e.logger.Warnw("Lower resolution fetch failed, using completed candles only",
			"symbol", symbol,
			"resolution", e.cfg.LowerResolution,
			"error", err,
		)
		return completed, nil, nil
	}

	fc := forming.Build(symbol, now, e.cfg.HigherResolution, lower)
	if fc == nil {
		e.logger.Infow("No forming candle available",
			"symbol", symbol,
			"now", now.Format(time.RFC3339),
		)
		return completed, nil, nil
	}

	e.logger.Infow("Using forming candle",
		"symbol", symbol,
		"window", fc.Timestamp.Format("2006-01-02 15:04"),
		"aggregated", fc.TickCount,
		"lower_resolution", e.cfg.LowerResolution,
		"open", fc.Open.String(),
		"high", fc.High.String(),
		"low", fc.Low.String(),
		"close", fc.Close.String(),
		"volume", fc.Volume,
	)
	return forming.Append(completed, fc), fc, nil
}

// EMAs computes each requested EMA period over completed (+ forming) closes. Periods with
// insufficient data are left out of the result.
func (e *Engine) EMAs(ctx context.Context, symbol string, now time.Time, periods []int) (map[int]decimal.Decimal, error) {
	out, _, err := e.emas(ctx, symbol, now, periods)
	return out, err
}

func (e *Engine) emas(ctx context.Context, symbol string, now time.Time, periods []int) (map[int]decimal.Decimal, bool, error) {
	series, fc, err := e.series(ctx, symbol, now)
	if err != nil {
		return nil, false, err
	}

	closes := make([]decimal.Decimal, len(series))
	for i, c := range series {
		closes[i] = c.Close
	}

	out := make(map[int]decimal.Decimal, len(periods))
	for _, p := range periods {
		v, ok := EMA(closes, p)
		if !ok {
			e.logger.Warnw("Insufficient data for EMA",
				"symbol", symbol,
				"period", p,
				"have", len(closes),
			)
			continue
		}
		out[p] = v
	}
	return out, fc != nil, nil
}

// Classify decides the regime for a pair of EMAs and whether direction agrees with it.
// The regime label does not depend on direction.
func Classify(short, long decimal.Decimal, direction Direction) (bool, Regime, error) {
	regime := Flat
	switch short.Cmp(long) {
	case 1:
		regime = Uptrend
	case -1:
		regime = Downtrend
	}

	switch direction {
	case Long:
		return regime == Uptrend, regime, nil
	case Short:
		return regime == Downtrend, regime, nil
	}
	return false, regime, fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
}

// CheckRegime never fails open: missing data, store errors and bad input all reject.
func (e *Engine) CheckRegime(ctx context.Context, symbol string, now time.Time, direction string) (bool, Explanation) {
	ex := Explanation{
		Symbol:      symbol,
		Direction:   direction,
		EvaluatedAt: e.local(now),
		ShortPeriod: e.cfg.ShortPeriod,
		LongPeriod:  e.cfg.LongPeriod,
	}
	dir := Direction(direction)
	if dir != Long && dir != Short {
		ex.Reason = fmt.Sprintf("unknown signal type: %s", direction)
		e.reject(ex)
		return false, ex
	}

	values, usedForming, err := e.emas(ctx, symbol, now, []int{e.cfg.ShortPeriod, e.cfg.LongPeriod})
	ex.UsedForming = usedForming
	if err != nil {
		ex.Reason = fmt.Sprintf("error checking regime: %v", err)
		e.reject(ex)
		return false, ex
	}
	short, okShort := values[e.cfg.ShortPeriod]
	long, okLong := values[e.cfg.LongPeriod]
	if !okShort || !okLong {
		ex.Reason = fmt.Sprintf("could not calculate EMA%d/EMA%d", e.cfg.ShortPeriod, e.cfg.LongPeriod)
		e.reject(ex)
		return false, ex
	}

	passed, regime, _ := Classify(short, long, dir)
	ex.ShortEMA, ex.LongEMA = &short, &long
	ex.Regime = regime
	ex.Passed = passed
	ex.Reason = reason(regime, e.cfg.ShortPeriod, e.cfg.LongPeriod, short, long)

	if !passed {
		e.reject(ex)
		return false, ex
	}
	metrics.RecordSignal(direction, "regime", true)
	e.logger.Infow("Signal passed regime filter",
		"symbol", symbol,
		"direction", direction,
		"regime", regime,
		"reason", ex.Reason,
	)
	return true, ex
}

func reason(r Regime, sp, lp int, short, long decimal.Decimal) string {
	op := "=="
	switch r {
	case Uptrend:
		op = ">"
	case Downtrend:
		op = "<"
	}
	return fmt.Sprintf("%s: EMA%d (%s) %s EMA%d (%s)", r, sp, short.StringFixed(4), op, lp, long.StringFixed(4))
}

func (e *Engine) reject(ex Explanation) {
	metrics.RecordSignal(ex.Direction, "regime", false)
	e.logger.Warnw("Signal rejected by regime filter",
		"symbol", ex.Symbol,
		"direction", ex.Direction,
		"time", ex.EvaluatedAt.Format(time.RFC3339),
		"regime", ex.Regime,
		"reason", ex.Reason,
	)
}

// EvaluateSignal runs the regime filter first, then each additional check in order,
// stopping at the first failure.
func (e *Engine) EvaluateSignal(ctx context.Context, symbol string, now time.Time, direction string, checks []Check) (bool, Evaluation) {
	ev := Evaluation{
		Symbol:      symbol,
		Direction:   direction,
		EvaluatedAt: e.local(now),
	}

	passed, ex := e.CheckRegime(ctx, symbol, now, direction)
	ev.Regime = ex
	if !passed {
		ev.FailedCheck = "regime"
		return false, ev
	}

	for _, c := range checks {
		ev.Checks = append(ev.Checks, c)
		if !c.Passed {
			ev.FailedCheck = c.Name
			metrics.RecordSignal(direction, c.Name, false)
			e.logger.Warnw("Signal failed check",
				"symbol", symbol,
				"direction", direction,
				"time", now.Format(time.RFC3339),
				"check", c.Name,
			)
			return false, ev
		}
	}

	ev.Passed = true
	e.logger.Infow("Signal approved", "symbol", symbol, "direction", direction, "checks", len(checks))
	return true, ev
}
