package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle sources.
const (
	SourceLive    = "live"
	SourceForming = "forming"
)

// Candle is an OHLCV bar for one symbol at one resolution.
// Prices are only meaningful once TickCount > 0.
type Candle struct {
	InstrumentToken int64           `json:"instrument_token"`
	Symbol          string          `json:"symbol"`
	Resolution      int             `json:"resolution"`
	Timestamp       time.Time       `json:"datetime"`
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	Volume          int64           `json:"volume"`
	TickCount       int64           `json:"tick_count"`
	Source          string          `json:"source"`
}

// NewCandle returns an empty live candle for the window starting at ts.
func NewCandle(symbol string, resolution int, ts time.Time) *Candle {
	return &Candle{
		Symbol:     symbol,
		Resolution: resolution,
		Timestamp:  ts,
		Source:     SourceLive,
	}
}

// Apply folds one tick into the candle.
func (c *Candle) Apply(price decimal.Decimal, volume int64) {
	if c.TickCount == 0 {
		c.Open = price
		c.High = price
		c.Low = price
	} else {
		c.High = decimal.Max(c.High, price)
		c.Low = decimal.Min(c.Low, price)
	}
	c.Close = price
	c.Volume += volume
	c.TickCount++
}

// IsComplete reports whether all four prices are populated.
func (c *Candle) IsComplete() bool {
	return c.TickCount > 0
}

// IsForming reports whether the candle was synthesised for a still-open window.
func (c *Candle) IsForming() bool {
	return c.Source == SourceForming
}

func (c Candle) String() string {
	return fmt.Sprintf("%dmin %s @ %s O=%s H=%s L=%s C=%s V=%d (%d ticks)",
		c.Resolution, c.Symbol, c.Timestamp.Format("2006-01-02 15:04"),
		c.Open.StringFixed(2), c.High.StringFixed(2), c.Low.StringFixed(2), c.Close.StringFixed(2),
		c.Volume, c.TickCount)
}
