package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed trade for an instrument as delivered by a tick source.
type Tick struct {
	InstrumentToken int64           `json:"instrument_token"`
	Symbol          string          `json:"symbol"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Timestamp       time.Time       `json:"timestamp"`
	Volume          int64           `json:"volume"`
	OpenInterest    *int64          `json:"oi,omitempty"`
	Depth           *Depth          `json:"depth,omitempty"`
}

// Depth is an opaque market-depth snapshot carried through untouched.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int32           `json:"orders"`
}
