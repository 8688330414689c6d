package models

import "fmt"

// TokenConfig maps a trading symbol to its broker instrument token.
type TokenConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Token    int64  `json:"token" yaml:"token"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// ConflictMode selects what a sink does when a candle row already exists.
type ConflictMode string

const (
	ConflictUpdate ConflictMode = "update"
	ConflictSkip   ConflictMode = "skip"
	ConflictError  ConflictMode = "error"
)

// ParseConflictMode validates a configured conflict mode.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch m := ConflictMode(s); m {
	case ConflictUpdate, ConflictSkip, ConflictError:
		return m, nil
	}
	return "", fmt.Errorf("unknown conflict mode %q", s)
}

const (
	// Actions
	SubscribeAction   = 1
	UnsubscribeAction = 0

	// Subscription Modes
	LtpMode   = 1
	QuoteMode = 2
	SnapQuote = 3
	DepthMode = 4

	// Exchange Types
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

var ExchangeMap = map[string]int{
	"NSE_CM": NSE_CM,
	"NSE_FO": NSE_FO,
	"BSE_CM": BSE_CM,
	"BSE_FO": BSE_FO,
	"MCX_FO": MCX_FO,
	"NCX_FO": NCX_FO,
	"CDE_FO": CDE_FO,
}

// QuoteExchange maps exchange-type codes to the segment names used by the REST quote API.
var QuoteExchange = map[int]string{
	NSE_CM: "NSE",
	NSE_FO: "NFO",
	BSE_CM: "BSE",
	BSE_FO: "BFO",
	MCX_FO: "MCX",
	NCX_FO: "NCDEX",
	CDE_FO: "CDS",
}

// ZeroVolumePolicy decides which zero-volume ticks reach the aggregator.
type ZeroVolumePolicy string

const (
	ZeroVolumeKeep          ZeroVolumePolicy = "keep"
	ZeroVolumeDrop          ZeroVolumePolicy = "drop"
	ZeroVolumeDropInSession ZeroVolumePolicy = "drop_in_session"
)

func ParseZeroVolumePolicy(s string) (ZeroVolumePolicy, error) {
	switch p := ZeroVolumePolicy(s); p {
	case ZeroVolumeKeep, ZeroVolumeDrop, ZeroVolumeDropInSession:
		return p, nil
	}
	return "", fmt.Errorf("unknown zero volume policy %q", s)
}
