package feed

import (
	"fmt"
	"time"

	"broker_datafeed/models"
)

// Policy holds the operator-selected filtering and persistence rules.
type Policy struct {
	ZeroVolumeTicks          models.ZeroVolumePolicy
	SkipZeroVolumeCandles    bool
	GatePersistByMarketHours bool
	ConflictMode             models.ConflictMode
}

func DefaultPolicy() Policy {
	return Policy{
		ZeroVolumeTicks: models.ZeroVolumeKeep,
		ConflictMode:    models.ConflictUpdate,
	}
}

func (p Policy) String() string {
	return fmt.Sprintf("zero_volume_ticks=%s skip_zero_volume_candles=%t gate_persist_by_market_hours=%t conflict_mode=%s",
		p.ZeroVolumeTicks, p.SkipZeroVolumeCandles, p.GatePersistByMarketHours, p.ConflictMode)
}

// tickRejection returns the reason a tick must not reach the aggregator, or "".
func (p Policy) tickRejection(t models.Tick, inSession func() bool) string {
	switch {
	case t.Symbol == "":
		return "unknown_instrument"
	case t.LastPrice.Sign() <= 0:
		return "invalid_price"
	case t.Volume < 0:
		return "invalid_volume"
	}
	if t.Volume == 0 {
		switch p.ZeroVolumeTicks {
		case models.ZeroVolumeDrop:
			return "zero_volume"
		case models.ZeroVolumeDropInSession:
			if inSession() {
				return "zero_volume"
			}
		}
	}
	return ""
}

// candleRejection returns the reason a completed candle must not be persisted, or "".
func (p Policy) candleRejection(c models.Candle, session Session) string {
	if p.SkipZeroVolumeCandles && c.Volume == 0 {
		return "zero_volume"
	}
	if p.GatePersistByMarketHours && !overlapsSession(c, session) {
		return "off_hours"
	}
	return ""
}

// overlapsSession reports whether any part of the candle's window [start, start+R) is in
// session. Windows are never longer than an hour, so checking both ends is enough.
func overlapsSession(c models.Candle, session Session) bool {
	if session.Contains(c.Timestamp) {
		return true
	}
	if c.Resolution <= 0 {
		return false
	}
	last := c.Timestamp.Add(time.Duration(c.Resolution)*time.Minute - time.Second)
	return session.Contains(last)
}
