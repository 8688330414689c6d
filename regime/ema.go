package regime

import "github.com/shopspring/decimal"

// emaPrecision bounds the scale of intermediate EMA values.
const emaPrecision = 16

// EMA computes the exponential moving average of values with smoothing 2/(period+1),
// seeded with the first value, and returns the last point. ok is false when the series is
// shorter than period; the value is still returned but should not be trusted.
func EMA(values []decimal.Decimal, period int) (value decimal.Decimal, ok bool) {
	if len(values) == 0 || period <= 0 {
		return decimal.Zero, false
	}

	alpha := decimal.NewFromInt(2).DivRound(decimal.NewFromInt(int64(period+1)), emaPrecision)
	ema := values[0]
	for _, v := range values[1:] {
		ema = ema.Add(v.Sub(ema).Mul(alpha)).Round(emaPrecision)
	}
	return ema, len(values) >= period
}
