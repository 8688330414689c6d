// Package forming synthesises a provisional higher-resolution candle for a window that
// has not closed yet, from the lower-resolution candles already completed inside it.
package forming

import (
	"sort"
	"time"

	"broker_datafeed/candles"
	"broker_datafeed/models"
)

// InIncompleteWindow reports whether now sits strictly inside a resolution window,
// i.e. the minute is not on the window boundary.
func InIncompleteWindow(now time.Time, resolution int) bool {
	return now.Minute()%resolution != 0
}

// Build aggregates the lower-resolution candles falling inside the resolution window that
// contains now. It returns nil when nothing falls inside the window.
func Build(symbol string, now time.Time, resolution int, lower []models.Candle) *models.Candle {
	if len(lower) == 0 {
		return nil
	}

	start := candles.WindowStart(now, resolution)
	end := candles.WindowEnd(now, resolution)

	inWindow := make([]models.Candle, 0, len(lower))
	for _, c := range lower {
		if !c.IsComplete() {
			continue
		}
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		inWindow = append(inWindow, c)
	}
	if len(inWindow) == 0 {
		return nil
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		return inWindow[i].Timestamp.Before(inWindow[j].Timestamp)
	})

	first, last := inWindow[0], inWindow[len(inWindow)-1]
	out := &models.Candle{
		InstrumentToken: first.InstrumentToken,
		Symbol:          symbol,
		Resolution:      resolution,
		Timestamp:       start,
		Open:            first.Open,
		High:            first.High,
		Low:             first.Low,
		Close:           last.Close,
		TickCount:       int64(len(inWindow)),
		Source:          models.SourceForming,
	}
	for _, c := range inWindow {
		if c.High.GreaterThan(out.High) {
			out.High = c.High
		}
		if c.Low.LessThan(out.Low) {
			out.Low = c.Low
		}
		out.Volume += c.Volume
	}
	return out
}

// Append returns a new series with the forming candle at the end. The input is never
// modified; a nil forming candle returns the input unchanged.
func Append(completed []models.Candle, formingCandle *models.Candle) []models.Candle {
	if formingCandle == nil {
		return completed
	}
	out := make([]models.Candle, 0, len(completed)+1)
	out = append(out, completed...)
	return append(out, *formingCandle)
}
