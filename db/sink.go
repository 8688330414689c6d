// Package db persists completed candles and reads them back for the regime engine.
package db

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"broker_datafeed/models"
)

// ErrConflict is returned in error mode when a candle row already exists.
var ErrConflict = errors.New("candle already exists")

// TableName is the table completed candles of one resolution are written to.
func TableName(resolution int) string {
	return fmt.Sprintf("live_candles_%dmin", resolution)
}

type rowKey struct {
	token int64
	ts    int64
}

func keyOf(c models.Candle) rowKey {
	return rowKey{token: c.InstrumentToken, ts: c.Timestamp.Unix()}
}

// withTokens drops candles whose instrument could not be resolved. They are skipped one by
// one; the rest of the batch is still written.
func withTokens(candles []models.Candle) (valid []models.Candle, skipped []models.Candle) {
	valid = make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if c.InstrumentToken == 0 {
			skipped = append(skipped, c)
			continue
		}
		valid = append(valid, c)
	}
	return valid, skipped
}

// resolveConflicts applies the conflict mode to rows whose key is already stored.
func resolveConflicts(candles []models.Candle, existing map[rowKey]bool, mode models.ConflictMode) ([]models.Candle, error) {
	if mode == models.ConflictUpdate || len(existing) == 0 {
		return candles, nil
	}
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if !existing[keyOf(c)] {
			out = append(out, c)
			continue
		}
		if mode == models.ConflictError {
			return nil, fmt.Errorf("%w: %s token=%d at %s", ErrConflict, c.Symbol, c.InstrumentToken, c.Timestamp.Format(time.RFC3339))
		}
	}
	return out, nil
}

// keyRange summarises a batch for the existence lookup.
func keyRange(candles []models.Candle) (tokens []int64, from, to time.Time) {
	seen := make(map[int64]bool)
	for i, c := range candles {
		if !seen[c.InstrumentToken] {
			seen[c.InstrumentToken] = true
			tokens = append(tokens, c.InstrumentToken)
		}
		if i == 0 || c.Timestamp.Before(from) {
			from = c.Timestamp
		}
		if i == 0 || c.Timestamp.After(to) {
			to = c.Timestamp
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens, from, to
}

func reverse(candles []models.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
