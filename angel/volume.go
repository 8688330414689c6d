package angel

import "sync"

// volumeTracker turns the exchange's cumulative day volume into per-tick volume.
type volumeTracker struct {
	mu   sync.Mutex
	last map[string]int64
}

func newVolumeTracker() *volumeTracker {
	return &volumeTracker{last: make(map[string]int64)}
}

// next returns the volume traded since the previous observation of token. The first
// observation, and any decrease (a new session), fall back to the last traded quantity.
func (v *volumeTracker) next(token string, cumulative, lastQty int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev, seen := v.last[token]
	v.last[token] = cumulative
	if !seen || cumulative < prev {
		if lastQty < 0 {
			return 0
		}
		return lastQty
	}
	return cumulative - prev
}
