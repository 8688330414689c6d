package models

import "time"

// AggregatorStats is a point-in-time view of the aggregator state.
type AggregatorStats struct {
	Resolutions   []int       `json:"intervals"`
	ActiveCandles map[int]int `json:"active_candles_count"`
}

// ServiceStats is the running counter snapshot reported by the data feed service.
type ServiceStats struct {
	State            string          `json:"state"`
	Ticks            uint64          `json:"tick_count"`
	TicksFiltered    uint64          `json:"ticks_filtered"`
	CandlesPersisted uint64          `json:"candle_count"`
	CandlesDropped   uint64          `json:"candles_dropped"`
	LastTickTime     *time.Time      `json:"last_tick_time"`
	Source           string          `json:"broker"`
	SourceConnected  bool            `json:"broker_connected"`
	Aggregator       AggregatorStats `json:"aggregator"`
}
