package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datafeed_ticks_received_total",
		Help: "Ticks delivered by the tick source",
	})

	ticksFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_ticks_filtered_total",
		Help: "Ticks dropped before aggregation, by reason",
	}, []string{"reason"})

	candlesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_candles_completed_total",
		Help: "Candles retired by the aggregator",
	}, []string{"resolution"})

	candlesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_candles_persisted_total",
		Help: "Candles written by the persistence sink",
	}, []string{"resolution"})

	candlesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_candles_dropped_total",
		Help: "Completed candles not persisted, by reason",
	}, []string{"resolution", "reason"})

	persistDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datafeed_persist_seconds",
		Help:    "Time spent in one sink write",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"resolution"})

	activeCandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datafeed_active_candles",
		Help: "Open candles held by the aggregator",
	}, []string{"resolution"})

	heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_heartbeats_total",
		Help: "Heartbeat wakes, by outcome",
	}, []string{"outcome"})

	polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_polls_total",
		Help: "REST polls of the tick source, by outcome",
	}, []string{"outcome"})

	signalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_signal_decisions_total",
		Help: "Signal check outcomes",
	}, []string{"direction", "check", "result"})
)

func res(r int) string { return strconv.Itoa(r) }

func IncTicks(n int) {
	ticksReceived.Add(float64(n))
}

func IncTicksFiltered(reason string) {
	ticksFiltered.WithLabelValues(reason).Inc()
}

func AddCandlesCompleted(resolution, n int) {
	candlesCompleted.WithLabelValues(res(resolution)).Add(float64(n))
}

func AddCandlesPersisted(resolution, n int) {
	candlesPersisted.WithLabelValues(res(resolution)).Add(float64(n))
}

func AddCandlesDropped(resolution, n int, reason string) {
	candlesDropped.WithLabelValues(res(resolution), reason).Add(float64(n))
}

func ObservePersist(resolution int, d time.Duration) {
	persistDuration.WithLabelValues(res(resolution)).Observe(d.Seconds())
}

func SetActiveCandles(counts map[int]int) {
	for r, n := range counts {
		activeCandles.WithLabelValues(res(r)).Set(float64(n))
	}
}

func IncHeartbeat(outcome string) {
	heartbeats.WithLabelValues(outcome).Inc()
}

func IncPoll(outcome string) {
	polls.WithLabelValues(outcome).Inc()
}

func RecordSignal(direction, check string, passed bool) {
	result := "rejected"
	if passed {
		result = "passed"
	}
	signalDecisions.WithLabelValues(direction, check, result).Inc()
}
