package feed

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"broker_datafeed/metrics"
	"broker_datafeed/middleware"

	"github.com/google/uuid"
)

// HeartbeatPayload is the status document published on every heartbeat.
type HeartbeatPayload struct {
	MessageID       string              `json:"message_id"`
	Timestamp       time.Time           `json:"timestamp"`
	Service         string              `json:"service"`
	Status          string              `json:"status"`
	Source          string              `json:"source"`
	SourceConnected bool                `json:"source_connected"`
	InSession       bool                `json:"in_session"`
	Statistics      HeartbeatStatistics `json:"statistics"`
}

type HeartbeatStatistics struct {
	Ticks            uint64      `json:"ticks"`
	TicksFiltered    uint64      `json:"ticks_filtered"`
	CandlesPersisted uint64      `json:"candles_persisted"`
	CandlesDropped   uint64      `json:"candles_dropped"`
	LastTickTime     *time.Time  `json:"last_tick_time"`
	ActiveCandles    map[int]int `json:"active_candles"`
}

// wait sleeps for d or until shutdown, reporting false on shutdown.
func (s *Service) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.loopCtx.Done():
		return false
	}
}

func (s *Service) heartbeatLoop() {
	defer s.loops.Done()

	offHoursWakes := 0
	for {
		interval := s.cfg.HeartbeatInterval
		if !s.session().Contains(s.now()) {
			interval = s.cfg.OffHoursInterval
		}
		if !s.wait(interval) {
			return
		}

		inSession := s.session().Contains(s.now())
		publish := true
		if inSession {
			offHoursWakes = 0
		} else {
			offHoursWakes++
			publish = offHoursWakes%2 == 1
		}

		err := middleware.Recover(s.logger, "heartbeat", func() error {
			return s.beat(inSession, publish)
		})
		if err != nil {
			s.logger.Warnw("Heartbeat failed", "error", err)
		}
	}
}

// beat logs the counters and, when allowed, publishes them to the heartbeat sink.
func (s *Service) beat(inSession, publish bool) error {
	st := s.Stats()
	metrics.SetActiveCandles(st.Aggregator.ActiveCandles)
	s.logger.Infow("Heartbeat",
		"state", st.State,
		"in_session", inSession,
		"ticks", st.Ticks,
		"ticks_filtered", st.TicksFiltered,
		"candles_persisted", st.CandlesPersisted,
		"candles_dropped", st.CandlesDropped,
		"source_connected", st.SourceConnected,
		"active_candles", st.Aggregator.ActiveCandles,
	)

	if s.heartbeat == nil {
		return nil
	}
	if !publish {
		metrics.IncHeartbeat("throttled")
		return nil
	}
	if !s.heartbeat.IsConnected() {
		p, ok := s.heartbeat.(pinger)
		if !ok || p.Ping(s.loopCtx) != nil {
			metrics.IncHeartbeat("disconnected")
			return nil
		}
	}

	payload, err := json.Marshal(HeartbeatPayload{
		MessageID:       uuid.NewString(),
		Timestamp:       s.now(),
		Service:         s.cfg.ServiceName,
		Status:          st.State,
		Source:          st.Source,
		SourceConnected: st.SourceConnected,
		InSession:       inSession,
		Statistics: HeartbeatStatistics{
			Ticks:            st.Ticks,
			TicksFiltered:    st.TicksFiltered,
			CandlesPersisted: st.CandlesPersisted,
			CandlesDropped:   st.CandlesDropped,
			LastTickTime:     st.LastTickTime,
			ActiveCandles:    st.Aggregator.ActiveCandles,
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.loopCtx, 5*time.Second)
	defer cancel()
	if err := s.heartbeat.Publish(ctx, s.cfg.HeartbeatTopic, payload, s.cfg.HeartbeatQoS); err != nil {
		metrics.IncHeartbeat("failed")
		return err
	}
	metrics.IncHeartbeat("published")
	return nil
}

// NextPollDelay returns how long to wait from now until the next wall-clock second that
// matches one of offsets (seconds past the minute). An offset equal to now is skipped.
func NextPollDelay(now time.Time, offsets []int) time.Duration {
	if len(offsets) == 0 {
		return time.Minute
	}
	sorted := append([]int(nil), offsets...)
	sort.Ints(sorted)

	minute := now.Truncate(time.Minute)
	for _, o := range sorted {
		if next := minute.Add(time.Duration(o) * time.Second); next.After(now) {
			return next.Sub(now)
		}
	}
	return minute.Add(time.Minute + time.Duration(sorted[0])*time.Second).Sub(now)
}

func (s *Service) pollLoop(p Poller) {
	defer s.loops.Done()

	for {
		if !s.wait(NextPollDelay(s.now(), s.cfg.PollOffsets)) {
			return
		}

		err := middleware.Recover(s.logger, "poll", func() error {
			return p.Poll(s.loopCtx)
		})
		if err == nil {
			metrics.IncPoll("ok")
			continue
		}
		if s.loopCtx.Err() != nil {
			return
		}

		metrics.IncPoll("error")
		s.logger.Warnw("Poll failed, retrying",
			"source", s.source.Name(),
			"retry_in", s.cfg.PollRetry,
			"error", err,
		)
		if !s.wait(s.cfg.PollRetry) {
			return
		}
	}
}
