package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"broker_datafeed/config"
	"broker_datafeed/middleware"
	"broker_datafeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() Config {
	return Config{
		ServiceName:       "data_feed",
		Resolutions:       []int{60, 15},
		MarketHours:       openAlways,
		HeartbeatInterval: time.Hour,
		OffHoursInterval:  time.Hour,
		HeartbeatTopic:    "heartbeat/data_feed",
		HeartbeatQoS:      1,
		PollOffsets:       []int{5, 35},
		PollRetry:         time.Hour,
		JoinTimeout:       time.Second,
		Policy:            DefaultPolicy(),
	}
}

type harness struct {
	svc    *Service
	source *fakeSource
	sink   *fakeSink
	logs   *observer.ObservedLogs
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config, source TickSource, opts ...Option) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	sink := newFakeSink()
	opts = append([]Option{WithLogger(zap.New(core).Sugar())}, opts...)
	h := &harness{
		svc:  NewService(source, sink, cfg, opts...),
		sink: sink,
		logs: logs,
		done: make(chan error, 1),
	}
	if fs, ok := source.(*fakeSource); ok {
		h.source = fs
	}
	if ps, ok := source.(*pollSource); ok {
		h.source = &ps.fakeSource
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.svc.Start(ctx, []int64{101, 202}, []string{"X", "Y"}) }()
	require.Eventually(t, func() bool { return h.svc.State() == StateRunning }, 2*time.Second, time.Millisecond)
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestServiceLifecycleAndFlush(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	assert.Equal(t, StateCreated, h.svc.State())
	h.start(t)
	assert.Equal(t, []int64{101, 202}, h.source.subscribed)

	h.source.emit(tick(101, "100", at(13, 2), 10))
	h.source.emit(tick(101, "105", at(13, 7), 5))
	assert.Empty(t, h.sink.candles(15))

	h.source.emit(tick(101, "102", at(13, 16), 20))
	done := h.sink.candles(15)
	require.Len(t, done, 1)
	c := done[0]
	assert.Equal(t, "X", c.Symbol)
	assert.Equal(t, int64(101), c.InstrumentToken)
	assert.True(t, c.Timestamp.Equal(at(13, 0)))
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "105", c.High.String())
	assert.Equal(t, "105", c.Close.String())
	assert.Equal(t, int64(15), c.Volume)
	assert.Empty(t, h.sink.candles(60))

	h.stop(t)

	assert.Equal(t, StateStopped, h.svc.State())
	assert.True(t, h.sink.isClosed())
	assert.Equal(t, 1, h.source.disconnectCount())

	flushed15 := h.sink.candles(15)
	require.Len(t, flushed15, 2)
	assert.True(t, flushed15[1].Timestamp.Equal(at(13, 15)))
	assert.Equal(t, int64(20), flushed15[1].Volume)

	hourly := h.sink.candles(60)
	require.Len(t, hourly, 1)
	assert.Equal(t, "102", hourly[0].Close.String())
	assert.Equal(t, int64(35), hourly[0].Volume)
	assert.Equal(t, int64(101), hourly[0].InstrumentToken)

	st := h.svc.Stats()
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, uint64(3), st.Ticks)
	assert.Equal(t, uint64(3), st.CandlesPersisted)
	require.NotNil(t, st.LastTickTime)
	assert.True(t, st.LastTickTime.Equal(at(13, 16)))
	assert.Equal(t, 0, st.Aggregator.ActiveCandles[15])

	assert.Equal(t, 1, h.logs.FilterMessage("Data feed stopped").Len())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)
	h.source.emit(tick(101, "100", at(13, 2), 10))

	require.NoError(t, h.svc.Stop())
	require.NoError(t, h.svc.Stop())
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Len(t, h.sink.candles(15), 1)
	assert.Equal(t, 1, h.source.disconnectCount())
}

func TestShutdownUnblocksStart(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)
	h.svc.Shutdown()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.Equal(t, StateStopped, h.svc.State())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	require.NoError(t, h.svc.Stop())
	assert.Equal(t, StateStopped, h.svc.State())
	assert.ErrorIs(t, h.svc.Start(context.Background(), nil, nil), ErrAlreadyStarted)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)
	defer h.stop(t)
	assert.ErrorIs(t, h.svc.Start(context.Background(), nil, nil), ErrAlreadyStarted)
}

func TestStartFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		src := &fakeSource{connectErr: errors.New("handshake refused")}
		h := newHarness(t, testConfig(), src)
		err := h.svc.Start(context.Background(), []int64{1}, []string{"A"})
		assert.ErrorIs(t, err, ErrConnect)
		assert.Equal(t, StateStopped, h.svc.State())
		assert.True(t, h.sink.isClosed())
		assert.NoError(t, h.svc.Stop())
	})

	t.Run("subscribe", func(t *testing.T) {
		src := &fakeSource{subscribeErr: errors.New("bad token")}
		h := newHarness(t, testConfig(), src)
		err := h.svc.Start(context.Background(), []int64{1}, []string{"A"})
		assert.ErrorIs(t, err, ErrSubscribe)
		assert.Equal(t, StateStopped, h.svc.State())
		assert.Equal(t, 1, src.disconnectCount())
		assert.False(t, src.IsConnected())
	})

	t.Run("sink", func(t *testing.T) {
		src := &fakeSource{}
		h := newHarness(t, testConfig(), src)
		h.sink.pingErr = errors.New("no route to host")
		err := h.svc.Start(context.Background(), []int64{1}, []string{"A"})
		assert.ErrorIs(t, err, ErrSinkUnavailable)
		assert.False(t, src.IsConnected())
	})

	t.Run("mismatched mapping", func(t *testing.T) {
		h := newHarness(t, testConfig(), &fakeSource{})
		err := h.svc.Start(context.Background(), []int64{1, 2}, []string{"A"})
		assert.Error(t, err)
		assert.Equal(t, StateStopped, h.svc.State())
	})
}

func TestMissingTableWarns(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	delete(h.sink.tables, "live_candles_60min")
	h.start(t)
	h.stop(t)

	warned := h.logs.FilterMessage("Candle table does not exist").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "live_candles_60min", warned[0].ContextMap()["table"])
}

func TestTicksFilteredByPolicy(t *testing.T) {
	cases := []struct {
		name     string
		policy   models.ZeroVolumePolicy
		session  Session
		accepted uint64
	}{
		{"keep", models.ZeroVolumeKeep, openAlways, 3},
		{"drop", models.ZeroVolumeDrop, closedAlways, 2},
		{"drop in session, open", models.ZeroVolumeDropInSession, openAlways, 2},
		{"drop in session, closed", models.ZeroVolumeDropInSession, closedAlways, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Policy.ZeroVolumeTicks = tc.policy
			cfg.MarketHours = tc.session
			h := newHarness(t, cfg, &fakeSource{})
			h.start(t)

			h.source.emit(
				tick(101, "100", at(10, 0), 5),
				tick(101, "101", at(10, 1), 0),
				tick(202, "50", at(10, 1), 7),
				tick(999, "1", at(10, 1), 1), // unmapped token
				tick(101, "0", at(10, 2), 3), // no price
			)
			st := h.svc.Stats()
			assert.Equal(t, tc.accepted, st.Ticks)
			assert.Equal(t, 5-tc.accepted, st.TicksFiltered)
			h.stop(t)
		})
	}
}

func TestTicksAfterStopAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)
	h.stop(t)

	h.source.emit(tick(101, "100", at(10, 0), 5))
	st := h.svc.Stats()
	assert.Zero(t, st.Ticks)
	assert.Equal(t, uint64(1), st.TicksFiltered)
	assert.Equal(t, 0, st.Aggregator.ActiveCandles[15])
}

func TestPersistFailureDropsBatch(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)
	h.sink.mu.Lock()
	h.sink.saveErr = errors.New("too many parts")
	h.sink.mu.Unlock()

	h.source.emit(tick(101, "100", at(10, 0), 5), tick(202, "50", at(10, 1), 5))
	h.source.emit(tick(101, "101", at(10, 15), 5), tick(202, "51", at(10, 16), 5))

	st := h.svc.Stats()
	assert.Equal(t, uint64(2), st.CandlesDropped)
	assert.Zero(t, st.CandlesPersisted)

	// each retiring tick delivers its own batch
	dropped := h.logs.FilterMessage("Candle batch dropped").All()
	require.Len(t, dropped, 2)
	for _, e := range dropped {
		fields := e.ContextMap()
		assert.Equal(t, "live_candles_15min", fields["table"])
		assert.Equal(t, "sink_error", fields["reason"])
		assert.Equal(t, int64(1), fields["count"])
	}

	h.sink.mu.Lock()
	h.sink.saveErr = nil
	h.sink.mu.Unlock()
	h.stop(t)
}

func TestBreakerOpenDropsWithoutCallingSink(t *testing.T) {
	b := middleware.NewBreaker(middleware.BreakerSettings{
		Name: "test", MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour,
		MinRequests: 1, FailureRate: 0.5,
	}, nil)
	h := newHarness(t, testConfig(), &fakeSource{}, WithBreaker(b))
	h.start(t)
	h.sink.mu.Lock()
	h.sink.saveErr = errors.New("down")
	h.sink.mu.Unlock()

	h.source.emit(tick(101, "100", at(10, 0), 5))
	h.source.emit(tick(101, "100", at(10, 15), 5)) // trips the breaker
	h.source.emit(tick(101, "100", at(10, 30), 5)) // refused

	reasons := map[string]int{}
	for _, e := range h.logs.FilterMessage("Candle batch dropped").All() {
		reasons[e.ContextMap()["reason"].(string)]++
	}
	assert.Equal(t, map[string]int{"sink_error": 1, "breaker_open": 1}, reasons)
	h.stop(t)
}

func TestCandlePolicies(t *testing.T) {
	cfg := testConfig()
	cfg.Resolutions = []int{15}
	cfg.Policy.SkipZeroVolumeCandles = true
	cfg.Policy.GatePersistByMarketHours = true
	cfg.Policy.ConflictMode = models.ConflictSkip
	cfg.MarketHours = sessionFunc(func(t time.Time) bool { return t.Hour() >= 9 && t.Hour() < 15 })
	h := newHarness(t, cfg, &fakeSource{})
	h.start(t)

	h.source.emit(
		tick(101, "100", at(8, 50), 5),  // pre-open window
		tick(202, "50", at(14, 50), 0),  // zero volume
		tick(101, "101", at(14, 46), 5), // last in-session window
	)
	h.stop(t)

	saved := h.sink.candles(15)
	require.Len(t, saved, 1)
	assert.Equal(t, "X", saved[0].Symbol)
	assert.True(t, saved[0].Timestamp.Equal(at(14, 45)))
	assert.Equal(t, []models.ConflictMode{models.ConflictSkip}, h.sink.modes)

	st := h.svc.Stats()
	assert.Equal(t, uint64(2), st.CandlesDropped)
	reasons := map[string]int{}
	for _, e := range h.logs.FilterMessage("Candle not persisted").All() {
		reasons[e.ContextMap()["reason"].(string)]++
	}
	assert.Equal(t, map[string]int{"off_hours": 1, "zero_volume": 1}, reasons)
}

func TestMarketHoursGateKeepsPartlyOpenWindows(t *testing.T) {
	hours, err := config.ParseMarketHours("Mon-Fri", "09:15", "15:30", "+05:30")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Resolutions = []int{60}
	cfg.MarketHours = hours
	cfg.Location = hours.Location
	cfg.Policy.GatePersistByMarketHours = true
	h := newHarness(t, cfg, &fakeSource{})
	h.start(t)

	h.source.emit(
		tick(101, "99", at(8, 10), 5),   // 08:00 window never opens
		tick(101, "100", at(9, 20), 5),  // 09:00 window opens at 09:15
		tick(101, "102", at(9, 50), 5),
		tick(101, "101", at(10, 5), 5),
	)
	h.stop(t)

	saved := h.sink.candles(60)
	require.Len(t, saved, 2)
	assert.True(t, saved[0].Timestamp.Equal(at(9, 0)))
	assert.Equal(t, int64(10), saved[0].Volume)
	assert.True(t, saved[1].Timestamp.Equal(at(10, 0)))
	assert.Equal(t, int64(5), saved[1].Volume)
	assert.Equal(t, uint64(1), h.svc.Stats().CandlesDropped)
}

func TestWindowsCutInMarketZone(t *testing.T) {
	cfg := testConfig()
	cfg.Location = ist
	h := newHarness(t, cfg, &fakeSource{})
	h.start(t)
	defer h.stop(t)

	// 03:50 UTC is 09:20 IST; the hourly window must start at 09:00 IST, not 03:00 UTC.
	h.source.emit(tick(101, "100", at(9, 20).UTC(), 1))

	active := h.svc.Aggregator().ActiveCandles(60, "X")
	require.Len(t, active, 1)
	assert.True(t, active[0].Timestamp.Equal(at(9, 0)))
	assert.Equal(t, ist, active[0].Timestamp.Location())
}

func TestStopDuringConnectDisconnectsSource(t *testing.T) {
	src := newGatedSource()
	h := newHarness(t, testConfig(), src)
	done := make(chan error, 1)
	go func() { done <- h.svc.Start(context.Background(), []int64{101}, []string{"X"}) }()

	<-src.entered
	require.NoError(t, h.svc.Stop())
	close(src.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.False(t, src.IsConnected())
	assert.Equal(t, StateStopped, h.svc.State())
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	src := newGatedSource()
	h := newHarness(t, testConfig(), src)
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- h.svc.Start(context.Background(), []int64{101}, []string{"X"}) }()
	}

	select {
	case err := <-results:
		assert.ErrorIs(t, err, ErrAlreadyStarted)
	case <-time.After(2 * time.Second):
		t.Fatal("second Start was not rejected")
	}
	<-src.entered
	assert.Empty(t, src.entered)

	close(src.release)
	require.Eventually(t, func() bool { return h.svc.State() == StateRunning }, 2*time.Second, time.Millisecond)
	h.svc.Shutdown()
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestConcurrentTickDelivery(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{})
	h.start(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				token := int64(101)
				if (g+i)%2 == 0 {
					token = 202
				}
				h.source.emit(tick(token, "100", at(11, 0).Add(time.Duration(i%60)*time.Second), 1))
				_ = h.svc.Stats()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(800), h.svc.Stats().Ticks)
	h.stop(t)

	var vol int64
	for _, c := range h.sink.candles(60) {
		vol += c.Volume
	}
	assert.Equal(t, int64(800), vol)
}

func TestHeartbeatPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	hb := &fakeHeartbeat{connected: true}
	h := newHarness(t, cfg, &fakeSource{}, WithHeartbeat(hb))
	h.start(t)
	h.source.emit(tick(101, "100", at(10, 0), 5))

	var p HeartbeatPayload
	require.Eventually(t, func() bool {
		for _, raw := range hb.published() {
			if json.Unmarshal(raw, &p) == nil && p.Statistics.Ticks == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	h.stop(t)

	assert.NotEmpty(t, p.MessageID)
	assert.Equal(t, "data_feed", p.Service)
	assert.Equal(t, "fake", p.Source)
	assert.True(t, p.InSession)
	assert.Equal(t, uint64(1), p.Statistics.Ticks)
	assert.Equal(t, 1, p.Statistics.ActiveCandles[15])
	assert.Equal(t, "heartbeat/data_feed", hb.topics[0])
	assert.Equal(t, 1, hb.qos[0])
}

func TestHeartbeatOffHoursThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.MarketHours = closedAlways
	cfg.OffHoursInterval = 2 * time.Millisecond
	hb := &fakeHeartbeat{connected: true}
	h := newHarness(t, cfg, &fakeSource{}, WithHeartbeat(hb))
	h.start(t)

	require.Eventually(t, func() bool { return h.logs.FilterMessage("Heartbeat").Len() >= 6 }, 2*time.Second, time.Millisecond)
	h.stop(t)

	wakes := h.logs.FilterMessage("Heartbeat").Len()
	assert.Equal(t, (wakes+1)/2, len(hb.published()))
}

func TestHeartbeatSkipsDisconnectedSink(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 2 * time.Millisecond
	hb := &fakeHeartbeat{pingErr: errors.New("refused")}
	h := newHarness(t, cfg, &fakeSource{}, WithHeartbeat(hb))
	h.start(t)

	require.Eventually(t, func() bool { return h.logs.FilterMessage("Heartbeat").Len() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, hb.published())

	hb.mu.Lock()
	hb.pingErr = nil
	hb.mu.Unlock()
	require.Eventually(t, func() bool { return len(hb.published()) >= 1 }, 2*time.Second, time.Millisecond)
	h.stop(t)
}

func TestPollLoopOnlyForPullSources(t *testing.T) {
	nearOffset := func() time.Time {
		return time.Now().Truncate(time.Minute).Add(4990 * time.Millisecond)
	}

	t.Run("pull source polls and retries", func(t *testing.T) {
		cfg := testConfig()
		cfg.PollRetry = time.Millisecond
		src := &pollSource{errs: []error{errors.New("rate limited")}}
		h := newHarness(t, cfg, src, WithClock(nearOffset))
		h.start(t)

		require.Eventually(t, func() bool { return src.pollCount() >= 3 }, 2*time.Second, time.Millisecond)
		h.stop(t)
		assert.Equal(t, 1, h.logs.FilterMessage("Poll failed, retrying").Len())
	})

	t.Run("push source never polls", func(t *testing.T) {
		h := newHarness(t, testConfig(), &fakeSource{}, WithClock(nearOffset))
		h.start(t)
		h.stop(t)
		assert.Zero(t, h.logs.FilterMessage("Tick source is pull based, starting poll loop").Len())
	})
}

func TestNextPollDelay(t *testing.T) {
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, ist)
	cases := []struct {
		now  time.Time
		want time.Duration
	}{
		{base, 5 * time.Second},
		{base.Add(4 * time.Second), time.Second},
		{base.Add(5 * time.Second), 30 * time.Second},
		{base.Add(20*time.Second + 500*time.Millisecond), 14*time.Second + 500*time.Millisecond},
		{base.Add(35 * time.Second), 30 * time.Second},
		{base.Add(50 * time.Second), 15 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextPollDelay(tc.now, []int{35, 5}), tc.now.Format("15:04:05.000"))
	}
	assert.Equal(t, time.Minute, NextPollDelay(base, nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}
