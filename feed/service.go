// Package feed runs the tick source -> aggregator -> candle sink pipeline together with its
// heartbeat and polling loops.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"broker_datafeed/candles"
	"broker_datafeed/db"
	"broker_datafeed/metrics"
	"broker_datafeed/middleware"
	"broker_datafeed/models"
	"broker_datafeed/utils"

	"go.uber.org/zap"
)

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config is everything the service needs as plain data.
type Config struct {
	ServiceName       string
	Resolutions       []int
	MarketHours       Session
	// Location is the exchange zone candle windows are cut in. Nil keeps each tick's own zone.
	Location          *time.Location
	HeartbeatInterval time.Duration
	OffHoursInterval  time.Duration
	HeartbeatTopic    string
	HeartbeatQoS      int
	PollOffsets       []int // seconds past each minute
	PollRetry         time.Duration
	JoinTimeout       time.Duration
	Policy            Policy
}

type Option func(*Service)

func WithHeartbeat(h HeartbeatSink) Option {
	return func(s *Service) { s.heartbeat = h }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for market-hours and poll scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBreaker overrides the circuit breaker guarding sink writes.
func WithBreaker(b *middleware.Breaker) Option {
	return func(s *Service) {
		if b != nil {
			s.breaker = b
		}
	}
}

// Service owns the pipeline lifecycle: created, starting, running, stopping, stopped.
type Service struct {
	source    TickSource
	sink      CandleSink
	heartbeat HeartbeatSink
	cfg       Config
	logger    *zap.SugaredLogger
	now       func() time.Time
	breaker   *middleware.Breaker
	agg       *candles.Aggregator

	// loopCtx is the shared shutdown signal.
	loopCtx  context.Context
	shutdown context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	// ingest is held shared by tick batches and exclusively by Stop, so no tick can land
	// in the aggregator after the final flush.
	ingest    sync.RWMutex
	accepting bool

	// symbol<->token mapping, fixed once Start has run
	tokenMu       sync.RWMutex
	tokenBySymbol map[string]int64
	symbolByToken map[int64]string

	// mu guards the counters below and the state; it is never held while calling the
	// aggregator or the sink.
	mu        sync.Mutex
	state     State
	ticks     uint64
	filtered  uint64
	persisted uint64
	dropped   uint64
	lastTick  *time.Time
}

func NewService(source TickSource, sink CandleSink, cfg Config, opts ...Option) *Service {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "data_feed"
	}
	if cfg.HeartbeatTopic == "" {
		cfg.HeartbeatTopic = "heartbeat/" + cfg.ServiceName
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.OffHoursInterval <= 0 {
		cfg.OffHoursInterval = 300 * time.Second
	}
	if len(cfg.PollOffsets) == 0 {
		cfg.PollOffsets = []int{5, 35}
	}
	if cfg.PollRetry <= 0 {
		cfg.PollRetry = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.Policy.ConflictMode == "" {
		cfg.Policy.ConflictMode = models.ConflictUpdate
	}
	if cfg.Policy.ZeroVolumeTicks == "" {
		cfg.Policy.ZeroVolumeTicks = models.ZeroVolumeKeep
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		source:        source,
		sink:          sink,
		cfg:           cfg,
		logger:        utils.Logger,
		now:           time.Now,
		loopCtx:       ctx,
		shutdown:      cancel,
		tokenBySymbol: map[string]int64{},
		symbolByToken: map[int64]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = middleware.NewBreaker(middleware.DefaultBreakerSettings("candle-sink"), s.logger)
	}
	s.agg = candles.New(cfg.Resolutions, s.onCandlesComplete)
	return s
}

// Aggregator exposes the live aggregator for read-only snapshots.
func (s *Service) Aggregator() *candles.Aggregator {
	return s.agg
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Infow("Service state changed", "from", prev.String(), "to", st.String())
}

// Start connects and subscribes, runs the loops, and blocks until ctx is done or Shutdown
// is called. It then stops the service and returns Stop's result. Connect and subscribe
// failures abort startup and leave the service stopped.
func (s *Service) Start(ctx context.Context, tokens []int64, symbols []string) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()
	s.logger.Infow("Service state changed", "from", StateCreated.String(), "to", StateStarting.String())

	s.logger.Infow("Starting data feed",
		"service", s.cfg.ServiceName,
		"source", s.source.Name(),
		"resolutions", s.cfg.Resolutions,
		"instruments", len(tokens),
		"policy", s.cfg.Policy.String(),
	)

	if err := s.start(ctx, tokens, symbols); err != nil {
		s.logger.Errorw("Data feed failed to start", "error", err)
		if cerr := s.sink.Close(); cerr != nil {
			s.logger.Warnw("Closing candle sink failed", "error", cerr)
		}
		s.shutdown()
		s.setState(StateStopped)
		s.stopOnce.Do(func() {})
		return err
	}

	s.ingest.Lock()
	s.mu.Lock()
	if s.state != StateStarting {
		// Stop ran while we were connecting and may have disconnected before Connect won.
		s.mu.Unlock()
		s.ingest.Unlock()
		if err := s.source.Disconnect(); err != nil {
			s.logger.Warnw("Tick source disconnect failed", "source", s.source.Name(), "error", err)
		}
		return s.Stop()
	}
	s.state = StateRunning
	s.accepting = true
	s.mu.Unlock()
	s.ingest.Unlock()
	s.logger.Infow("Service state changed", "from", StateStarting.String(), "to", StateRunning.String())

	s.loops.Add(1)
	go s.heartbeatLoop()
	if p, ok := s.source.(Poller); ok {
		s.logger.Infow("Tick source is pull based, starting poll loop", "offsets", s.cfg.PollOffsets)
		s.loops.Add(1)
		go s.pollLoop(p)
	}

	select {
	case <-ctx.Done():
		s.logger.Infow("Shutdown requested", "reason", ctx.Err())
	case <-s.loopCtx.Done():
	}
	return s.Stop()
}

func (s *Service) start(ctx context.Context, tokens []int64, symbols []string) error {
	if len(tokens) != len(symbols) {
		return fmt.Errorf("got %d tokens for %d symbols", len(tokens), len(symbols))
	}
	if err := s.sink.TestConnection(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	for _, r := range s.agg.Resolutions() {
		table := db.TableName(r)
		ok, err := s.sink.CheckTableExists(ctx, table)
		switch {
		case err != nil:
			s.logger.Warnw("Could not check candle table", "table", table, "error", err)
		case !ok:
			s.logger.Warnw("Candle table does not exist", "table", table, "resolution", r)
		}
	}

	s.tokenMu.Lock()
	for i, sym := range symbols {
		s.tokenBySymbol[sym] = tokens[i]
		s.symbolByToken[tokens[i]] = sym
	}
	s.tokenMu.Unlock()

	s.source.SetTickCallback(s.onTicks)
	if err := s.source.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.source.Name(), err)
	}
	if err := s.source.Subscribe(ctx, tokens); err != nil {
		if derr := s.source.Disconnect(); derr != nil {
			s.logger.Warnw("Disconnect after failed subscribe", "error", derr)
		}
		return fmt.Errorf("%w: %s: %w", ErrSubscribe, s.source.Name(), err)
	}
	return nil
}

// Shutdown signals every loop and unblocks Start. It does not wait.
func (s *Service) Shutdown() {
	s.shutdown()
}

// Stop drains the service: signal loops, join them with a bounded wait, disconnect the
// source, flush every open candle, close the sink. Calling it again returns the first result.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Service) stop() error {
	s.mu.Lock()
	neverStarted := s.state == StateCreated
	s.mu.Unlock()
	s.shutdown()
	if neverStarted {
		s.setState(StateStopped)
		return nil
	}
	s.setState(StateStopping)

	joined := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(s.cfg.JoinTimeout):
		s.logger.Warnw("Loops did not exit in time, continuing shutdown", "timeout", s.cfg.JoinTimeout)
	}

	if err := s.source.Disconnect(); err != nil {
		s.logger.Warnw("Tick source disconnect failed", "source", s.source.Name(), "error", err)
	}

	s.ingest.Lock()
	s.accepting = false
	remaining := s.agg.ForceCloseAll()
	s.ingest.Unlock()

	s.logger.Infow("Flushing open candles", "count", len(remaining))
	s.persistAll(context.Background(), remaining)

	var err error
	if cerr := s.sink.Close(); cerr != nil {
		err = fmt.Errorf("close candle sink: %w", cerr)
		s.logger.Warnw("Closing candle sink failed", "error", cerr)
	}

	s.setState(StateStopped)
	st := s.Stats()
	s.logger.Infow("Data feed stopped",
		"ticks", st.Ticks,
		"ticks_filtered", st.TicksFiltered,
		"candles_persisted", st.CandlesPersisted,
		"candles_dropped", st.CandlesDropped,
	)
	return err
}

// onTicks is the tick source callback. It may run on any goroutine.
func (s *Service) onTicks(ticks []models.Tick) {
	s.ingest.RLock()
	defer s.ingest.RUnlock()

	if !s.accepting {
		s.count(0, uint64(len(ticks)), nil)
		for range ticks {
			metrics.IncTicksFiltered("not_running")
		}
		return
	}

	var (
		inSession   *bool
		accepted    uint64
		rejected    uint64
		lastApplied *time.Time
	)
	sessionOpen := func() bool {
		if inSession == nil {
			open := s.session().Contains(s.now())
			inSession = &open
		}
		return *inSession
	}

	for _, t := range ticks {
		if s.cfg.Location != nil {
			t.Timestamp = t.Timestamp.In(s.cfg.Location)
		}
		if t.Symbol == "" {
			t.Symbol = s.symbolFor(t.InstrumentToken)
		}
		if reason := s.cfg.Policy.tickRejection(t, sessionOpen); reason != "" {
			rejected++
			metrics.IncTicksFiltered(reason)
			s.logger.Debugw("Tick filtered",
				"symbol", t.Symbol,
				"token", t.InstrumentToken,
				"timestamp", t.Timestamp,
				"reason", reason,
			)
			continue
		}
		s.agg.ProcessTick(t.Symbol, t.LastPrice, t.Timestamp, t.Volume)
		accepted++
		ts := t.Timestamp
		lastApplied = &ts
	}

	metrics.IncTicks(int(accepted))
	s.count(accepted, rejected, lastApplied)
}

func (s *Service) count(accepted, rejected uint64, last *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks += accepted
	s.filtered += rejected
	if last != nil {
		s.lastTick = last
	}
}

func (s *Service) symbolFor(token int64) string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.symbolByToken[token]
}

func (s *Service) tokenFor(symbol string) int64 {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.tokenBySymbol[symbol]
}

// onCandlesComplete runs on the goroutine that delivered the retiring tick.
func (s *Service) onCandlesComplete(completed []models.Candle) {
	s.persistAll(context.Background(), completed)
}

// persistAll groups candles by resolution and writes each group to its table.
func (s *Service) persistAll(ctx context.Context, completed []models.Candle) {
	if len(completed) == 0 {
		return
	}
	byRes := make(map[int][]models.Candle)
	for _, c := range completed {
		if c.InstrumentToken == 0 {
			c.InstrumentToken = s.tokenFor(c.Symbol)
		}
		byRes[c.Resolution] = append(byRes[c.Resolution], c)
	}
	resolutions := make([]int, 0, len(byRes))
	for r := range byRes {
		resolutions = append(resolutions, r)
	}
	sort.Ints(resolutions)

	for _, r := range resolutions {
		s.persist(ctx, r, byRes[r])
	}
}

func (s *Service) persist(ctx context.Context, resolution int, batch []models.Candle) {
	metrics.AddCandlesCompleted(resolution, len(batch))
	table := db.TableName(resolution)

	keep := batch[:0:0]
	var rejected uint64
	for _, c := range batch {
		if reason := s.cfg.Policy.candleRejection(c, s.session()); reason != "" {
			rejected++
			metrics.AddCandlesDropped(resolution, 1, reason)
			s.logger.Infow("Candle not persisted",
				"table", table,
				"symbol", c.Symbol,
				"timestamp", c.Timestamp,
				"volume", c.Volume,
				"reason", reason,
			)
			continue
		}
		keep = append(keep, c)
	}
	if rejected > 0 {
		s.addPersistOutcome(0, rejected)
	}
	if len(keep) == 0 {
		return
	}

	start := time.Now()
	var saved int
	err := s.breaker.Execute(func() error {
		var err error
		saved, err = s.sink.SaveCandles(ctx, keep, resolution, s.cfg.Policy.ConflictMode)
		return err
	})
	metrics.ObservePersist(resolution, time.Since(start))

	if err != nil {
		reason := "sink_error"
		if middleware.IsOpen(err) {
			reason = "breaker_open"
		}
		metrics.AddCandlesDropped(resolution, len(keep), reason)
		s.addPersistOutcome(0, uint64(len(keep)))
		symbols := make([]string, len(keep))
		for i, c := range keep {
			symbols[i] = c.Symbol
		}
		s.logger.Errorw("Candle batch dropped",
			"table", table,
			"count", len(keep),
			"symbols", symbols,
			"window", keep[0].Timestamp,
			"reason", reason,
			"error", err,
		)
		return
	}

	metrics.AddCandlesPersisted(resolution, saved)
	s.addPersistOutcome(uint64(saved), 0)
	s.logger.Infow("Candles persisted",
		"table", table,
		"saved", saved,
		"submitted", len(keep),
		"conflict_mode", s.cfg.Policy.ConflictMode,
	)
}

func (s *Service) session() Session {
	if s.cfg.MarketHours == nil {
		return alwaysOpen{}
	}
	return s.cfg.MarketHours
}

type alwaysOpen struct{}

func (alwaysOpen) Contains(time.Time) bool { return true }

func (s *Service) addPersistOutcome(persisted, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted += persisted
	s.dropped += dropped
}

// Stats returns a snapshot of the running counters.
func (s *Service) Stats() models.ServiceStats {
	s.mu.Lock()
	st := models.ServiceStats{
		State:            s.state.String(),
		Ticks:            s.ticks,
		TicksFiltered:    s.filtered,
		CandlesPersisted: s.persisted,
		CandlesDropped:   s.dropped,
	}
	if s.lastTick != nil {
		t := *s.lastTick
		st.LastTickTime = &t
	}
	s.mu.Unlock()

	st.Source = s.source.Name()
	st.SourceConnected = s.source.IsConnected()
	st.Aggregator = s.agg.Statistics()
	return st
}
