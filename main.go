package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker_datafeed/angel"
	"broker_datafeed/config"
	"broker_datafeed/db"
	"broker_datafeed/feed"
	"broker_datafeed/heartbeat"
	"broker_datafeed/models"
	"broker_datafeed/monitoring"
	"broker_datafeed/regime"
	"broker_datafeed/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// candleStore is what both sink drivers provide.
type candleStore interface {
	feed.CandleSink
	regime.CandleStore
	EnsureTables(ctx context.Context, resolutions []int) error
}

type heartbeatSink interface {
	feed.HeartbeatSink
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	envFile := flag.String("env-file", ".env", "optional env file loaded before the environment")
	instruments := flag.String("instruments", "", "instrument list (overrides INSTRUMENTS_FILE)")
	testDB := flag.Bool("test-db", false, "check the candle store connection and tables, then exit")
	testBroker := flag.Bool("test-broker", false, "connect to and disconnect from the tick source, then exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *instruments != "" {
		cfg.Feed.InstrumentsFile = *instruments
	}

	logger, err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *testDB:
		os.Exit(runDBCheck(ctx, cfg, logger))
	case *testBroker:
		os.Exit(runBrokerCheck(ctx, cfg, logger))
	}

	if err := run(ctx, cfg, logger); err != nil {
		utils.Error(err, "Data feed exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	tokens, err := config.LoadInstruments(cfg.Feed.InstrumentsFile)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := store.EnsureTables(ctx, cfg.Feed.Resolutions); err != nil {
		store.Close()
		return err
	}

	source := newSource(cfg, tokens, logger)

	opts := []feed.Option{feed.WithLogger(logger)}
	hb, err := openHeartbeat(ctx, cfg, logger)
	if err != nil {
		logger.Warnw("Heartbeat sink unavailable, will retry on publish", "driver", cfg.Heartbeat.Driver, "error", err)
	}
	if hb != nil {
		defer hb.Close()
		opts = append(opts, feed.WithHeartbeat(hb))
	}

	svc := feed.NewService(source, store, feed.Config{
		ServiceName:       cfg.App.ServiceName,
		Resolutions:       cfg.Feed.Resolutions,
		MarketHours:       cfg.MarketHours,
		Location:          cfg.MarketHours.Location,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		OffHoursInterval:  cfg.Heartbeat.OffHoursInterval,
		HeartbeatTopic:    cfg.Heartbeat.Topic,
		HeartbeatQoS:      cfg.Heartbeat.QoS,
		PollOffsets:       cfg.Poll.Offsets,
		PollRetry:         cfg.Poll.Retry,
		JoinTimeout:       cfg.App.ShutdownTimeout,
		Policy: feed.Policy{
			ZeroVolumeTicks:          cfg.Policy.ZeroVolumeTicks,
			SkipZeroVolumeCandles:    cfg.Policy.SkipZeroVolumeCandles,
			GatePersistByMarketHours: cfg.Policy.GatePersistByMarketHours,
			ConflictMode:             cfg.Policy.ConflictMode,
		},
	}, opts...)

	health := monitoring.NewHealth()
	health.RegisterHealthCheck("source", source.IsConnected)
	health.RegisterHealthCheck("sink", func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return store.TestConnection(pingCtx) == nil
	})
	health.RegisterHealthCheck("running", func() bool { return svc.State() == feed.StateRunning })
	if hb != nil {
		health.RegisterHealthCheck("heartbeat", hb.IsConnected)
	}
	health.SetStats(func() interface{} { return svc.Stats() })
	monitoring.StartMetricsCollection(ctx, 5*time.Second, health)

	engine := regime.NewEngine(store, regime.Config{
		HigherResolution: cfg.Regime.HigherResolution,
		LowerResolution:  cfg.Regime.LowerResolution,
		ShortPeriod:      cfg.Regime.ShortPeriod,
		LongPeriod:       cfg.Regime.LongPeriod,
		Lookback:         cfg.Regime.Lookback,
		LowerLookback:    cfg.Regime.LowerLookback,
		Location:         cfg.MarketHours.Location,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.Handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/regime", engine.Handler(nil))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           utils.RequestLogger(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error(err, "HTTP server error")
			health.RecordError(err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("HTTP server shutdown failed", "error", err)
		}
	}()

	ids := make([]int64, len(tokens))
	symbols := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.Token
		symbols[i] = t.Symbol
	}

	logger.Infow("Data feed configured",
		"env", cfg.App.Environment,
		"store", cfg.Store.Driver,
		"feed_mode", cfg.Feed.Mode,
		"market_hours", cfg.MarketHours.String(),
		"http_addr", cfg.HTTP.Addr,
	)
	return svc.Start(ctx, ids, symbols)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (candleStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return db.NewPostgresDB(ctx, db.PostgresOptions{
			DSN:          cfg.Postgres.DSN,
			MaxConns:     cfg.Postgres.MaxConns,
			QueryTimeout: cfg.Postgres.QueryTimeout,
		}, logger)
	default:
		return db.NewClickHouseDB(db.ClickHouseOptions{
			Host:            cfg.ClickHouse.Host,
			Port:            cfg.ClickHouse.Port,
			User:            cfg.ClickHouse.User,
			Password:        cfg.ClickHouse.Password,
			Database:        cfg.ClickHouse.Database,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			QueryTimeout:    cfg.ClickHouse.QueryTimeout,
			Debug:           cfg.ClickHouse.Debug,
		}, logger)
	}
}

func newSource(cfg *config.Config, tokens []models.TokenConfig, logger *zap.SugaredLogger) feed.TickSource {
	client := angel.NewClient(cfg.Angel.BaseURL, angel.Credentials{
		APIKey:     cfg.Angel.APIKey,
		ClientCode: cfg.Angel.ClientCode,
		Password:   cfg.Angel.Password,
		TOTP:       cfg.Angel.TOTP,
		LocalIP:    cfg.Angel.LocalIP,
		PublicIP:   cfg.Angel.PublicIP,
		MACAddress: cfg.Angel.MACAddress,
	}, logger)

	exchanges := make(map[int64]int, len(tokens))
	for _, t := range tokens {
		if ex, ok := models.ExchangeMap[t.Exchange]; ok {
			exchanges[t.Token] = ex
		}
	}

	if cfg.Feed.Mode == "poll" {
		return angel.NewQuoteSource(client, angel.QuoteOptions{
			ExchangeType: cfg.Angel.ExchangeType,
			Exchanges:    exchanges,
			Location:     cfg.MarketHours.Location,
		}, logger)
	}
	return angel.NewStreamSource(client, angel.StreamOptions{
		URL:          cfg.Angel.StreamURL,
		Mode:         cfg.Angel.Mode,
		ExchangeType: cfg.Angel.ExchangeType,
		Exchanges:    exchanges,
	}, logger)
}

// openHeartbeat returns a nil sink for the "none" driver. A sink that fails its first
// ping is still returned; the heartbeat loop pings it again before publishing.
func openHeartbeat(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (heartbeatSink, error) {
	var hb heartbeatSink
	switch cfg.Heartbeat.Driver {
	case "redis":
		hb = heartbeat.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case "kafka":
		hb = heartbeat.NewKafkaSink(cfg.Kafka.Brokers, cfg.App.ServiceName, cfg.Heartbeat.QoS)
	default:
		return nil, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hb.Ping(pingCtx); err != nil {
		return hb, err
	}
	logger.Infow("Heartbeat sink connected", "driver", cfg.Heartbeat.Driver, "topic", cfg.Heartbeat.Topic)
	return hb, nil
}

func runDBCheck(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) int {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store %s: %v\n", cfg.Store.Driver, err)
		return 1
	}
	defer store.Close()

	if err := store.TestConnection(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "store %s: connection failed: %v\n", cfg.Store.Driver, err)
		return 1
	}
	code := 0
	for _, r := range cfg.Feed.Resolutions {
		name := db.TableName(r)
		ok, err := store.CheckTableExists(ctx, name)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			code = 1
		case !ok:
			fmt.Printf("%s: missing\n", name)
			code = 1
		default:
			fmt.Printf("%s: ok\n", name)
		}
	}
	return code
}

func runBrokerCheck(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) int {
	source := newSource(cfg, nil, logger)
	if err := source.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: connect failed: %v\n", source.Name(), err)
		return 1
	}
	connected := source.IsConnected()
	if err := source.Disconnect(); err != nil {
		logger.Warnw("Disconnect failed", "source", source.Name(), "error", err)
	}
	if !connected {
		fmt.Fprintf(os.Stderr, "%s: not connected after connect\n", source.Name())
		return 1
	}
	fmt.Printf("%s: ok\n", source.Name())
	return 0
}
