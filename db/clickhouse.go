package db

import (
	"context"
	"fmt"
	"time"

	"broker_datafeed/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createCandleTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    instrument_token Int64,
    symbol String,
    datetime DateTime,
    open Decimal(18, 4),
    high Decimal(18, 4),
    low Decimal(18, 4),
    close Decimal(18, 4),
    volume Int64,
    tick_count Int64,
    updated_at DateTime64(3)
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (instrument_token, datetime)
`

const candleColumns = "instrument_token, symbol, datetime, open, high, low, close, volume, tick_count"

type ClickHouseOptions struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	Debug           bool
}

// ClickHouseDB stores candles in ReplacingMergeTree tables keyed by (instrument_token,
// datetime); the newest write of a key wins once parts merge, and reads use FINAL.
type ClickHouseDB struct {
	conn    driver.Conn
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewClickHouseDB(opts ClickHouseOptions, logger *zap.SugaredLogger) (*ClickHouseDB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Protocol:        clickhouse.Native,
		Debug:           opts.Debug,
		MaxOpenConns:    opts.MaxOpenConns,
		MaxIdleConns:    opts.MaxIdleConns,
		ConnMaxLifetime: opts.ConnMaxLifetime,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClickHouseDB{conn: conn, timeout: timeout, logger: logger}, nil
}

// EnsureTables creates the candle table for each resolution if it is missing.
func (db *ClickHouseDB) EnsureTables(ctx context.Context, resolutions []int) error {
	for _, r := range resolutions {
		ctx, cancel := context.WithTimeout(ctx, db.timeout)
		err := db.conn.Exec(ctx, fmt.Sprintf(createCandleTableSQL, TableName(r)))
		cancel()
		if err != nil {
			return fmt.Errorf("create %s: %w", TableName(r), err)
		}
	}
	return nil
}

func (db *ClickHouseDB) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) CheckTableExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var n uint64
	err := db.conn.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

// SaveCandles writes one resolution's completed candles and returns how many rows were
// written. Rows without an instrument token are skipped individually.
func (db *ClickHouseDB) SaveCandles(ctx context.Context, candles []models.Candle, resolution int, mode models.ConflictMode) (int, error) {
	table := TableName(resolution)
	rows, skipped := withTokens(candles)
	for _, c := range skipped {
		db.logger.Warnw("Skipping candle without instrument token",
			"table", table,
			"symbol", c.Symbol,
			"timestamp", c.Timestamp,
		)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	if mode != models.ConflictUpdate {
		existing, err := db.existingKeys(ctx, table, rows)
		if err != nil {
			return 0, err
		}
		if rows, err = resolveConflicts(rows, existing, mode); err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}
	}

	batch, err := db.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s, updated_at)", table, candleColumns))
	if err != nil {
		return 0, fmt.Errorf("prepare batch for %s: %w", table, err)
	}
	now := time.Now()
	for _, c := range rows {
		if err := batch.Append(
			c.InstrumentToken, c.Symbol, c.Timestamp,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TickCount, now,
		); err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("append %s row: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return len(rows), nil
}

func (db *ClickHouseDB) existingKeys(ctx context.Context, table string, rows []models.Candle) (map[rowKey]bool, error) {
	tokens, from, to := keyRange(rows)
	q := fmt.Sprintf(
		"SELECT instrument_token, datetime FROM %s FINAL WHERE has(?, instrument_token) AND datetime BETWEEN ? AND ?",
		table)
	res, err := db.conn.Query(ctx, q, tokens, from, to)
	if err != nil {
		return nil, fmt.Errorf("lookup existing %s rows: %w", table, err)
	}
	defer res.Close()

	existing := make(map[rowKey]bool)
	for res.Next() {
		var (
			token int64
			ts    time.Time
		)
		if err := res.Scan(&token, &ts); err != nil {
			return nil, err
		}
		existing[rowKey{token: token, ts: ts.Unix()}] = true
	}
	return existing, res.Err()
}

// RecentCandles returns up to limit of the newest candles for symbol, oldest first.
func (db *ClickHouseDB) RecentCandles(ctx context.Context, symbol string, resolution, limit int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	table := TableName(resolution)
	q := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE symbol = ? ORDER BY datetime DESC LIMIT ?", candleColumns, table)
	res, err := db.conn.Query(ctx, q, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer res.Close()

	var out []models.Candle
	for res.Next() {
		c := models.Candle{Resolution: resolution, Source: models.SourceLive}
		if err := res.Scan(&c.InstrumentToken, &c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TickCount); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, c)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
