package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broker_datafeed/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const duplicateKeyErrorCode = "23505"

const createPgCandleTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    instrument_token BIGINT NOT NULL,
    symbol TEXT NOT NULL,
    datetime TIMESTAMPTZ NOT NULL,
    open NUMERIC(18, 4) NOT NULL,
    high NUMERIC(18, 4) NOT NULL,
    low NUMERIC(18, 4) NOT NULL,
    close NUMERIC(18, 4) NOT NULL,
    volume BIGINT NOT NULL,
    tick_count BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (instrument_token, datetime)
)`

type PostgresOptions struct {
	DSN          string
	MaxConns     int
	QueryTimeout time.Duration
}

// PostgresDB upserts candles on the (instrument_token, datetime) primary key.
type PostgresDB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewPostgresDB(ctx context.Context, opts PostgresOptions, logger *zap.SugaredLogger) (*PostgresDB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pgxConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	if opts.MaxConns > 0 {
		pgxConfig.MaxConns = int32(opts.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresDB{pool: pool, timeout: timeout, logger: logger}, nil
}

// upsertSQL builds the insert statement for a conflict mode. Error mode has no ON CONFLICT
// clause so the unique violation surfaces.
func upsertSQL(table string, mode models.ConflictMode) string {
	base := fmt.Sprintf(
		"INSERT INTO %s (%s, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())",
		table, candleColumns)
	switch mode {
	case models.ConflictSkip:
		return base + " ON CONFLICT (instrument_token, datetime) DO NOTHING"
	case models.ConflictError:
		return base
	}
	return base + ` ON CONFLICT (instrument_token, datetime) DO UPDATE SET
    symbol = EXCLUDED.symbol,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    tick_count = EXCLUDED.tick_count,
    updated_at = now()`
}

func (db *PostgresDB) EnsureTables(ctx context.Context, resolutions []int) error {
	for _, r := range resolutions {
		if _, err := db.pool.Exec(ctx, fmt.Sprintf(createPgCandleTableSQL, TableName(r))); err != nil {
			return fmt.Errorf("create %s: %w", TableName(r), err)
		}
	}
	return nil
}

func (db *PostgresDB) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) CheckTableExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var exists bool
	err := db.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return exists, nil
}

// SaveCandles writes the batch in one transaction and returns the rows inserted or updated.
// In skip mode existing rows are left alone and not counted.
func (db *PostgresDB) SaveCandles(ctx context.Context, candles []models.Candle, resolution int, mode models.ConflictMode) (int, error) {
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

	stmt := upsertSQL(table, mode)
	batch := &pgx.Batch{}
	for _, c := range rows {
		batch.Queue(stmt,
			c.InstrumentToken, c.Symbol, c.Timestamp,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TickCount,
		)
	}

	saved := 0
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			saved += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateKeyErrorCode {
			return 0, fmt.Errorf("%w: %s: %s", ErrConflict, table, pgErr.Detail)
		}
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return saved, nil
}

func (db *PostgresDB) RecentCandles(ctx context.Context, symbol string, resolution, limit int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	table := TableName(resolution)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE symbol = $1 ORDER BY datetime DESC LIMIT $2", candleColumns, table)
	res, err := db.pool.Query(ctx, q, symbol, limit)
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

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}
