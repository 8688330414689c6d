package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"broker_datafeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int{15, 60}, cfg.Feed.Resolutions)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 300*time.Second, cfg.Heartbeat.OffHoursInterval)
	assert.Equal(t, []int{5, 35}, cfg.Poll.Offsets)
	assert.Equal(t, 5*time.Second, cfg.Poll.Retry)
	assert.Equal(t, models.ZeroVolumeKeep, cfg.Policy.ZeroVolumeTicks)
	assert.Equal(t, models.ConflictUpdate, cfg.Policy.ConflictMode)
	assert.False(t, cfg.Policy.SkipZeroVolumeCandles)
	assert.False(t, cfg.Policy.GatePersistByMarketHours)
	assert.Equal(t, "clickhouse", cfg.Store.Driver)
	assert.Equal(t, "heartbeat/data_feed", cfg.Heartbeat.Topic)
	assert.Equal(t, "Mon-Fri 09:15-15:30 UTC+05:30", cfg.MarketHours.String())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CANDLE_INTERVALS", "5, 15,60")
	t.Setenv("POLICY_ZERO_VOLUME_TICKS", "drop_in_session")
	t.Setenv("POLICY_CONFLICT_MODE", "skip")
	t.Setenv("POLICY_GATE_PERSIST_BY_MARKET_HOURS", "true")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{5, 15, 60}, cfg.Feed.Resolutions)
	assert.Equal(t, models.ZeroVolumeDropInSession, cfg.Policy.ZeroVolumeTicks)
	assert.Equal(t, models.ConflictSkip, cfg.Policy.ConflictMode)
	assert.True(t, cfg.Policy.GatePersistByMarketHours)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CLICKHOUSE_DB=candles_test\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CLICKHOUSE_DB") })

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "candles_test", cfg.ClickHouse.Database)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"resolution not dividing 60": {"CANDLE_INTERVALS": "15,7"},
		"duplicate resolution":       {"CANDLE_INTERVALS": "15,15"},
		"non numeric resolution":     {"CANDLE_INTERVALS": "15,abc"},
		"unknown tick policy":        {"POLICY_ZERO_VOLUME_TICKS": "sometimes"},
		"unknown conflict mode":      {"POLICY_CONFLICT_MODE": "merge"},
		"bad market hours":           {"MARKET_OPEN": "16:00"},
		"bad offset":                 {"MARKET_TZ_OFFSET": "IST"},
		"poll offset out of range":   {"POLL_OFFSETS_SECS": "5,75"},
		"unknown heartbeat driver":   {"HEARTBEAT_DRIVER": "mqtt"},
		"inverted regime periods":    {"REGIME_SHORT_PERIOD": "60"},
		"depth stream mode":          {"ANGEL_MODE": "4"},
		"unknown exchange type":      {"ANGEL_EXCHANGE_TYPE": "9"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateJoinsAllProblems(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Feed.Resolutions = []int{0, 45}
	cfg.Store.Driver = "sqlite"
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "resolution 0")
	assert.Contains(t, err.Error(), "resolution 45")
	assert.Contains(t, err.Error(), "sqlite")
}

func TestMarketHoursContains(t *testing.T) {
	m, err := ParseMarketHours("Mon-Fri", "09:15", "15:30", "+05:30")
	require.NoError(t, err)
	ist := m.Location

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"open bell", time.Date(2024, 3, 4, 9, 15, 0, 0, ist), true},
		{"before open", time.Date(2024, 3, 4, 9, 14, 59, 0, ist), false},
		{"midday friday", time.Date(2024, 3, 8, 12, 0, 0, 0, ist), true},
		{"close bell", time.Date(2024, 3, 4, 15, 30, 0, 0, ist), false},
		{"saturday", time.Date(2024, 3, 9, 11, 0, 0, 0, ist), false},
		{"utc input converted", time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC), true},
		{"utc evening", time.Date(2024, 3, 4, 10, 5, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.Contains(tc.at))
		})
	}
}

func TestMarketHoursWrappingWeek(t *testing.T) {
	m, err := ParseMarketHours("Sun-Thu", "10:00", "14:00", "+03:00")
	require.NoError(t, err)
	loc := m.Location

	assert.True(t, m.Contains(time.Date(2024, 3, 3, 11, 0, 0, 0, loc)))  // Sunday
	assert.False(t, m.Contains(time.Date(2024, 3, 8, 11, 0, 0, 0, loc))) // Friday

	fri, err := ParseMarketHours("Fri-Mon", "10:00", "14:00", "Z")
	require.NoError(t, err)
	assert.True(t, fri.Contains(time.Date(2024, 3, 9, 11, 0, 0, 0, time.UTC)))  // Saturday
	assert.False(t, fri.Contains(time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC))) // Wednesday
}

func TestLoadInstruments(t *testing.T) {
	ins, err := LoadInstruments(filepath.Join("testdata", "instruments.yaml"))
	require.NoError(t, err)
	require.Len(t, ins, 3)
	assert.Equal(t, models.TokenConfig{Symbol: "RELIANCE", Token: 2885, Exchange: "NSE_CM"}, ins[0])
	assert.Equal(t, "NSE_CM", ins[1].Exchange)

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("instruments:\n  - {symbol: A, token: 1}\n  - {symbol: B, token: 1}\n"), 0o600))
	_, err = LoadInstruments(dup)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = LoadInstruments(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
