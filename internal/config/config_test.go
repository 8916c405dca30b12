package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, "USD", cfg.Risk.Currency)
	assert.Equal(t, "America/New_York", cfg.Risk.MarketHours.Timezone)
	assert.Equal(t, "riskgate", cfg.Manager.Group)
	assert.Equal(t, 3, cfg.Manager.MaxRetries)
	assert.NotEmpty(t, cfg.Manager.Topics)
	assert.Equal(t, 5*time.Second, cfg.Admission.SubmitTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.False(t, cfg.DeadLetters.KafkaEnabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("RISKGATE_BUS_BACKEND", "memory")
	t.Setenv("RISKGATE_MANAGER_MAX_RETRIES", "7")
	t.Setenv("RISKGATE_MANAGER_BLOCK", "250ms")
	t.Setenv("RISKGATE_MANAGER_TOPICS", "orders,positions")
	t.Setenv("RISKGATE_RISK_CURRENCY", "EUR")
	t.Setenv("RISKGATE_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 7, cfg.Manager.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Manager.Block)
	assert.Equal(t, []string{"orders", "positions"}, cfg.Manager.Topics)
	assert.Equal(t, "EUR", cfg.Risk.Currency)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

const fileYAML = `
bus:
  backend: memory
store:
  driver: postgres
  dsn: postgres://risk@localhost/risk
risk:
  min_trigger_drop_pct: 10
  market_hours:
    timezone: Europe/London
    open: "08:00"
    close: "16:30"
    holidays: ["2024-12-25"]
admission:
  submit_timeout: 2s
`

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileYAML), 0o600))
	t.Setenv("RISKGATE_STORE_DSN", "postgres://override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://override", cfg.Store.DSN)
	assert.Equal(t, 10.0, cfg.Risk.MinTriggerDropPct)
	assert.Equal(t, "Europe/London", cfg.Risk.MarketHours.Timezone)
	assert.Equal(t, []string{"2024-12-25"}, cfg.Risk.MarketHours.Holidays)
	assert.Equal(t, 2*time.Second, cfg.Admission.SubmitTimeout)
	assert.Equal(t, "riskgate", cfg.Manager.Group, "untouched keys keep defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		t.Setenv("RISKGATE_BUS_BACKEND", "nats")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("timezone", func(t *testing.T) {
		t.Setenv("RISKGATE_RISK_MARKET_HOURS_TIMEZONE", "Mars/Olympus")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("daily reset", func(t *testing.T) {
		t.Setenv("RISKGATE_RISK_DAILY_RESET", "25:99")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("kafka without brokers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kafka.yaml")
		raw := "dead_letters:\n  kafka_enabled: true\n  kafka:\n    brokers: []\n"
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bus: [unclosed"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "riskgate.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "config/limits.example.yaml", cfg.Risk.SeedFile)
	assert.Len(t, cfg.Risk.MarketHours.Holidays, 2)
	assert.Equal(t, time.Minute, cfg.Manager.MinIdle)
}
