package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/scheduler"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, billing.DefaultConfig(), cfg.Billing)
	assert.Equal(t, scheduler.DefaultConfig(), cfg.Scheduler)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "billing.yaml", `
log_level: debug
store:
  driver: postgres
  dsn: postgres://billing@localhost/billing
redis:
  url: redis://localhost:6379/0
billing:
  broker_slug: cowork
  processing_grace_period: 30m
  notice_days: [30, 7]
  discount_all_periods: true
scheduler:
  renewal_schedule: "0 2 * * *"
export:
  s3:
    bucket: ledgers
    region: eu-west-1
`)
	env := writeFile(t, "empty.env", "")

	cfg, err := Load(path, env)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "cowork", cfg.Billing.BrokerSlug)
	assert.Equal(t, 30*time.Minute, cfg.Billing.ProcessingGracePeriod)
	assert.Equal(t, []int{30, 7}, cfg.Billing.NoticeDays)
	assert.True(t, cfg.Billing.DiscountAllPeriods)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.RenewalSchedule)
	assert.Equal(t, "ledgers", cfg.Export.S3.Bucket)

	// Untouched keys keep their defaults.
	assert.Equal(t, "processor", cfg.Billing.ProcessorSlug)
	assert.Equal(t, scheduler.DefaultSweepSchedule, cfg.Scheduler.SweepSchedule)
	assert.EqualValues(t, 1500, cfg.Billing.ChargebackFee)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "billing.yaml", "store:\n  driver: sqlite\n  dsn: billing.db\n")
	t.Setenv("DATABASE_URL", "/var/lib/billing.db")
	t.Setenv("BILLING_NOTICE_DAYS", "14, 3")
	t.Setenv("BILLING_PROCESSOR_TIMEOUT", "10s")
	t.Setenv("BILLING_MAX_CHARGE_ATTEMPTS", "5")

	cfg, err := Load(path, writeFile(t, "empty.env", ""))
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/billing.db", cfg.Store.DSN)
	assert.Equal(t, []int{14, 3}, cfg.Billing.NoticeDays)
	assert.Equal(t, 10*time.Second, cfg.Billing.ProcessorTimeout)
	assert.Equal(t, 5, cfg.Billing.MaxChargeAttempts)
}

func TestLoadEnvFile(t *testing.T) {
	const key = "BILLING_EXCHANGE"
	_, set := os.LookupEnv(key)
	require.False(t, set, "%s must not be set by the environment", key)
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	cfg, err := Load("", writeFile(t, "billing.env", key+"=billing.test\n"))
	require.NoError(t, err)
	assert.Equal(t, "billing.test", cfg.RabbitMQ.Exchange)
}

func TestLoadErrors(t *testing.T) {
	empty := writeFile(t, "empty.env", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), empty)
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "store: [oops"), empty)
	assert.ErrorContains(t, err, "parse")

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("BILLING_LOCK_TTL", "soon")
	_, err = Load("", empty)
	assert.ErrorContains(t, err, "BILLING_LOCK_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "oracle" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = DriverPostgres }},
		{name: "mongo without database", mutate: func(c *Config) {
			c.Store = StoreConfig{Driver: DriverMongo, DSN: "mongodb://localhost"}
		}},
		{name: "bad currency", mutate: func(c *Config) { c.Billing.DefaultCurrency = "dollars" }},
		{name: "negative notice", mutate: func(c *Config) { c.Billing.NoticeDays = []int{15, -1} }},
		{name: "unknown processor", mutate: func(c *Config) { c.Processor = "stripe" }},
		{name: "negative fee", mutate: func(c *Config) { c.Billing.ChargebackFee = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	logger := cfg.Logger()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
}
