// Package config loads the settings of a billing deployment from an
// optional YAML file and the environment. A .env file next to the
// process is honored when present; real environment variables win over
// it, and both win over the YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xraph/billing"
	"github.com/xraph/billing/export"
	"github.com/xraph/billing/notify/rabbitmq"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/scheduler"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// ProcessorSandbox selects the in-process test processor.
const ProcessorSandbox = "sandbox"

// Config is the full deployment configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Processor names the payment processor. Only "sandbox" ships with
	// the module; empty runs without one.
	Processor string `yaml:"processor"`

	// MetricsAddr serves Prometheus metrics from the scheduler when set.
	MetricsAddr string `yaml:"metrics_addr"`

	Store     StoreConfig           `yaml:"store"`
	Redis     RedisConfig           `yaml:"redis"`
	RabbitMQ  rabbitmq.Config       `yaml:"rabbitmq"`
	Export    ExportConfig          `yaml:"export"`
	Billing   billing.Config        `yaml:"billing"`
	Guard     processor.GuardConfig `yaml:"guard"`
	Scheduler scheduler.Config      `yaml:"scheduler"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is a postgres URL, a sqlite path or a mongodb URI.
	DSN string `yaml:"dsn"`

	// Database names the mongo database.
	Database string `yaml:"database"`
}

// RedisConfig enables the shared lock when URL is set.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ExportConfig says where ledger exports go. S3 wins when a bucket is set.
type ExportConfig struct {
	Dir string          `yaml:"dir"`
	S3  export.S3Config `yaml:"s3"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Store: StoreConfig{
			Driver:   DriverMemory,
			Database: "billing",
		},
		RabbitMQ:  rabbitmq.Config{Exchange: rabbitmq.DefaultExchange},
		Export:    ExportConfig{Dir: "exports"},
		Billing:   billing.DefaultConfig(),
		Guard:     processor.DefaultGuardConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Load reads path when it is not empty, then applies the environment.
// envFiles are loaded with godotenv; ".env" is tried when none are given.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Processor != "" && c.Processor != ProcessorSandbox {
		return fmt.Errorf("config: unknown processor %q", c.Processor)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverMongo && c.Store.Database == "" {
		return errors.New("config: store.database is required for mongo")
	}
	if c.Billing.DefaultCurrency != "" && len(c.Billing.DefaultCurrency) != 3 {
		return fmt.Errorf("config: invalid default currency %q", c.Billing.DefaultCurrency)
	}
	for _, d := range c.Billing.NoticeDays {
		if d <= 0 {
			return fmt.Errorf("config: notice days must be positive, got %d", d)
		}
	}
	if c.Billing.ChargebackFee < 0 {
		return errors.New("config: chargeback fee cannot be negative")
	}
	return nil
}

// Logger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.Processor, "BILLING_PROCESSOR")
	setString(&c.MetricsAddr, "BILLING_METRICS_ADDR")

	setString(&c.Store.Driver, "BILLING_STORE_DRIVER")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Store.Database, "BILLING_MONGO_DATABASE")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.KeyPrefix, "BILLING_LOCK_PREFIX")
	setString(&c.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&c.RabbitMQ.Exchange, "BILLING_EXCHANGE")

	setString(&c.Export.Dir, "BILLING_EXPORT_DIR")
	setString(&c.Export.S3.Bucket, "BILLING_EXPORT_BUCKET")
	setString(&c.Export.S3.Prefix, "BILLING_EXPORT_PREFIX")
	setString(&c.Export.S3.Region, "AWS_REGION")
	setString(&c.Export.S3.Endpoint, "BILLING_EXPORT_ENDPOINT")

	setString(&c.Billing.BrokerSlug, "BILLING_BROKER_SLUG")
	setString(&c.Billing.ProcessorSlug, "BILLING_PROCESSOR_SLUG")
	setString(&c.Billing.DefaultCurrency, "BILLING_DEFAULT_CURRENCY")
	setString(&c.Scheduler.RenewalSchedule, "BILLING_RENEWAL_SCHEDULE")
	setString(&c.Scheduler.SweepSchedule, "BILLING_SWEEP_SCHEDULE")

	return errors.Join(
		setBool(&c.Export.S3.UsePathStyle, "BILLING_EXPORT_PATH_STYLE"),
		setDuration(&c.Billing.ProcessorTimeout, "BILLING_PROCESSOR_TIMEOUT"),
		setDuration(&c.Billing.ProcessingGracePeriod, "BILLING_PROCESSING_GRACE_PERIOD"),
		setDuration(&c.Billing.LockTTL, "BILLING_LOCK_TTL"),
		setInt(&c.Billing.MaxChargeAttempts, "BILLING_MAX_CHARGE_ATTEMPTS"),
		setInt64(&c.Billing.ChargebackFee, "BILLING_CHARGEBACK_FEE"),
		setBool(&c.Billing.DiscountAllPeriods, "BILLING_DISCOUNT_ALL_PERIODS"),
		setIntList(&c.Billing.NoticeDays, "BILLING_NOTICE_DAYS"),
	)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = i
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = i
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setIntList(dst *[]int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		out = append(out, i)
	}
	*dst = out
	return nil
}
