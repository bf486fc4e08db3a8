package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"5500"`
	WebhookPath string `env:"WEBHOOK_PATH" envDefault:"/github/webhook"`
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// GitHub caps webhook payloads at 25 MB.
	MaxPayloadBytes int64 `env:"MAX_PAYLOAD_BYTES" envDefault:"26214400"`

	// When false, failure transitions never open a recovery window and
	// mttr_seconds stays empty.
	TrackFailureStart bool          `env:"MTTR_TRACK_FAILURES" envDefault:"true"`
	CommitTTL         time.Duration `env:"COMMIT_TTL" envDefault:"168h"`
	CommitMaxEntries  int           `env:"COMMIT_MAX_ENTRIES" envDefault:"10000"`
	EvictionInterval  time.Duration `env:"EVICTION_INTERVAL" envDefault:"1m"`

	MTTRBuckets     []float64 `env:"MTTR_BUCKETS" envSeparator:","`
	LeadTimeBuckets []float64 `env:"LEAD_TIME_BUCKETS" envSeparator:","`

	AuditEnabled bool   `env:"AUDIT_ENABLED" envDefault:"false"`
	AuditDBPath  string `env:"AUDIT_DB_PATH" envDefault:"./webhook_audit.db"`

	NewRelicEnabled bool   `env:"NEW_RELIC_ENABLED" envDefault:"false"`
	NewRelicLicense string `env:"NEW_RELIC_LICENSE_KEY"`
	NewRelicAppName string `env:"NEW_RELIC_APP_NAME" envDefault:"deploy-metrics"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.WebhookPath == c.MetricsPath {
		return fmt.Errorf("WEBHOOK_PATH and METRICS_PATH must differ, both are %q", c.WebhookPath)
	}
	if c.CommitMaxEntries < 0 {
		return fmt.Errorf("COMMIT_MAX_ENTRIES must be >= 0, got %d", c.CommitMaxEntries)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
