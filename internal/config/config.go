// Package config builds the one explicit configuration object that every
// component constructor receives. Nothing in the system reads ambient
// settings after startup.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds every tunable for the daemons. Loaded once in main and
// passed into the store, dispatcher, observer and reconciler constructors.
type Config struct {
	// Store selects the job store backend: "postgres" or "memory".
	// Memory is single-process only; real deployments use postgres.
	Store       string `mapstructure:"store"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// RedisAddr enables the best-effort cancel broadcast. Empty disables
	// it; cancellation then rides on the lease-renewal poll alone.
	RedisAddr string `mapstructure:"redis_addr"`

	HTTPAddr   string `mapstructure:"http_addr"`
	HealthAddr string `mapstructure:"health_addr"`

	// OutputDir is where workers write <resource_id>.<ext>.part files and
	// where the progress observer looks for them.
	OutputDir string `mapstructure:"output_dir"`

	Dispatchers       int           `mapstructure:"dispatchers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	ObserverInterval  time.Duration `mapstructure:"observer_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StalePendingAfter time.Duration `mapstructure:"stale_pending_after"`
	MaxAttempts       int           `mapstructure:"max_attempts"`

	// DownloadCommand is the external acquisition tool, invoked as
	// command... <resource_id> with OutputDir as working directory.
	DownloadCommand []string `mapstructure:"download_command"`

	// ProcessingServiceURL is the endpoint for transcribe/translate work.
	ProcessingServiceURL string        `mapstructure:"processing_service_url"`
	ProcessingTimeout    time.Duration `mapstructure:"processing_timeout"`

	LogJSON bool `mapstructure:"log_json"`
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default (even empty) so AutomaticEnv-only values
	// survive Unmarshal.
	v.SetDefault("store", "postgres")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("processing_service_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("health_addr", ":8081")
	v.SetDefault("output_dir", "./media")
	v.SetDefault("dispatchers", 1)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("lease_ttl", 90*time.Second)
	v.SetDefault("observer_interval", 3*time.Second)
	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("stale_pending_after", 24*time.Hour)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("download_command", []string{"media-fetch"})
	v.SetDefault("processing_timeout", 10*time.Minute)
	v.SetDefault("log_json", false)
}

// Load reads configuration from an optional file plus MQ_*-prefixed
// environment variables (MQ_POSTGRES_DSN, MQ_LEASE_TTL, ...).
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemons cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required when store=postgres")
		}
	case "memory":
	default:
		return errors.Newf("unknown store backend %q", c.Store)
	}
	if c.Dispatchers < 1 {
		return errors.New("dispatchers must be >= 1")
	}
	if c.LeaseTTL <= 0 || c.PollInterval <= 0 {
		return errors.New("lease_ttl and poll_interval must be positive")
	}
	if c.MaxAttempts < 0 {
		return errors.New("max_attempts must be >= 0")
	}
	if len(c.DownloadCommand) == 0 {
		return errors.New("download_command must not be empty")
	}
	return nil
}
