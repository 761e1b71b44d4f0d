package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

var (
	// ErrMissingCredentials is returned when the Imperva API id or key is unset.
	ErrMissingCredentials = errors.New("IMPERVA_API_ID and IMPERVA_API_KEY must be set")
	// ErrMissingAccount is returned when no customer account id is configured.
	ErrMissingAccount = errors.New("customer account id is required (set CLID or --account)")
)

const (
	DefaultPageSize      = 100
	defaultWatermarkName = "last_query_timestamp.txt"
)

// Config holds everything a harvest run needs. It is built once at start-up
// and handed to each component explicitly.
type Config struct {
	Imperva  ImpervaConfig
	Storage  StorageConfig
	Log      LogConfig
	Schedule ScheduleConfig
	GeoLite  GeoLiteConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
}

type ImpervaConfig struct {
	APIID       string        `env:"IMPERVA_API_ID"`
	APIKey      string        `env:"IMPERVA_API_KEY"`
	AccountID   string        `env:"CLID"`
	BaseURL     string        `env:"IMPERVA_API_URL" envDefault:"https://api.imperva.com/analytics"`
	PageSize    int           `env:"IMPERVA_PAGE_SIZE" envDefault:"100"`
	Timeout     time.Duration `env:"IMPERVA_TIMEOUT" envDefault:"60s"`
	SOCKS5Proxy string        `env:"IMPERVA_SOCKS5_PROXY"`
}

type StorageConfig struct {
	DataDir       string `env:"HARVESTER_DATA_DIR" envDefault:"data"`
	ReportsDir    string `env:"HARVESTER_REPORTS_DIR" envDefault:"reports"`
	FileStem      string `env:"HARVESTER_FILE_STEM"`
	WatermarkFile string `env:"HARVESTER_WATERMARK_FILE"`
}

type LogConfig struct {
	Dir    string `env:"HARVESTER_LOG_DIR" envDefault:"logs"`
	Level  string `env:"HARVESTER_LOG_LEVEL" envDefault:"info"`
	Format string `env:"HARVESTER_LOG_FORMAT" envDefault:"text"`
}

type ScheduleConfig struct {
	Spec    string        `env:"HARVESTER_SCHEDULE" envDefault:"@every 1h"`
	LockTTL time.Duration `env:"HARVESTER_LOCK_TTL" envDefault:"45s"`
}

type GeoLiteConfig struct {
	Dir        string `env:"GEOLITE_DIR"`
	LicenseKey string `env:"MAXMIND_LICENSE_KEY"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type DatabaseConfig struct {
	DSN          string `env:"DB_DSN"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"8"`
}

type MetricsConfig struct {
	ListenAddr     string `env:"HARVESTER_METRICS_ADDR"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name   string
		target any
	}{
		{"imperva", &cfg.Imperva},
		{"storage", &cfg.Storage},
		{"log", &cfg.Log},
		{"schedule", &cfg.Schedule},
		{"geolite", &cfg.GeoLite},
		{"redis", &cfg.Redis},
		{"database", &cfg.Database},
		{"metrics", &cfg.Metrics},
	}
	for _, section := range sections {
		if err := env.ParseWithOptions(section.target, opts); err != nil {
			return nil, fmt.Errorf("parsing %s config: %w", section.name, err)
		}
	}

	if cfg.Imperva.PageSize <= 0 {
		cfg.Imperva.PageSize = DefaultPageSize
	}

	return cfg, nil
}

// Validate checks the settings every sync run depends on.
func (c *Config) Validate() error {
	if err := c.Imperva.ValidateCredentials(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Imperva.AccountID) == "" {
		return ErrMissingAccount
	}
	return nil
}

// ValidateCredentials reports ErrMissingCredentials when either API credential is blank.
func (c ImpervaConfig) ValidateCredentials() error {
	if strings.TrimSpace(c.APIID) == "" || strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// WatermarkPath returns the fixed location of the delta-query watermark.
func (c *Config) WatermarkPath() string {
	if c.Storage.WatermarkFile != "" {
		return c.Storage.WatermarkFile
	}
	return filepath.Join(c.Storage.DataDir, defaultWatermarkName)
}

// GeoLiteDir defaults to <data>/geolite.
func (c *Config) GeoLiteDir() string {
	if c.GeoLite.Dir != "" {
		return c.GeoLite.Dir
	}
	return filepath.Join(c.Storage.DataDir, "geolite")
}

// Stem returns the file name prefix for dataset files. Without a configured
// stem every run writes files named after its own label.
func (c *Config) Stem(label string) string {
	if stem := strings.TrimSpace(c.Storage.FileStem); stem != "" {
		return stem
	}
	return label
}
