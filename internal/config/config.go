// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Fetch modes.
const (
	FetchModeBrowser = "browser"
	FetchModeHTTP    = "http"
)

// Config captures all crawl configuration knobs loaded via Viper.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Output   OutputConfig   `mapstructure:"output"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SiteConfig describes the directory being crawled.
type SiteConfig struct {
	// ListingURLTemplate has a single %s verb replaced by the seed key.
	ListingURLTemplate string `mapstructure:"listing_url_template"`
	UserAgent          string `mapstructure:"user_agent"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// BatchConfig controls the flush threshold.
type BatchConfig struct {
	Size int `mapstructure:"size"`
}

// FetchConfig governs how pages are loaded.
type FetchConfig struct {
	Mode             string        `mapstructure:"mode"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PolitenessDelay  time.Duration `mapstructure:"politeness_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffInitialMs int           `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int           `mapstructure:"backoff_max_ms"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Headless         bool          `mapstructure:"headless"`
	DisableImages    bool          `mapstructure:"disable_images"`
	ChromePath       string        `mapstructure:"chrome_path"`
}

// PipelineConfig selects staged or streaming execution.
type PipelineConfig struct {
	Streaming    bool `mapstructure:"streaming"`
	StreamBuffer int  `mapstructure:"stream_buffer"`
}

// OutputConfig locates the local CSV table.
type OutputConfig struct {
	Path   string `mapstructure:"path"`
	Resume bool   `mapstructure:"resume"`
}

// DBConfig enables the Postgres sink when DSN is set.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig enables the GCS sink when GCSBucket is set.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig enables batch notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the metrics HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"pool-size":    "pool.capacity",
	"batch-size":   "batch.size",
	"output":       "output.path",
	"resume":       "output.resume",
	"timeout":      "fetch.timeout",
	"delay":        "fetch.politeness_delay",
	"fetcher":      "fetch.mode",
	"max-attempts": "fetch.max_attempts",
	"rate":         "fetch.rate_per_second",
	"streaming":    "pipeline.streaming",
	"metrics-addr": "metrics.addr",
	"log-level":    "logging.level",
	"dev":          "logging.development",
}

// Load builds a Config from defaults, an optional file, the environment and
// any flags in fs, in increasing order of precedence.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIRCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.listing_url_template", "https://www.bdtradeinfo.com/company-list/%s")
	v.SetDefault("site.user_agent", "dircrawl/1.0")
	v.SetDefault("pool.capacity", 5)
	v.SetDefault("batch.size", 50)
	v.SetDefault("fetch.mode", FetchModeBrowser)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.politeness_delay", time.Second)
	v.SetDefault("fetch.max_attempts", 1)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.rate_per_second", 0.0)
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.disable_images", true)
	v.SetDefault("pipeline.streaming", false)
	v.SetDefault("pipeline.stream_buffer", 64)
	v.SetDefault("output.path", "company_data.csv")
	v.SetDefault("output.resume", false)
	v.SetDefault("db.table", "company_records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.prefix", "dircrawl")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if !strings.Contains(c.Site.ListingURLTemplate, "%s") {
		errs = append(errs, errors.New("site.listing_url_template must contain %s"))
	}
	if c.Pool.Capacity <= 0 {
		errs = append(errs, errors.New("pool.capacity must be > 0"))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, errors.New("batch.size must be > 0"))
	}
	if c.Fetch.Mode != FetchModeBrowser && c.Fetch.Mode != FetchModeHTTP {
		errs = append(errs, fmt.Errorf("fetch.mode must be %q or %q, got %q", FetchModeBrowser, FetchModeHTTP, c.Fetch.Mode))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.PolitenessDelay < 0 {
		errs = append(errs, errors.New("fetch.politeness_delay must be >= 0"))
	}
	if c.Fetch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fetch.max_attempts must be > 0"))
	}
	if c.Fetch.RatePerSecond < 0 {
		errs = append(errs, errors.New("fetch.rate_per_second must be >= 0"))
	}
	if c.Pipeline.StreamBuffer < 0 {
		errs = append(errs, errors.New("pipeline.stream_buffer must be >= 0"))
	}
	if c.Output.Path == "" {
		errs = append(errs, errors.New("output.path must be set"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	return errors.Join(errs...)
}

// BackoffInitial returns the first retry delay.
func (c FetchConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c FetchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// ListingURL expands the listing template for a seed key.
func (c SiteConfig) ListingURL(key string) string {
	return fmt.Sprintf(c.ListingURLTemplate, key)
}
