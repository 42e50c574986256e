// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Proxy    ProxyConfig              `mapstructure:"proxy"`
	HTTP     HTTPConfig               `mapstructure:"http"`
	Crawl    CrawlConfig              `mapstructure:"crawl"`
	Watchdog WatchdogConfig           `mapstructure:"watchdog"`
	DB       DBConfig                 `mapstructure:"db"`
	Storage  StorageConfig            `mapstructure:"storage"`
	PubSub   PubSubConfig             `mapstructure:"pubsub"`
	Activity ActivityConfig           `mapstructure:"activity"`
	Scrapers map[string]ScraperConfig `mapstructure:"scrapers"`
	Sources  map[string]SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RatePerSecond throttles inbound API requests; 0 disables the limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProxyEndpointConfig describes one proxy in the rotation pool.
type ProxyEndpointConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ProxyConfig governs the rotating proxy pool.
type ProxyConfig struct {
	Enabled             bool                  `mapstructure:"enabled"`
	Endpoints           []ProxyEndpointConfig `mapstructure:"endpoints"`
	ProbeURL            string                `mapstructure:"probe_url"`
	ProbeTimeoutSeconds int                   `mapstructure:"probe_timeout_seconds"`
}

// HTTPConfig configures the resilient HTTP client.
type HTTPConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RateLimitMs       int     `mapstructure:"rate_limit_ms"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RetryDelayMs      int     `mapstructure:"retry_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// CrawlConfig governs the page loop.
type CrawlConfig struct {
	MaxPagesDefault          int `mapstructure:"max_pages_default"`
	MaxConsecutiveEmptyPages int `mapstructure:"max_consecutive_empty_pages"`
	HydrateBatchSize         int `mapstructure:"hydrate_batch_size"`
	DetailConcurrency        int `mapstructure:"detail_concurrency"`
}

// WatchdogConfig controls the health check loop.
type WatchdogConfig struct {
	IntervalSeconds      int      `mapstructure:"interval_seconds"`
	MaxIdleMinutes       int      `mapstructure:"max_idle_minutes"`
	MaxConsecutiveErrors int      `mapstructure:"max_consecutive_errors"`
	AutoRestart          bool     `mapstructure:"auto_restart"`
	AutoRestartDelaySec  int      `mapstructure:"auto_restart_delay_seconds"`
	Sources              []string `mapstructure:"sources"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
	ActivityRetention  int    `mapstructure:"activity_retention"`
}

// StorageConfig sets the raw page archive destination.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for persisted-batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ActivityConfig tunes the in-process activity hub.
type ActivityConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	MaxBatchEntries int `mapstructure:"max_batch_entries"`
	MaxBatchWaitMs  int `mapstructure:"max_batch_wait_ms"`
}

// ScraperConfig is the launch template for one supervised scraper process.
type ScraperConfig struct {
	Path string   `mapstructure:"path"`
	Args []string `mapstructure:"args"`
	Dir  string   `mapstructure:"dir"`
}

// ParserConfig selects and parameterizes a reference parser.
type ParserConfig struct {
	// Kind is "json" or "html".
	Kind     string `mapstructure:"kind"`
	ItemsKey string `mapstructure:"items_key"`
	IDKey    string `mapstructure:"id_key"`
	TitleKey string `mapstructure:"title_key"`
	URLKey   string `mapstructure:"url_key"`

	ItemSelector  string `mapstructure:"item_selector"`
	IDAttr        string `mapstructure:"id_attr"`
	TitleSelector string `mapstructure:"title_selector"`
	LinkSelector  string `mapstructure:"link_selector"`
}

// SourceConfig defines one crawlable (source, listing type) target.
type SourceConfig struct {
	// URLTemplate receives the 1-based page number via fmt.Sprintf.
	URLTemplate string `mapstructure:"url_template"`
	// DetailURLTemplate, when set, receives each listing ID via fmt.Sprintf;
	// the crawl fetches it per item with bounded concurrency and attaches the
	// decoded JSON body to the record payload.
	DetailURLTemplate string       `mapstructure:"detail_url_template"`
	ListingType       string       `mapstructure:"listing_type"`
	MaxPages          int          `mapstructure:"max_pages"`
	UseProxy          bool         `mapstructure:"use_proxy"`
	Parser            ParserConfig `mapstructure:"parser"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_per_second", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("logging.development", true)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.probe_url", "https://httpbin.org/ip")
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.rate_limit_ms", 2000)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_delay_ms", 5000)
	v.SetDefault("http.backoff_multiplier", 2.0)
	v.SetDefault("crawl.max_pages_default", 0)
	v.SetDefault("crawl.max_consecutive_empty_pages", 5)
	v.SetDefault("crawl.hydrate_batch_size", 50)
	v.SetDefault("crawl.detail_concurrency", 3)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.max_idle_minutes", 5)
	v.SetDefault("watchdog.max_consecutive_errors", 5)
	v.SetDefault("watchdog.auto_restart", true)
	v.SetDefault("watchdog.auto_restart_delay_seconds", 5)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.activity_retention", 10000)
	v.SetDefault("storage.prefix", "raw-pages")
	v.SetDefault("activity.buffer_size", 4096)
	v.SetDefault("activity.max_batch_entries", 500)
	v.SetDefault("activity.max_batch_wait_ms", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitMs <= 0 {
		return fmt.Errorf("http.rate_limit_ms must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffMultiplier < 1 {
		return fmt.Errorf("http.backoff_multiplier must be >= 1")
	}
	if c.Proxy.Enabled && len(c.Proxy.Endpoints) == 0 {
		return fmt.Errorf("proxy.endpoints must be set when proxy is enabled")
	}
	for i, ep := range c.Proxy.Endpoints {
		if ep.Host == "" || ep.Port <= 0 {
			return fmt.Errorf("proxy.endpoints[%d]: host and port are required", i)
		}
	}
	if c.Watchdog.IntervalSeconds <= 0 {
		return fmt.Errorf("watchdog.interval_seconds must be > 0")
	}
	if c.Crawl.DetailConcurrency <= 0 {
		return fmt.Errorf("crawl.detail_concurrency must be > 0")
	}
	for name, src := range c.Sources {
		if src.URLTemplate == "" {
			return fmt.Errorf("sources.%s.url_template is required", name)
		}
		if src.ListingType == "" {
			return fmt.Errorf("sources.%s.listing_type is required", name)
		}
		switch src.Parser.Kind {
		case "json":
		case "html":
			if src.Parser.ItemSelector == "" {
				return fmt.Errorf("sources.%s.parser.item_selector is required for html", name)
			}
		default:
			return fmt.Errorf("sources.%s.parser.kind must be json or html", name)
		}
	}
	return nil
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RateLimitDelay converts the configured request spacing into a duration.
func (c Config) RateLimitDelay() time.Duration {
	return time.Duration(c.HTTP.RateLimitMs) * time.Millisecond
}

// RetryDelay converts the configured base retry delay into a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.HTTP.RetryDelayMs) * time.Millisecond
}

// ProbeTimeout converts the configured proxy probe timeout into a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Proxy.ProbeTimeoutSeconds) * time.Second
}
