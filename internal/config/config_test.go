package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  rate_per_second: 5
  rate_burst: 10
proxy:
  enabled: true
  probe_url: https://example.com/ip
  endpoints:
    - host: 10.0.0.1
      port: 8080
      username: user
      password: secret
http:
  timeout_seconds: 45
  rate_limit_ms: 1500
  max_retries: 4
  retry_delay_ms: 2000
  backoff_multiplier: 1.5
watchdog:
  interval_seconds: 30
  sources: ["jobsite"]
db:
  dsn: postgres://localhost/harvest
logging:
  development: false
sources:
  jobsite:
    url_template: https://jobsite.example.com/jobs?page=%d
    listing_type: jobs
    max_pages: 20
    use_proxy: true
    parser:
      kind: json
      items_key: data.items
      id_key: id
      title_key: title
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Proxy.Enabled || len(cfg.Proxy.Endpoints) != 1 {
		t.Fatalf("expected proxy pool to load: %+v", cfg.Proxy)
	}
	if cfg.Proxy.Endpoints[0].Username != "user" {
		t.Fatalf("expected proxy credentials to be preserved: %+v", cfg.Proxy.Endpoints[0])
	}
	if cfg.HTTP.MaxRetries != 4 || cfg.HTTP.BackoffMultiplier != 1.5 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	src, ok := cfg.Sources["jobsite"]
	if !ok || src.ListingType != "jobs" || src.MaxPages != 20 {
		t.Fatalf("expected source to be loaded: %+v", cfg.Sources)
	}
	if src.Parser.Kind != "json" || src.Parser.ItemsKey != "data.items" {
		t.Fatalf("expected parser config to be preserved: %+v", src.Parser)
	}
	if got := cfg.HTTPTimeout(); got != 45*time.Second {
		t.Fatalf("expected http timeout 45s, got %v", got)
	}
	if got := cfg.RateLimitDelay(); got != 1500*time.Millisecond {
		t.Fatalf("expected spacing 1500ms, got %v", got)
	}
	if got := cfg.RetryDelay(); got != 2*time.Second {
		t.Fatalf("expected retry delay 2s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.HTTP.RateLimitMs != 2000 || cfg.HTTP.MaxRetries != 3 {
		t.Fatalf("expected http defaults: %+v", cfg.HTTP)
	}
	if cfg.HTTP.BackoffMultiplier != 2.0 {
		t.Fatalf("expected default backoff multiplier 2.0, got %v", cfg.HTTP.BackoffMultiplier)
	}
	if cfg.Watchdog.IntervalSeconds != 60 || !cfg.Watchdog.AutoRestart {
		t.Fatalf("expected watchdog defaults: %+v", cfg.Watchdog)
	}
	if cfg.DB.ActivityRetention != 10000 {
		t.Fatalf("expected default activity retention, got %d", cfg.DB.ActivityRetention)
	}
	if cfg.Activity.BufferSize != 4096 {
		t.Fatalf("expected default activity buffer, got %d", cfg.Activity.BufferSize)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		HTTP:     HTTPConfig{TimeoutSeconds: 10, RateLimitMs: 2000, BackoffMultiplier: 2.0},
		Watchdog: WatchdogConfig{IntervalSeconds: 60},
		Crawl:    CrawlConfig{DetailConcurrency: 3},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "zero rate limit",
			cfg: func() Config {
				c := base
				c.HTTP.RateLimitMs = 0
				return c
			}(),
			want: "http.rate_limit_ms",
		},
		{
			name: "backoff below one",
			cfg: func() Config {
				c := base
				c.HTTP.BackoffMultiplier = 0.5
				return c
			}(),
			want: "http.backoff_multiplier",
		},
		{
			name: "proxy enabled without endpoints",
			cfg: func() Config {
				c := base
				c.Proxy.Enabled = true
				return c
			}(),
			want: "proxy.endpoints",
		},
		{
			name: "endpoint missing host",
			cfg: func() Config {
				c := base
				c.Proxy.Endpoints = []ProxyEndpointConfig{{Port: 8080}}
				return c
			}(),
			want: "proxy.endpoints[0]",
		},
		{
			name: "invalid watchdog interval",
			cfg: func() Config {
				c := base
				c.Watchdog.IntervalSeconds = 0
				return c
			}(),
			want: "watchdog.interval_seconds",
		},
		{
			name: "source missing url template",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{
					"jobsite": {ListingType: "jobs", Parser: ParserConfig{Kind: "json"}},
				}
				return c
			}(),
			want: "sources.jobsite.url_template",
		},
		{
			name: "html parser missing item selector",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{
					"jobsite": {
						URLTemplate: "https://example.com?page=%d",
						ListingType: "jobs",
						Parser:      ParserConfig{Kind: "html"},
					},
				}
				return c
			}(),
			want: "parser.item_selector",
		},
		{
			name: "unknown parser kind",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{
					"jobsite": {
						URLTemplate: "https://example.com?page=%d",
						ListingType: "jobs",
						Parser:      ParserConfig{Kind: "xml"},
					},
				}
				return c
			}(),
			want: "parser.kind",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
