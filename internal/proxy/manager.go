// Package proxy owns the rotating, health-tracked pool of upstream proxy
// endpoints used by the HTTP client.
package proxy

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
)

// Health classifies an endpoint's last known state.
type Health string

// Endpoint health states.
const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Endpoint identifies one upstream proxy. Credentials are attached per
// request and never logged.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string

	health          Health
	lastValidatedAt time.Time
	rotationCount   int64
}

// URL renders the endpoint as a proxy URL with inline credentials.
func (e Endpoint) URL() string {
	if e.Username != "" {
		return fmt.Sprintf("http://%s@%s:%d",
			url.UserPassword(e.Username, e.Password).String(), e.Host, e.Port)
	}
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// Addr renders host:port without credentials, safe for logs and snapshots.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// RequestConfig is what the HTTP client attaches to the next outbound
// request. Enabled=false is the "no proxy" sentinel for proxy-less runs.
type RequestConfig struct {
	Enabled  bool
	ProxyURL string
	Addr     string
}

// Config parameterizes the Manager.
type Config struct {
	Endpoints []Endpoint
	// ProbeURL is fetched through the proxy during validation. Required when
	// Enabled is true.
	ProbeURL     string
	ProbeTimeout time.Duration
	Enabled      bool
	// RecentErrorCap bounds the recent-errors ring in snapshots (default 10).
	RecentErrorCap int
}

// Manager owns the endpoint set. Endpoint state is mutated only by its own
// validation and rotation operations; callers read value snapshots.
type Manager struct {
	mu             sync.Mutex
	endpoints      []Endpoint
	current        int
	enabled        bool
	probeURL       string
	probeTimeout   time.Duration
	recentErrorCap int

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	latencySumMs       int64
	recentErrors       []string

	prober  harvest.Fetcher
	clock   harvest.Clock
	emitter activity.Emitter
	logger  *zap.Logger
}

// NewManager constructs a Manager. A nil emitter or logger is replaced with a
// no-op so proxy-less test wiring stays terse.
func NewManager(cfg Config, prober harvest.Fetcher, clock harvest.Clock, emitter activity.Emitter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = activity.NopEmitter{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.RecentErrorCap <= 0 {
		cfg.RecentErrorCap = 10
	}
	endpoints := append([]Endpoint(nil), cfg.Endpoints...)
	for i := range endpoints {
		endpoints[i].health = HealthUnknown
	}
	return &Manager{
		endpoints:      endpoints,
		enabled:        cfg.Enabled && len(endpoints) > 0,
		probeURL:       cfg.ProbeURL,
		probeTimeout:   cfg.ProbeTimeout,
		recentErrorCap: cfg.RecentErrorCap,
		prober:         prober,
		clock:          clock,
		emitter:        emitter,
		logger:         logger,
	}
}

// SetEnabled toggles whether the pool is consulted at all. Disabling supports
// deployments that intentionally run proxy-less.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled && len(m.endpoints) > 0
}

// RequestConfig returns the endpoint and credentials for the next outbound
// request, or the disabled sentinel.
func (m *Manager) RequestConfig() RequestConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || len(m.endpoints) == 0 {
		return RequestConfig{}
	}
	ep := m.endpoints[m.current]
	return RequestConfig{
		Enabled:  true,
		ProxyURL: ep.URL(),
		Addr:     ep.Addr(),
	}
}

// Rotate advances to the next endpoint and bumps its rotation counter.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.endpoints) == 0 {
		return
	}
	m.current = (m.current + 1) % len(m.endpoints)
	m.endpoints[m.current].rotationCount++
}

// Validate issues a lightweight probe through the current proxy. Success
// marks the endpoint healthy and records latency; failure marks it unhealthy
// and logs the error. Validation failure is advisory, never fatal.
func (m *Manager) Validate(ctx context.Context) bool {
	m.mu.Lock()
	if !m.enabled || len(m.endpoints) == 0 {
		m.mu.Unlock()
		return false
	}
	idx := m.current
	ep := m.endpoints[idx]
	probeURL := m.probeURL
	timeout := m.probeTimeout
	m.mu.Unlock()

	start := m.now()
	_, err := m.prober.Fetch(ctx, harvest.FetchRequest{
		Method:   "GET",
		URL:      probeURL,
		ProxyURL: ep.URL(),
		Timeout:  timeout,
	})
	latency := m.now().Sub(start)

	m.mu.Lock()
	m.endpoints[idx].lastValidatedAt = m.now()
	if err != nil {
		m.endpoints[idx].health = HealthUnhealthy
		m.pushRecentErrorLocked((&harvest.ProxyValidationError{Endpoint: ep.Addr(), Err: err}).Error())
		m.mu.Unlock()
		m.logger.Warn("proxy validation failed",
			zap.String("endpoint", ep.Addr()),
			zap.Error(err),
		)
		m.emitter.Emit(activity.Entry{
			Source:  "proxy",
			Type:    activity.TypeProxy,
			Status:  activity.StatusError,
			Message: "proxy validation failed",
			Details: map[string]any{"endpoint": ep.Addr(), "error": err.Error()},
			TS:      m.now(),
		})
		return false
	}
	m.endpoints[idx].health = HealthHealthy
	m.mu.Unlock()
	m.emitter.Emit(activity.Entry{
		Source:  "proxy",
		Type:    activity.TypeProxy,
		Status:  activity.StatusSuccess,
		Message: "proxy validated",
		Details: map[string]any{"endpoint": ep.Addr(), "latency_ms": latency.Milliseconds()},
		TS:      m.now(),
	})
	return true
}

// RecordResult feeds cumulative request counters from the HTTP client. Errors
// land in the bounded recent-errors ring.
func (m *Manager) RecordResult(success bool, latency time.Duration, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	if success {
		m.successfulRequests++
		m.latencySumMs += latency.Milliseconds()
		return
	}
	m.failedRequests++
	if errMsg != "" {
		m.pushRecentErrorLocked(errMsg)
	}
}

func (m *Manager) pushRecentErrorLocked(msg string) {
	m.recentErrors = append(m.recentErrors, msg)
	if len(m.recentErrors) > m.recentErrorCap {
		m.recentErrors = m.recentErrors[len(m.recentErrors)-m.recentErrorCap:]
	}
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now().UTC()
}
