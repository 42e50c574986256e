// Package httpclient is the single choke point for every outbound request.
// It enforces politeness (client-wide request spacing) and resilience
// (bounded multiplicative-backoff retry) independent of what is fetched, and
// emits one activity entry per attempt so the metrics collector has a
// real-time view even when the crawl runs in another process.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/proxy"
)

// Config declares the client's policy. Every field is required; there are no
// hidden defaults, so a zero value fails validation loudly.
type Config struct {
	// Source labels activity entries and metrics recordings.
	Source string
	// RateLimitDelay is the minimum spacing before each request, measured
	// from the end of the previous request on this client instance. It is
	// deliberately client-wide rather than per-host: under a single proxy
	// identity the remote sees one client, and one knob keeps the behavior
	// predictable over multi-hour runs.
	RateLimitDelay time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// BackoffMultiplier scales RetryDelay per retry. The first retry waits
	// RetryDelay; each further retry multiplies the previous wait. 1.0 gives
	// the constant-delay policy; the default wiring uses 2.0.
	BackoffMultiplier float64
	UseProxy          bool
	Timeout           time.Duration
}

// Validate rejects incomplete configuration.
func (c Config) Validate() error {
	if c.Source == "" {
		return errors.New("httpclient: source is required")
	}
	if c.RateLimitDelay <= 0 {
		return errors.New("httpclient: rate limit delay must be > 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("httpclient: max retries must be >= 0")
	}
	if c.RetryDelay <= 0 {
		return errors.New("httpclient: retry delay must be > 0")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("httpclient: backoff multiplier must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("httpclient: timeout must be > 0")
	}
	return nil
}

// ProxyProvider supplies per-request proxy configuration and absorbs result
// counters. *proxy.Manager satisfies it.
type ProxyProvider interface {
	RequestConfig() proxy.RequestConfig
	RecordResult(success bool, latency time.Duration, errMsg string)
}

// RequestRecorder receives one recording per logical call plus error messages
// on exhaustion. *metrics.Collector satisfies it.
type RequestRecorder interface {
	RecordRequest(source string, latency time.Duration, success bool)
	RecordError(source, message string)
}

// Pauser abstracts context-aware sleeping so tests can inject a fake.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// TimerPauser implements Pauser with a real timer.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is done.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Deps collects the client's collaborators. Fetcher is required; everything
// else degrades to a no-op when nil.
type Deps struct {
	Fetcher  harvest.Fetcher
	Proxies  ProxyProvider
	Emitter  activity.Emitter
	Recorder RequestRecorder
	Clock    harvest.Clock
	Pauser   Pauser
	Logger   *zap.Logger
}

// Client wraps a Fetcher with spacing, proxy injection, header shaping, and
// retry. Logical calls on one instance are serialized: the next request's
// spacing is measured from the end of the previous one.
type Client struct {
	cfg      Config
	fetcher  harvest.Fetcher
	proxies  ProxyProvider
	emitter  activity.Emitter
	recorder RequestRecorder
	clock    harvest.Clock
	pauser   Pauser
	logger   *zap.Logger

	mu      sync.Mutex
	lastEnd time.Time
}

// New validates cfg and constructs a Client.
func New(cfg Config, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil {
		return nil, errors.New("httpclient: fetcher is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = activity.NopEmitter{}
	}
	if deps.Pauser == nil {
		deps.Pauser = TimerPauser{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		fetcher:  deps.Fetcher,
		proxies:  deps.Proxies,
		emitter:  deps.Emitter,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		pauser:   deps.Pauser,
		logger:   deps.Logger,
	}, nil
}

// Get performs a rate-limited, retried GET.
func (c *Client) Get(ctx context.Context, url string) (harvest.FetchResponse, error) {
	return c.do(ctx, harvest.FetchRequest{Method: http.MethodGet, URL: url})
}

// Post performs a rate-limited, retried POST with the given body and headers.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers http.Header) (harvest.FetchResponse, error) {
	return c.do(ctx, harvest.FetchRequest{Method: http.MethodPost, URL: url, Body: body, Headers: headers})
}

func (c *Client) do(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastEnd.IsZero() {
		if wait := c.cfg.RateLimitDelay - c.now().Sub(c.lastEnd); wait > 0 {
			c.pauser.Pause(ctx, wait)
		}
	}
	defer func() { c.lastEnd = c.now() }()

	req.Timeout = c.cfg.Timeout
	req.Headers = c.shapeHeaders(req.Headers)

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, fmt.Errorf("request canceled: %w", ctx.Err())
		}
		if attempt > 1 {
			c.pauser.Pause(ctx, c.retryDelay(attempt))
		}
		req.ProxyURL = ""
		var proxyAddr string
		if c.cfg.UseProxy && c.proxies != nil {
			if pc := c.proxies.RequestConfig(); pc.Enabled {
				req.ProxyURL = pc.ProxyURL
				proxyAddr = pc.Addr
			}
		}

		start := time.Now()
		resp, err := c.fetcher.Fetch(ctx, req)
		latency := time.Since(start)

		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.reportResult(true, latency, "")
			c.emit(activity.StatusSuccess, "request succeeded", map[string]any{
				"url":        req.URL,
				"attempt":    attempt,
				"status":     resp.StatusCode,
				"latency_ms": latency.Milliseconds(),
			})
			if c.recorder != nil {
				c.recorder.RecordRequest(c.cfg.Source, latency, true)
			}
			return resp, nil
		}

		if err == nil {
			err = &harvest.TransportError{URL: req.URL, StatusCode: resp.StatusCode}
		}
		lastErr = err
		c.reportResult(false, latency, err.Error())

		details := map[string]any{
			"url":        req.URL,
			"attempt":    attempt,
			"latency_ms": latency.Milliseconds(),
			"error":      err.Error(),
		}
		if proxyAddr != "" {
			details["proxy"] = proxyAddr
		}
		if attempt < attempts {
			c.emit(activity.StatusRetry, "request failed, retrying", details)
			continue
		}
		c.emit(activity.StatusError, "request failed, retries exhausted", details)
	}

	if c.recorder != nil {
		c.recorder.RecordRequest(c.cfg.Source, 0, false)
		c.recorder.RecordError(c.cfg.Source, lastErr.Error())
	}
	c.logger.Warn("request exhausted retries",
		zap.String("url", req.URL),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return harvest.FetchResponse{}, &harvest.ExhaustedRetriesError{
		URL:      req.URL,
		Attempts: attempts,
		Last:     lastErr,
	}
}

// retryDelay returns the backoff before the given attempt (attempt >= 2).
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := float64(c.cfg.RetryDelay)
	for i := 2; i < attempt; i++ {
		delay *= c.cfg.BackoffMultiplier
	}
	return time.Duration(delay)
}

// shapeHeaders lays a realistic browser header set under any caller headers.
// The target sites gate on these; this is a correctness precondition for
// every attempt, not a resilience concern.
func (c *Client) shapeHeaders(extra http.Header) http.Header {
	headers := http.Header{}
	headers.Set("User-Agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	headers.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("Accept-Encoding", "identity")
	for key, values := range extra {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	return headers
}

func (c *Client) reportResult(success bool, latency time.Duration, errMsg string) {
	if c.proxies != nil && c.cfg.UseProxy {
		c.proxies.RecordResult(success, latency, errMsg)
	}
}

func (c *Client) emit(status activity.Status, message string, details map[string]any) {
	c.emitter.Emit(activity.Entry{
		Source:  c.cfg.Source,
		Type:    activity.TypeHTTPRequest,
		Status:  status,
		Message: message,
		Details: details,
		TS:      c.now(),
	})
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}
