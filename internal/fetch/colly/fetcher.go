// Package collyfetch implements harvest.Fetcher using gocolly. It executes
// exactly one attempt per call; pacing, retries, and proxy selection are the
// HTTP client's job.
package collyfetch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/listharvest/listharvest/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements harvest.Fetcher using a cloned Colly collector per call.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request. A response with any status code is
// returned without error; only transport-level failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(req, start, &result, &fetchErr)
	if err != nil {
		return harvest.FetchResponse{}, err
	}

	if err := f.runCollector(ctx, collector, req); err != nil {
		// A captured status code means the server answered; surface the
		// response and let the caller's retry policy judge it.
		if result.StatusCode != 0 {
			return result, nil
		}
		return harvest.FetchResponse{}, err
	}
	if fetchErr != nil && result.StatusCode == 0 {
		return harvest.FetchResponse{}, &harvest.TransportError{URL: req.URL, Err: fetchErr}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	req harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	timeout := req.Timeout
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	transport, err := newHTTPTransport(req.ProxyURL)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)

	collector.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})
	collector.OnResponse(func(r *colly.Response) {
		*result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			headers := http.Header{}
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			*result = harvest.FetchResponse{
				URL:        req.URL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
		}
		*fetchErr = err
	})
	return collector, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req harvest.FetchRequest) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		var body *bytes.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
			done <- collector.Request(method, req.URL, body, nil, nil)
			return
		}
		done <- collector.Request(method, req.URL, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return &harvest.TransportError{URL: req.URL, Err: err}
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Set(key, v)
		}
	}
}

func newHTTPTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return transport, nil
}
