package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/metrics"
	"github.com/listharvest/listharvest/internal/proxy"
	"github.com/listharvest/listharvest/internal/watchdog"
)

const handlerTimeout = 10 * time.Second

// Deps collects the server's collaborators. Gatherer may be nil to disable
// the Prometheus endpoint; everything else is required.
type Deps struct {
	Store      harvest.Store
	Log        activity.Log
	Metrics    *metrics.Collector
	Proxies    *proxy.Manager
	Watchdog   *watchdog.Watchdog
	Supervisor harvest.Supervisor
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Config tunes server middleware.
type Config struct {
	// RatePerSecond throttles inbound requests; 0 disables the limiter.
	RatePerSecond float64
	RateBurst     int
}

// Server wires HTTP handlers to the engine components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(recoverMiddleware(deps.Logger))
	r.Use(timeoutMiddleware(handlerTimeout))
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
		}
		r.Use(throttleMiddleware(rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)))
	}

	r.Get("/healthz", s.healthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/metrics", s.allMetrics)
		r.Get("/metrics/{source}", s.sourceMetrics)
		r.Get("/proxy/status", s.proxyStatus)
		r.Post("/proxy/enabled", s.setProxyEnabled)
		r.Get("/watchdog/latest", s.watchdogLatest)
		r.Get("/listings", s.listings)
		r.Get("/activity", s.activityLog)
		r.Route("/scrapers/{source}", func(r chi.Router) {
			r.Post("/start", s.startScraper)
			r.Post("/stop", s.stopScraper)
			r.Get("/status", s.scraperStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// health returns 200 when every tracked source is healthy, 503 otherwise. The
// body always carries per-source detail either way.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	hc := s.deps.Metrics.HealthCheck()
	status := http.StatusOK
	if !hc.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hc)
}

func (s *Server) allMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.deps.Metrics.AllMetrics()})
}

func (s *Server) sourceMetrics(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	writeJSON(w, http.StatusOK, s.deps.Metrics.Metrics(source))
}

func (s *Server) proxyStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Proxies.Snapshot())
}

type proxyEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setProxyEnabled(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy manager unavailable")
		return
	}
	var req proxyEnabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.deps.Proxies.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) watchdogLatest(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Watchdog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Watchdog.Latest())
}

func (s *Server) listings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := harvest.Filter{
		Source:      q.Get("source"),
		ListingType: q.Get("listing_type"),
		Query:       q.Get("q"),
		Limit:       limit,
		Offset:      offset,
	}
	records, err := s.deps.Store.Listings(r.Context(), filter)
	if err != nil {
		s.logger.Error("list listings failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	if records == nil {
		records = []harvest.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": records})
}

func (s *Server) activityLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "activity log unavailable")
		return
	}
	q := r.URL.Query()
	limit, _, err := parseLimitOffset(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Log.Query(r.Context(), activity.Filter{
		Source: q.Get("source"),
		Type:   activity.Type(q.Get("type")),
		Status: activity.Status(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("query activity failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query activity")
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) startScraper(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var opts harvest.StartOptions
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	result, err := s.deps.Supervisor.Start(r.Context(), source, opts)
	if err != nil {
		if errors.Is(err, harvest.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "scraper already running")
			return
		}
		s.logger.Error("start scraper failed", zap.String("source", source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"source":  source,
		"pid":     result.ProcessID,
		"message": result.Message,
	})
}

func (s *Server) stopScraper(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if err := s.deps.Supervisor.Stop(r.Context(), source); err != nil {
		s.logger.Error("stop scraper failed", zap.String("source", source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": source, "status": "stopped"})
}

func (s *Server) scraperStatus(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	status, err := s.deps.Supervisor.Status(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  source,
		"running": status.Running,
		"pid":     status.ProcessID,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func throttleMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}
