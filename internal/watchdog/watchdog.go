// Package watchdog observes scraper health at a fixed cadence and recovers
// stuck or failing runs by restarting their OS process through the
// supervision collaborator.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/metrics"
)

// Config controls the check loop. UpdateConfig hot-reloads it: the interval
// timer restarts so a new cadence takes effect immediately.
type Config struct {
	Interval             time.Duration
	MaxIdleTime          time.Duration
	MaxConsecutiveErrors int
	AutoRestart          bool
	AutoRestartDelay     time.Duration
	// Sources lists the tracked source names.
	Sources []string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.AutoRestartDelay <= 0 {
		c.AutoRestartDelay = 5 * time.Second
	}
}

// MetricsView is the read surface the watchdog polls.
type MetricsView interface {
	Metrics(source string) metrics.Snapshot
}

// Reconciler refreshes a source's metrics from the shared activity log before
// a check, so a scraper running in another OS process is observed live.
type Reconciler interface {
	ReconcileFromActivity(ctx context.Context, log activity.Log, source string) error
}

// SourceCheck is the per-source verdict of one check cycle.
type SourceCheck struct {
	Source  string `json:"source"`
	Running bool   `json:"running"`
	Healthy bool   `json:"healthy"`
	Issue   string `json:"issue,omitempty"`
	Action  string `json:"action,omitempty"`
}

// CheckResult is a point-in-time report; the latest replaces the previous.
type CheckResult struct {
	CheckedAt time.Time     `json:"checked_at"`
	Healthy   bool          `json:"healthy"`
	Sources   []SourceCheck `json:"sources"`
}

// Deps collects the watchdog's collaborators.
type Deps struct {
	Metrics    MetricsView
	Supervisor harvest.Supervisor
	Clock      harvest.Clock
	Logger     *zap.Logger

	// Log plus Reconciler enable cross-process observation; both optional.
	Log        activity.Log
	Reconciler Reconciler
}

// Watchdog runs the periodic control loop. It keeps no memory across checks
// beyond the single latest CheckResult.
type Watchdog struct {
	mu     sync.Mutex
	cfg    Config
	latest CheckResult
	reload chan struct{}

	deps Deps
}

// New builds a Watchdog.
func New(cfg Config, deps Deps) *Watchdog {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Watchdog{
		cfg:    cfg,
		reload: make(chan struct{}, 1),
		deps:   deps,
	}
}

// UpdateConfig swaps the configuration and restarts the interval timer.
func (w *Watchdog) UpdateConfig(cfg Config) {
	cfg.applyDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Latest returns the most recent check result.
func (w *Watchdog) Latest() CheckResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

func (w *Watchdog) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Interval
}

// Run blocks, checking every interval until ctx finishes. The first check
// runs immediately on start.
func (w *Watchdog) Run(ctx context.Context) {
	w.CheckNow(ctx)
	timer := time.NewTimer(w.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reload:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.interval())
		case <-timer.C:
			w.CheckNow(ctx)
			timer.Reset(w.interval())
		}
	}
}

// CheckNow evaluates every tracked source once and stores the result.
func (w *Watchdog) CheckNow(ctx context.Context) CheckResult {
	w.mu.Lock()
	cfg := w.cfg
	w.mu.Unlock()

	result := CheckResult{CheckedAt: w.now(), Healthy: true}
	for _, source := range cfg.Sources {
		check := w.checkSource(ctx, cfg, source)
		if !check.Healthy {
			result.Healthy = false
		}
		result.Sources = append(result.Sources, check)
	}

	w.mu.Lock()
	w.latest = result
	w.mu.Unlock()
	return result
}

func (w *Watchdog) checkSource(ctx context.Context, cfg Config, source string) SourceCheck {
	check := SourceCheck{Source: source, Healthy: true}

	status, err := w.deps.Supervisor.Status(ctx, source)
	if err != nil {
		w.deps.Logger.Warn("supervisor status failed", zap.String("source", source), zap.Error(err))
		return check
	}
	check.Running = status.Running
	if !status.Running {
		// Not running means trivially healthy; the watchdog never starts
		// sources on its own initiative.
		return check
	}

	if w.deps.Reconciler != nil && w.deps.Log != nil {
		if err := w.deps.Reconciler.ReconcileFromActivity(ctx, w.deps.Log, source); err != nil {
			w.deps.Logger.Warn("activity reconcile failed", zap.String("source", source), zap.Error(err))
		}
	}
	snap := w.deps.Metrics.Metrics(source)

	// A running source with no activity on record yet is judged by its
	// process start time; with neither timestamp it is already stale.
	lastSeen := snap.LastActivity
	if lastSeen.IsZero() {
		lastSeen = status.StartedAt
	}

	// Three independent conditions; any one marks the source for action.
	switch {
	case lastSeen.IsZero() || w.now().Sub(lastSeen) > cfg.MaxIdleTime:
		check.Healthy = false
		check.Issue = "stuck: no activity within idle limit"
	case snap.ConsecutiveErrors >= cfg.MaxConsecutiveErrors:
		check.Healthy = false
		check.Issue = "too many consecutive errors"
	case snap.HealthStatus == metrics.HealthUnhealthy:
		check.Healthy = false
		check.Issue = "marked unhealthy"
	}
	if check.Healthy {
		return check
	}

	if !cfg.AutoRestart {
		check.Action = "restart recommended"
		w.deps.Logger.Warn("scraper needs restart",
			zap.String("source", source),
			zap.String("issue", check.Issue),
		)
		return check
	}
	check.Action = w.restart(ctx, cfg, source)
	return check
}

// restart issues stop, waits the configured delay, then start. The stop is a
// hard process termination that abandons in-flight requests.
func (w *Watchdog) restart(ctx context.Context, cfg Config, source string) string {
	w.deps.Logger.Info("restarting scraper", zap.String("source", source))
	if err := w.deps.Supervisor.Stop(ctx, source); err != nil {
		w.deps.Logger.Error("stop failed", zap.String("source", source), zap.Error(err))
		return "stop failed: " + err.Error()
	}
	w.pause(ctx, cfg.AutoRestartDelay)
	if _, err := w.deps.Supervisor.Start(ctx, source, harvest.StartOptions{}); err != nil {
		w.deps.Logger.Error("start failed", zap.String("source", source), zap.Error(err))
		return "start failed: " + err.Error()
	}
	return "restarted"
}

func (w *Watchdog) pause(ctx context.Context, delay time.Duration) {
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

func (w *Watchdog) now() time.Time {
	if w.deps.Clock != nil {
		return w.deps.Clock.Now()
	}
	return time.Now().UTC()
}
