// Package metrics tracks per-source scraper health. One mutable record exists
// per tracked source, guarded by its own lock so unrelated sources never
// serialize on each other.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
)

// Status describes a source's lifecycle state.
type Status string

// Source statuses.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// HealthStatus is the coarse classification derived from recording operations.
type HealthStatus string

// Health classifications.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Classification thresholds. The consecutive streak dominates: a long streak
// means the current state is broken even if the lifetime average looks fine.
const (
	unhealthyStreak    = 5
	degradedStreak     = 3
	degradedTotalCap   = 50
	requestWindow      = time.Minute
	latencyWindowCount = 100
)

// Snapshot is the read-only projection of one source's metrics.
type Snapshot struct {
	Source            string       `json:"source"`
	Status            Status       `json:"status"`
	RequestsPerMinute int          `json:"requests_per_minute"`
	AverageLatencyMs  int64        `json:"average_latency_ms"`
	TotalErrors       int64        `json:"total_errors"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	PagesScraped      int          `json:"pages_scraped"`
	ItemsFound        int          `json:"items_found"`
	ItemsSaved        int          `json:"items_saved"`
	DuplicatesSkipped int          `json:"duplicates_skipped"`
	CurrentCategory   string       `json:"current_category,omitempty"`
	CurrentPage       int          `json:"current_page"`
	LastActivity      time.Time    `json:"last_activity"`
	LastError         string       `json:"last_error,omitempty"`
	LastErrorAt       time.Time    `json:"last_error_at,omitempty"`
	HealthStatus      HealthStatus `json:"health_status"`
}

// HealthCheck is the aggregated boolean summary plus per-source detail.
type HealthCheck struct {
	Healthy bool                `json:"healthy"`
	Sources map[string]Snapshot `json:"sources"`
}

type sourceMetrics struct {
	mu sync.Mutex

	status            Status
	requestTimes      []time.Time
	latencies         []time.Duration
	totalErrors       int64
	consecutiveErrors int
	pagesScraped      int
	itemsFound        int
	itemsSaved        int
	duplicates        int
	currentCategory   string
	currentPage       int
	lastActivity      time.Time
	lastError         string
	lastErrorAt       time.Time
	health            HealthStatus
}

// Collector is the process-wide metrics registry, keyed by source name.
// Construct one at the composition root and pass it down; there is no hidden
// global instance.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]*sourceMetrics
	clock   harvest.Clock
}

// NewCollector builds a Collector. A nil clock falls back to wall time.
func NewCollector(clock harvest.Clock) *Collector {
	return &Collector{
		sources: make(map[string]*sourceMetrics),
		clock:   clock,
	}
}

func (c *Collector) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}

// source returns the record for name, creating it lazily on first reference.
func (c *Collector) source(name string) *sourceMetrics {
	c.mu.RLock()
	sm, ok := c.sources[name]
	c.mu.RUnlock()
	if ok {
		return sm
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sm, ok = c.sources[name]; ok {
		return sm
	}
	sm = &sourceMetrics{status: StatusIdle, health: HealthHealthy}
	c.sources[name] = sm
	return sm
}

// RecordStart resets a source's rolling counters and marks it running.
func (c *Collector) RecordStart(source string) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = StatusRunning
	sm.requestTimes = nil
	sm.latencies = nil
	sm.totalErrors = 0
	sm.consecutiveErrors = 0
	sm.pagesScraped = 0
	sm.itemsFound = 0
	sm.itemsSaved = 0
	sm.duplicates = 0
	sm.currentCategory = ""
	sm.currentPage = 0
	sm.lastError = ""
	sm.lastErrorAt = time.Time{}
	sm.lastActivity = now
	sm.health = HealthHealthy
}

// RecordStop marks a source completed.
func (c *Collector) RecordStop(source string) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = StatusCompleted
	sm.lastActivity = now
}

// RecordPageScraped notes crawl position for observability.
func (c *Collector) RecordPageScraped(source, category string, page int) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pagesScraped++
	sm.currentCategory = category
	sm.currentPage = page
	sm.lastActivity = now
}

// RecordItems accumulates per-page item outcomes.
func (c *Collector) RecordItems(source string, found, saved, duplicates int) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.itemsFound += found
	sm.itemsSaved += saved
	sm.duplicates += duplicates
	sm.lastActivity = now
}

// RecordRequest records one logical HTTP call. Any success resets the
// consecutive-error streak; any failure extends it. Health is recomputed here
// and nowhere else.
func (c *Collector) RecordRequest(source string, latency time.Duration, success bool) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.requestTimes = append(sm.requestTimes, now)
	sm.pruneRequestsLocked(now)
	if success {
		sm.latencies = append(sm.latencies, latency)
		if len(sm.latencies) > latencyWindowCount {
			sm.latencies = sm.latencies[len(sm.latencies)-latencyWindowCount:]
		}
		sm.consecutiveErrors = 0
	} else {
		sm.totalErrors++
		sm.consecutiveErrors++
	}
	sm.lastActivity = now
	sm.health = classify(len(sm.requestTimes), sm.totalErrors, sm.consecutiveErrors)
}

// RecordError records a failure message without an associated request.
func (c *Collector) RecordError(source, message string) {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.totalErrors++
	sm.consecutiveErrors++
	sm.lastError = message
	sm.lastErrorAt = now
	sm.lastActivity = now
	sm.health = classify(len(sm.requestTimes), sm.totalErrors, sm.consecutiveErrors)
}

func (sm *sourceMetrics) pruneRequestsLocked(now time.Time) {
	cutoff := now.Add(-requestWindow)
	i := 0
	for ; i < len(sm.requestTimes); i++ {
		if sm.requestTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		sm.requestTimes = sm.requestTimes[i:]
	}
}

// classify is a pure function of recent volume, total errors, and the
// consecutive streak.
func classify(recentRequests int, totalErrors int64, consecutive int) HealthStatus {
	switch {
	case consecutive >= unhealthyStreak:
		return HealthUnhealthy
	case consecutive >= degradedStreak:
		return HealthDegraded
	case totalErrors > degradedTotalCap && recentRequests > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Metrics returns a point-in-time snapshot for one source.
func (c *Collector) Metrics(source string) Snapshot {
	sm := c.source(source)
	now := c.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked(source, now)
}

func (sm *sourceMetrics) snapshotLocked(source string, now time.Time) Snapshot {
	sm.pruneRequestsLocked(now)
	var avg int64
	if len(sm.latencies) > 0 {
		var sum time.Duration
		for _, l := range sm.latencies {
			sum += l
		}
		avg = (sum / time.Duration(len(sm.latencies))).Milliseconds()
	}
	return Snapshot{
		Source:            source,
		Status:            sm.status,
		RequestsPerMinute: len(sm.requestTimes),
		AverageLatencyMs:  avg,
		TotalErrors:       sm.totalErrors,
		ConsecutiveErrors: sm.consecutiveErrors,
		PagesScraped:      sm.pagesScraped,
		ItemsFound:        sm.itemsFound,
		ItemsSaved:        sm.itemsSaved,
		DuplicatesSkipped: sm.duplicates,
		CurrentCategory:   sm.currentCategory,
		CurrentPage:       sm.currentPage,
		LastActivity:      sm.lastActivity,
		LastError:         sm.lastError,
		LastErrorAt:       sm.lastErrorAt,
		HealthStatus:      sm.health,
	}
}

// AllMetrics returns snapshots for every tracked source.
func (c *Collector) AllMetrics() map[string]Snapshot {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = c.Metrics(name)
	}
	return out
}

// HealthCheck aggregates every source into a boolean summary with detail.
func (c *Collector) HealthCheck() HealthCheck {
	all := c.AllMetrics()
	hc := HealthCheck{Healthy: true, Sources: all}
	for _, snap := range all {
		if snap.HealthStatus == HealthUnhealthy {
			hc.Healthy = false
		}
	}
	return hc
}

// ReconcileFromActivity re-derives a source's live fields from the shared
// durable activity log. This is how a watchdog process observes a scraper
// that runs as a separate OS process and never calls this collector directly.
func (c *Collector) ReconcileFromActivity(ctx context.Context, log activity.Log, source string) error {
	entries, err := log.Query(ctx, activity.Filter{
		Source: source,
		Since:  c.now().Add(-requestWindow),
		Limit:  500,
	})
	if err != nil {
		return err
	}

	sm := c.source(source)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.requestTimes = sm.requestTimes[:0]
	consecutive := 0
	streakOpen := true
	var lastActivity, lastErrorAt time.Time
	lastError := sm.lastError

	// Entries arrive newest-first; the streak is counted until the first
	// success from the top. Only terminal error entries extend it: a retry is
	// an attempt inside one logical call, and in-process recording counts the
	// call once, after its retries resolve.
	for _, entry := range entries {
		if entry.TS.After(lastActivity) {
			lastActivity = entry.TS
		}
		if entry.Type == activity.TypeHTTPRequest {
			sm.requestTimes = append(sm.requestTimes, entry.TS)
		}
		switch entry.Status {
		case activity.StatusSuccess:
			streakOpen = false
		case activity.StatusError:
			if streakOpen {
				consecutive++
			}
			if entry.TS.After(lastErrorAt) {
				lastErrorAt = entry.TS
				lastError = entry.Message
			}
		}
	}

	// Query order is newest-first; requestTimes is kept oldest-first.
	for i, j := 0, len(sm.requestTimes)-1; i < j; i, j = i+1, j-1 {
		sm.requestTimes[i], sm.requestTimes[j] = sm.requestTimes[j], sm.requestTimes[i]
	}

	sm.consecutiveErrors = consecutive
	if !lastActivity.IsZero() {
		sm.lastActivity = lastActivity
	}
	if !lastErrorAt.IsZero() {
		sm.lastError = lastError
		sm.lastErrorAt = lastErrorAt
	}
	sm.health = classify(len(sm.requestTimes), sm.totalErrors, sm.consecutiveErrors)
	return nil
}
