package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/metrics"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSupervisor struct {
	mu        sync.Mutex
	running   map[string]bool
	startedAt map[string]time.Time
	stops     []string
	starts    []string
}

func newFakeSupervisor(running ...string) *fakeSupervisor {
	s := &fakeSupervisor{running: map[string]bool{}, startedAt: map[string]time.Time{}}
	for _, name := range running {
		s.running[name] = true
	}
	return s
}

func (s *fakeSupervisor) Start(_ context.Context, source string, _ harvest.StartOptions) (harvest.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[source] {
		return harvest.StartResult{}, harvest.ErrAlreadyRunning
	}
	s.running[source] = true
	s.starts = append(s.starts, source)
	return harvest.StartResult{ProcessID: 4242}, nil
}

func (s *fakeSupervisor) Stop(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[source] = false
	s.stops = append(s.stops, source)
	return nil
}

func (s *fakeSupervisor) Status(_ context.Context, source string) (harvest.ProcStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return harvest.ProcStatus{Running: s.running[source], StartedAt: s.startedAt[source]}, nil
}

type fakeMetrics struct {
	snaps map[string]metrics.Snapshot
}

func (m *fakeMetrics) Metrics(source string) metrics.Snapshot {
	return m.snaps[source]
}

func testDeps(sup *fakeSupervisor, view MetricsView, clock harvest.Clock) Deps {
	return Deps{Metrics: view, Supervisor: sup, Clock: clock}
}

// TestCheckRestartsStuckScraper: a running source idle beyond the limit gets
// exactly one stop followed by one start.
func TestCheckRestartsStuckScraper(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	sup := newFakeSupervisor("jobsite")
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{
		"jobsite": {
			HealthStatus: metrics.HealthHealthy,
			LastActivity: clock.now.Add(-10 * time.Minute),
		},
	}}
	wd := New(Config{
		MaxIdleTime:      5 * time.Minute,
		AutoRestart:      true,
		AutoRestartDelay: time.Millisecond,
		Sources:          []string{"jobsite"},
	}, testDeps(sup, view, clock))

	result := wd.CheckNow(context.Background())
	require.False(t, result.Healthy)
	require.Len(t, result.Sources, 1)
	require.Equal(t, "restarted", result.Sources[0].Action)
	require.Equal(t, []string{"jobsite"}, sup.stops)
	require.Equal(t, []string{"jobsite"}, sup.starts)
}

// TestCheckSkipsStoppedScraper: a source that is not running is trivially
// healthy and never started by the watchdog.
func TestCheckSkipsStoppedScraper(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	sup := newFakeSupervisor()
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{}}
	wd := New(Config{AutoRestart: true, Sources: []string{"jobsite"}}, testDeps(sup, view, clock))

	result := wd.CheckNow(context.Background())
	require.True(t, result.Healthy)
	require.False(t, result.Sources[0].Running)
	require.Empty(t, sup.stops)
	require.Empty(t, sup.starts)
}

// TestCheckRestartsSilentScraper: a running source with no recorded activity
// at all is stale, not invisible; it hangs before its first attempt completes
// and nothing will ever populate its metrics.
func TestCheckRestartsSilentScraper(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	sup := newFakeSupervisor("jobsite")
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{}}
	wd := New(Config{
		MaxIdleTime:      5 * time.Minute,
		AutoRestart:      true,
		AutoRestartDelay: time.Millisecond,
		Sources:          []string{"jobsite"},
	}, testDeps(sup, view, clock))

	result := wd.CheckNow(context.Background())
	require.False(t, result.Healthy)
	require.Contains(t, result.Sources[0].Issue, "stuck")
	require.Equal(t, []string{"jobsite"}, sup.stops)
	require.Equal(t, []string{"jobsite"}, sup.starts)
}

// TestCheckGivesFreshProcessIdleGrace: with no activity yet, idleness is
// anchored to the process start time, so a just-started scraper is not killed
// before it could do anything.
func TestCheckGivesFreshProcessIdleGrace(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	sup := newFakeSupervisor("jobsite")
	sup.startedAt["jobsite"] = clock.now.Add(-time.Minute)
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{}}
	wd := New(Config{
		MaxIdleTime:      5 * time.Minute,
		AutoRestart:      true,
		AutoRestartDelay: time.Millisecond,
		Sources:          []string{"jobsite"},
	}, testDeps(sup, view, clock))

	require.True(t, wd.CheckNow(context.Background()).Healthy)
	require.Empty(t, sup.stops)

	sup.startedAt["jobsite"] = clock.now.Add(-10 * time.Minute)
	result := wd.CheckNow(context.Background())
	require.False(t, result.Healthy)
	require.Equal(t, []string{"jobsite"}, sup.stops)
}

// TestCheckConsecutiveErrorsCondition triggers on the error streak even with
// recent activity.
func TestCheckConsecutiveErrorsCondition(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	sup := newFakeSupervisor("jobsite")
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{
		"jobsite": {
			ConsecutiveErrors: 7,
			LastActivity:      clock.now,
			HealthStatus:      metrics.HealthDegraded,
		},
	}}
	wd := New(Config{
		MaxConsecutiveErrors: 5,
		AutoRestart:          true,
		AutoRestartDelay:     time.Millisecond,
		Sources:              []string{"jobsite"},
	}, testDeps(sup, view, clock))

	result := wd.CheckNow(context.Background())
	require.False(t, result.Healthy)
	require.Contains(t, result.Sources[0].Issue, "consecutive errors")
	require.Equal(t, []string{"jobsite"}, sup.stops)
}

// TestCheckRecommendsWithoutAutoRestart leaves the process alone when
// AutoRestart is off.
func TestCheckRecommendsWithoutAutoRestart(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	sup := newFakeSupervisor("jobsite")
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{
		"jobsite": {
			HealthStatus: metrics.HealthUnhealthy,
			LastActivity: clock.now,
		},
	}}
	wd := New(Config{AutoRestart: false, Sources: []string{"jobsite"}}, testDeps(sup, view, clock))

	result := wd.CheckNow(context.Background())
	require.False(t, result.Healthy)
	require.Equal(t, "restart recommended", result.Sources[0].Action)
	require.Empty(t, sup.stops)
	require.Empty(t, sup.starts)
}

// TestLatestHoldsOnlyNewestResult: the previous check result is replaced, not
// accumulated.
func TestLatestHoldsOnlyNewestResult(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	sup := newFakeSupervisor()
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{}}
	wd := New(Config{Sources: []string{"a", "b"}}, testDeps(sup, view, clock))

	first := wd.CheckNow(context.Background())
	clock.now = clock.now.Add(time.Minute)
	second := wd.CheckNow(context.Background())

	latest := wd.Latest()
	require.Equal(t, second.CheckedAt, latest.CheckedAt)
	require.NotEqual(t, first.CheckedAt, latest.CheckedAt)
	require.Len(t, latest.Sources, 2)
}

// TestUpdateConfigTakesEffect: new thresholds apply to the next check.
func TestUpdateConfigTakesEffect(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	sup := newFakeSupervisor("jobsite")
	view := &fakeMetrics{snaps: map[string]metrics.Snapshot{
		"jobsite": {ConsecutiveErrors: 4, LastActivity: clock.now, HealthStatus: metrics.HealthDegraded},
	}}
	wd := New(Config{MaxConsecutiveErrors: 5, Sources: []string{"jobsite"}}, testDeps(sup, view, clock))

	require.True(t, wd.CheckNow(context.Background()).Healthy)

	wd.UpdateConfig(Config{MaxConsecutiveErrors: 3, Sources: []string{"jobsite"}})
	require.False(t, wd.CheckNow(context.Background()).Healthy)
}
