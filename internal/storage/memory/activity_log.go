package memory

import (
	"context"
	"sync"

	"github.com/listharvest/listharvest/internal/activity"
)

const defaultRetention = 10000

// ActivityLog implements activity.Log in memory with a bounded retention cap.
// Oldest entries are evicted once the cap is reached.
type ActivityLog struct {
	mu      sync.RWMutex
	entries []activity.Entry
	cap     int
}

// NewActivityLog constructs an ActivityLog. A non-positive retention uses the
// default cap.
func NewActivityLog(retention int) *ActivityLog {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &ActivityLog{cap: retention}
}

// Append stores one entry, evicting the oldest beyond the retention cap.
func (l *ActivityLog) Append(_ context.Context, entry activity.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	return nil
}

// Query returns matching entries newest-first.
func (l *ActivityLog) Query(_ context.Context, filter activity.Filter) ([]activity.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []activity.Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if filter.Source != "" && entry.Source != filter.Source {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && entry.TS.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len reports how many entries are currently retained.
func (l *ActivityLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
