// Package memory provides in-memory store implementations for development and
// testing.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/listharvest/listharvest/internal/harvest"
)

type session struct {
	id          harvest.SessionID
	source      string
	listingType string
	startedAt   time.Time
	updatedAt   time.Time
	progress    harvest.SessionProgress
}

// ListingStore implements harvest.Store in memory.
type ListingStore struct {
	mu       sync.RWMutex
	records  map[string]harvest.Record
	order    []string
	sessions map[harvest.SessionID]*session
}

// NewListingStore constructs a ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		records:  make(map[string]harvest.Record),
		sessions: make(map[harvest.SessionID]*session),
	}
}

// Upsert inserts or replaces records by identity key and returns how many were
// newly inserted.
func (s *ListingStore) Upsert(_ context.Context, records []harvest.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		key := rec.Key()
		if _, exists := s.records[key]; !exists {
			inserted++
			s.order = append(s.order, key)
		}
		s.records[key] = rec
	}
	return inserted, nil
}

// Listings returns stored records matching the filter in insertion order.
func (s *ListingStore) Listings(_ context.Context, filter harvest.Filter) ([]harvest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []harvest.Record
	skipped := 0
	for _, key := range s.order {
		rec := s.records[key]
		if !matches(rec, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(rec harvest.Record, filter harvest.Filter) bool {
	if filter.Source != "" && rec.Source != filter.Source {
		return false
	}
	if filter.ListingType != "" && rec.ListingType != filter.ListingType {
		return false
	}
	if filter.Query != "" && !strings.Contains(strings.ToLower(rec.Title), strings.ToLower(filter.Query)) {
		return false
	}
	return true
}

// CreateSession opens a new crawl session row.
func (s *ListingStore) CreateSession(_ context.Context, source, listingType string) (harvest.SessionID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{
		id:          id,
		source:      source,
		listingType: listingType,
		startedAt:   now,
		updatedAt:   now,
	}
	return id, nil
}

// UpdateSession overwrites the session's progress.
func (s *ListingStore) UpdateSession(_ context.Context, id harvest.SessionID, progress harvest.SessionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return harvest.ErrNotFound
	}
	sess.progress = progress
	sess.updatedAt = time.Now().UTC()
	return nil
}

// SessionProgress reads back a session's latest progress; used by tests.
func (s *ListingStore) SessionProgress(id harvest.SessionID) (harvest.SessionProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return harvest.SessionProgress{}, false
	}
	return sess.progress, true
}

// Len reports the number of stored records.
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Keys returns the stored identity keys sorted, for deterministic assertions.
func (s *ListingStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
