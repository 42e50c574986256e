package harvest

import "sync"

// SeenIDSet tracks item identities already emitted during the current crawl
// run so a listing that reappears on a later page (sort order shifts while new
// items are inserted upstream) is not parsed or persisted twice. It is scoped
// to one run and discarded when the run ends; cross-run idempotence is the
// store's job.
type SeenIDSet struct {
	seen sync.Map
}

// NewSeenIDSet returns an empty set.
func NewSeenIDSet() *SeenIDSet {
	return &SeenIDSet{}
}

// MarkIfNew stores the key if it has not been seen and reports whether it was
// new. An empty key is never new.
func (s *SeenIDSet) MarkIfNew(key string) bool {
	if key == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// Len returns the number of distinct identities seen so far.
func (s *SeenIDSet) Len() int {
	n := 0
	s.seen.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
