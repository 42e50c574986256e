package harvest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenIDSetMarkIfNew(t *testing.T) {
	t.Parallel()

	seen := NewSeenIDSet()
	require.True(t, seen.MarkIfNew("jobsite/jobs/1"))
	require.False(t, seen.MarkIfNew("jobsite/jobs/1"))
	require.True(t, seen.MarkIfNew("jobsite/jobs/2"))
	require.Equal(t, 2, seen.Len())
}

func TestSeenIDSetEmptyKeyNeverNew(t *testing.T) {
	t.Parallel()

	seen := NewSeenIDSet()
	require.False(t, seen.MarkIfNew(""))
	require.Equal(t, 0, seen.Len())
}

// TestSeenIDSetConcurrent asserts exactly one winner per key under contention.
func TestSeenIDSetConcurrent(t *testing.T) {
	t.Parallel()

	seen := NewSeenIDSet()
	const goroutines = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if seen.MarkIfNew("contested") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count)
	require.Equal(t, 1, seen.Len())
}

func TestRecordKey(t *testing.T) {
	t.Parallel()

	rec := Record{Source: "jobsite", ListingType: "jobs", ID: "42"}
	require.Equal(t, "jobsite/jobs/42", rec.Key())
}

func TestCursorNext(t *testing.T) {
	t.Parallel()

	c := Cursor{Page: 1}
	c = c.Next(25, "tok")
	require.Equal(t, Cursor{Page: 2, Offset: 25, Token: "tok"}, c)
	c = c.Next(0, "")
	require.Equal(t, Cursor{Page: 3, Offset: 25}, c)
}
