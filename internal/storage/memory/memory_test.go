package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
)

func record(source, listingType, id, title string) harvest.Record {
	return harvest.Record{
		Source:      source,
		ListingType: listingType,
		ID:          id,
		Title:       title,
		URL:         "https://" + source + ".example.com/" + id,
	}
}

func TestUpsertCountsFreshInserts(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()

	inserted, err := store.Upsert(ctx, []harvest.Record{
		record("jobsite", "jobs", "a", "welder"),
		record("jobsite", "jobs", "b", "plumber"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	// replay of "b" plus one fresh record
	inserted, err = store.Upsert(ctx, []harvest.Record{
		record("jobsite", "jobs", "b", "plumber II"),
		record("jobsite", "jobs", "c", "roofer"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 3, store.Len())

	got, err := store.Listings(ctx, harvest.Filter{Query: "plumber II"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// TestUpsertKeySpansSourceAndType: the same external ID under a different
// source or listing type is a distinct record.
func TestUpsertKeySpansSourceAndType(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	inserted, err := store.Upsert(context.Background(), []harvest.Record{
		record("jobsite", "jobs", "77", "a"),
		record("jobsite", "gigs", "77", "b"),
		record("othersite", "jobs", "77", "c"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, inserted)
}

func TestListingsFiltering(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	_, err := store.Upsert(ctx, []harvest.Record{
		record("jobsite", "jobs", "1", "Senior Welder"),
		record("jobsite", "gigs", "2", "Weekend Mover"),
		record("othersite", "jobs", "3", "Junior Welder"),
	})
	require.NoError(t, err)

	bySource, err := store.Listings(ctx, harvest.Filter{Source: "jobsite"})
	require.NoError(t, err)
	require.Len(t, bySource, 2)

	byType, err := store.Listings(ctx, harvest.Filter{ListingType: "jobs"})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	// query matches title case-insensitively
	byQuery, err := store.Listings(ctx, harvest.Filter{Query: "welder"})
	require.NoError(t, err)
	require.Len(t, byQuery, 2)

	none, err := store.Listings(ctx, harvest.Filter{Source: "jobsite", ListingType: "jobs", Query: "mover"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListingsPagination(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Upsert(ctx, []harvest.Record{
			record("jobsite", "jobs", fmt.Sprintf("%d", i), fmt.Sprintf("job %d", i)),
		})
		require.NoError(t, err)
	}

	page, err := store.Listings(ctx, harvest.Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "2", page[0].ID)
	require.Equal(t, "3", page[1].ID)

	tail, err := store.Listings(ctx, harvest.Filter{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tail, 1)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	id, err := store.CreateSession(ctx, "jobsite", "jobs")
	require.NoError(t, err)

	progress := harvest.SessionProgress{
		PagesScraped: 3,
		ItemsFound:   42,
		ItemsSaved:   40,
		Cursor:       harvest.Cursor{Page: 3, Offset: 360},
	}
	require.NoError(t, err)
	require.NoError(t, store.UpdateSession(ctx, id, progress))

	got, ok := store.SessionProgress(id)
	require.True(t, ok)
	require.Equal(t, progress, got)
}

func TestUpdateSessionUnknownID(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	err := store.UpdateSession(context.Background(), harvest.SessionID{}, harvest.SessionProgress{})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func logEntry(source string, status activity.Status, ts time.Time) activity.Entry {
	return activity.Entry{
		Source:  source,
		Type:    activity.TypeHTTPRequest,
		Status:  status,
		Message: "request finished",
		TS:      ts,
	}
}

// TestActivityLogRetention evicts oldest entries beyond the cap.
func TestActivityLogRetention(t *testing.T) {
	t.Parallel()

	log := NewActivityLog(3)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := logEntry("jobsite", activity.StatusSuccess, base.Add(time.Duration(i)*time.Second))
		entry.Message = fmt.Sprintf("entry %d", i)
		require.NoError(t, log.Append(ctx, entry))
	}

	require.Equal(t, 3, log.Len())
	got, err := log.Query(ctx, activity.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// newest first, oldest two evicted
	require.Equal(t, "entry 4", got[0].Message)
	require.Equal(t, "entry 2", got[2].Message)
}

func TestActivityLogRejectsInvalidEntry(t *testing.T) {
	t.Parallel()

	log := NewActivityLog(10)
	err := log.Append(context.Background(), activity.Entry{Type: activity.TypeError})
	require.Error(t, err)
	require.Zero(t, log.Len())
}

func TestActivityLogQueryFilters(t *testing.T) {
	t.Parallel()

	log := NewActivityLog(100)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(ctx, logEntry("jobsite", activity.StatusSuccess, base)))
	require.NoError(t, log.Append(ctx, logEntry("jobsite", activity.StatusError, base.Add(time.Minute))))
	require.NoError(t, log.Append(ctx, logEntry("othersite", activity.StatusSuccess, base.Add(2*time.Minute))))

	bySource, err := log.Query(ctx, activity.Filter{Source: "jobsite"})
	require.NoError(t, err)
	require.Len(t, bySource, 2)

	byStatus, err := log.Query(ctx, activity.Filter{Status: activity.StatusError})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	since, err := log.Query(ctx, activity.Filter{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 2)

	limited, err := log.Query(ctx, activity.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "othersite", limited[0].Source)
}
