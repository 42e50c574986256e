package parse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/listharvest/listharvest/internal/harvest"
)

func jobsCtx() harvest.ParseContext {
	return harvest.ParseContext{Source: "jobsite", ListingType: "jobs", Page: 1}
}

func TestJSONListNestedItemsPath(t *testing.T) {
	t.Parallel()

	p := NewJSONList(JSONConfig{
		ItemsKey: "data.results",
		IDKey:    "listing.id",
		TitleKey: "listing.title",
		URLKey:   "listing.url",
	}, nil)

	raw := []byte(`{
		"data": {
			"results": [
				{"listing": {"id": "a1", "title": "Welder", "url": "https://x/a1"}},
				{"listing": {"id": "a2", "title": "Plumber"}}
			]
		}
	}`)
	records, err := p.Parse(context.Background(), raw, jobsCtx())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a1", records[0].ID)
	require.Equal(t, "Welder", records[0].Title)
	require.Equal(t, "https://x/a1", records[0].URL)
	require.Equal(t, "jobsite", records[0].Source)
	require.Equal(t, "jobs", records[0].ListingType)
	require.NotNil(t, records[0].Payload)
	require.Empty(t, records[1].URL)
}

// TestJSONListNumericIDs: integer and float ids render as strings.
func TestJSONListNumericIDs(t *testing.T) {
	t.Parallel()

	p := NewJSONList(JSONConfig{ItemsKey: "items"}, nil)
	raw := []byte(`{"items": [{"id": 1234567}, {"id": 12.5}]}`)
	records, err := p.Parse(context.Background(), raw, jobsCtx())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "1234567", records[0].ID)
	require.Equal(t, "12.5", records[1].ID)
}

// TestJSONListSkipsBadItems: items without ids or with the wrong shape are
// dropped without failing the page.
func TestJSONListSkipsBadItems(t *testing.T) {
	t.Parallel()

	p := NewJSONList(JSONConfig{ItemsKey: "items"}, nil)
	raw := []byte(`{"items": [{"id": "ok"}, {"title": "no id"}, "not an object", 42]}`)
	records, err := p.Parse(context.Background(), raw, jobsCtx())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "ok", records[0].ID)
}

func TestJSONListTopLevelArray(t *testing.T) {
	t.Parallel()

	p := NewJSONList(JSONConfig{}, nil)
	raw := []byte(`[{"id": "a"}, {"id": "b"}]`)
	records, err := p.Parse(context.Background(), raw, jobsCtx())
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestJSONListPageErrors(t *testing.T) {
	t.Parallel()

	p := NewJSONList(JSONConfig{ItemsKey: "items"}, nil)

	_, err := p.Parse(context.Background(), []byte(`{not json`), jobsCtx())
	require.Error(t, err)

	// items path points at a scalar
	_, err = p.Parse(context.Background(), []byte(`{"items": 5}`), jobsCtx())
	require.Error(t, err)

	_, err = p.Parse(context.Background(), []byte(`{"other": []}`), jobsCtx())
	require.Error(t, err)
}
