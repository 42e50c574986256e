package parse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const listingHTML = `
<html><body>
<div class="results">
	<div class="card" data-id="j-1">
		<h3 class="title">Senior Welder</h3>
		<a class="link" href="/jobs/j-1">details</a>
	</div>
	<div class="card" data-id="j-2">
		<h3 class="title">  Plumber  </h3>
	</div>
	<div class="card">
		<h3 class="title">No ID Card</h3>
	</div>
</div>
</body></html>`

func TestHTMLListExtractsCards(t *testing.T) {
	t.Parallel()

	p, err := NewHTMLList(HTMLConfig{
		ItemSelector:  "div.card",
		TitleSelector: "h3.title",
		LinkSelector:  "a.link",
	}, nil)
	require.NoError(t, err)

	records, err := p.Parse(context.Background(), []byte(listingHTML), jobsCtx())
	require.NoError(t, err)
	// the id-less card is dropped
	require.Len(t, records, 2)
	require.Equal(t, "j-1", records[0].ID)
	require.Equal(t, "Senior Welder", records[0].Title)
	require.Equal(t, "/jobs/j-1", records[0].URL)
	require.Equal(t, "j-2", records[1].ID)
	require.Equal(t, "Plumber", records[1].Title)
	require.Empty(t, records[1].URL)
}

func TestHTMLListCustomIDAttr(t *testing.T) {
	t.Parallel()

	p, err := NewHTMLList(HTMLConfig{ItemSelector: "li.job", IDAttr: "data-job-id"}, nil)
	require.NoError(t, err)

	raw := []byte(`<ul><li class="job" data-job-id="42"></li><li class="job" data-id="ignored"></li></ul>`)
	records, err := p.Parse(context.Background(), raw, jobsCtx())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "42", records[0].ID)
}

func TestHTMLListRequiresItemSelector(t *testing.T) {
	t.Parallel()

	_, err := NewHTMLList(HTMLConfig{}, nil)
	require.Error(t, err)
}

func TestHTMLListNoMatches(t *testing.T) {
	t.Parallel()

	p, err := NewHTMLList(HTMLConfig{ItemSelector: "div.card"}, nil)
	require.NoError(t, err)

	records, err := p.Parse(context.Background(), []byte(`<html><body><p>empty</p></body></html>`), jobsCtx())
	require.NoError(t, err)
	require.Empty(t, records)
}
