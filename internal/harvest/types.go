// Package harvest defines the domain types and collaborator contracts shared by
// the crawl engine. Site-specific extraction, storage schemas, and process
// supervision live behind the interfaces declared here.
package harvest

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Record is one harvested listing in normalized form. The engine only relies on
// the identity triple (Source, ListingType, ID); everything else is opaque
// payload produced by a Parser.
type Record struct {
	Source      string         `json:"source"`
	ListingType string         `json:"listing_type"`
	ID          string         `json:"id"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// Key returns the identity used for deduplication within and across runs.
func (r Record) Key() string {
	return r.Source + "/" + r.ListingType + "/" + r.ID
}

// Ref is a lightweight item reference returned by listing pages that only
// carry identifiers; it is hydrated into a full Record by a second call.
type Ref struct {
	ID          string
	ListingType string
}

// Cursor marks progress through one logical crawl. Page is 1-based; Token
// carries a source-specific continuation value when the API is cursor-driven.
type Cursor struct {
	Page   int    `json:"page"`
	Offset int    `json:"offset"`
	Token  string `json:"token,omitempty"`
}

// Next advances the cursor past a page that yielded itemCount items.
func (c Cursor) Next(itemCount int, token string) Cursor {
	return Cursor{
		Page:   c.Page + 1,
		Offset: c.Offset + itemCount,
		Token:  token,
	}
}

// FetchRequest describes a single raw HTTP attempt. Resilience policy (retry,
// spacing, proxying) is applied above the Fetcher, never inside it.
type FetchRequest struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
	// ProxyURL, when non-empty, routes this attempt through the given proxy.
	ProxyURL string
	Timeout  time.Duration
}

// FetchResponse is the outcome of a single successful attempt.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ParseContext scopes a Parse call to its crawl position so parsers can log
// useful diagnostics without holding crawl state.
type ParseContext struct {
	Source      string
	ListingType string
	Page        int
	URL         string
}

// Filter narrows Listings queries.
type Filter struct {
	Source      string
	ListingType string
	Query       string
	Limit       int
	Offset      int
}

// SessionProgress is the incremental progress written back to the store after
// every page so an interrupted run can resume from its cursor.
type SessionProgress struct {
	Cursor       Cursor
	PagesScraped int
	ItemsFound   int
	ItemsSaved   int
	Duplicates   int
	LastError    string
}

// SessionID identifies one crawl session row in the store.
type SessionID = uuid.UUID

// StartOptions parameterizes a supervised scraper launch.
type StartOptions struct {
	ListingType string
	Args        []string
	Env         map[string]string
}

// StartResult reports the outcome of a Supervisor.Start call.
type StartResult struct {
	ProcessID int
	Message   string
}

// ProcStatus reports whether a supervised scraper is currently running.
// StartedAt anchors idle checks for processes that have not produced any
// observable activity yet.
type ProcStatus struct {
	Running   bool
	ProcessID int
	StartedAt time.Time
}
