package harvest

import (
	"context"
	"time"
)

// Parser turns raw page content into records. Implementations must not fail on
// malformed fragments; they log, skip the fragment, and return whatever was
// successfully extracted. A non-nil error means the whole page was unusable.
type Parser interface {
	Parse(ctx context.Context, raw []byte, pctx ParseContext) ([]Record, error)
}

// Store is the durable listing store. Upsert must be idempotent by Record.Key
// and tolerate being called once per page with small batches.
type Store interface {
	Upsert(ctx context.Context, records []Record) (int, error)
	Listings(ctx context.Context, filter Filter) ([]Record, error)
	CreateSession(ctx context.Context, source, listingType string) (SessionID, error)
	UpdateSession(ctx context.Context, id SessionID, progress SessionProgress) error
}

// Fetcher executes exactly one raw HTTP attempt with no retry or pacing.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Supervisor manages scraper executables as OS processes. Start must reject an
// already-running source with ErrAlreadyRunning rather than queueing.
type Supervisor interface {
	Start(ctx context.Context, source string, opts StartOptions) (StartResult, error)
	Stop(ctx context.Context, source string) error
	Status(ctx context.Context, source string) (ProcStatus, error)
}

// Clock abstracts time.Now so policies and the watchdog are testable with a
// fake clock.
type Clock interface {
	Now() time.Time
}
