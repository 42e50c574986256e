package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRunning is returned by Supervisor.Start when the source has a live
// process.
var ErrAlreadyRunning = errors.New("scraper already running")

// TransportError wraps a single failed HTTP attempt: network error, timeout,
// or a non-success status. It is retryable by the HTTP client.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedRetriesError surfaces once the HTTP client has spent its whole
// retry budget on one logical call. Callers decide skip-vs-abort.
type ExhaustedRetriesError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted %d attempts for %s: %v", e.Attempts, e.URL, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// PersistenceError wraps a store failure for one page's batch. The crawl loop
// logs it and continues; it never aborts a whole run.
type PersistenceError struct {
	Page int
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist page %d: %v", e.Page, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProxyValidationError records a failed proxy probe. It downgrades proxy
// health and is otherwise advisory.
type ProxyValidationError struct {
	Endpoint string
	Err      error
}

func (e *ProxyValidationError) Error() string {
	return fmt.Sprintf("proxy validation %s: %v", e.Endpoint, e.Err)
}

func (e *ProxyValidationError) Unwrap() error { return e.Err }
