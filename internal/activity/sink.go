package activity

import "context"

// Sink consumes batches of activity entries. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Entry) error
	Close(ctx context.Context) error
}

// Emitter publishes individual entries; Hub satisfies this interface so the
// HTTP client and crawl loop stay agnostic about buffering and persistence.
type Emitter interface {
	Emit(entry Entry)
}

// Log is the durable, append-only, cross-process activity record. Query
// returns entries ordered newest-first; implementations enforce a bounded
// retention cap by evicting the oldest entries.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// NopEmitter discards every entry; useful in tests and one-shot tools.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Entry) {}
