// Package pool runs N independent per-item fetches under a fixed concurrency
// bound. It is used when a crawl expands into one HTTP call per item (detail
// pages discovered from a sitemap) rather than one call per page.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultProgressEvery = 100

// Progress carries completion counts to the caller's callback.
type Progress struct {
	Completed  int
	Total      int
	Successful int
	Failed     int
}

// Options controls a RunAll invocation.
type Options struct {
	Concurrency int
	// ProgressEvery sets the completion cadence for OnProgress (default 100);
	// OnProgress also fires once at exhaustion.
	ProgressEvery int
	OnProgress    func(Progress)
}

// Outcome is the per-item result slot. Index always matches the input slice;
// completion order does not.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Result aggregates a full RunAll. FailedItems preserves the inputs whose
// fetch failed so the caller can log or requeue them; nothing is silently
// dropped.
type Result[I, T any] struct {
	Results      []Outcome[T]
	SuccessCount int
	FailureCount int
	FailedItems  []I
}

// RunAll fetches every item with at most opts.Concurrency calls in flight.
// Workers claim the next index atomically and loop until the list is
// exhausted; this is deliberately simpler than a work-stealing queue because
// item cost is roughly uniform and the real bottleneck is the rate limiter
// inside the shared HTTP client. A single item's failure is recorded, never
// fatal to the pool.
func RunAll[I, T any](
	ctx context.Context,
	items []I,
	fetchOne func(ctx context.Context, item I) (T, error),
	opts Options,
) Result[I, T] {
	res := Result[I, T]{Results: make([]Outcome[T], len(items))}
	if len(items) == 0 {
		return res
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}
	progressEvery := opts.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = defaultProgressEvery
	}

	var (
		next      atomic.Int64
		completed atomic.Int64
		succeeded atomic.Int64
		failed    atomic.Int64
		failedMu  sync.Mutex
		wg        sync.WaitGroup
	)

	report := func() {
		if opts.OnProgress == nil {
			return
		}
		opts.OnProgress(Progress{
			Completed:  int(completed.Load()),
			Total:      len(items),
			Successful: int(succeeded.Load()),
			Failed:     int(failed.Load()),
		})
	}

	wg.Add(concurrency)
	for w := 0; w < concurrency; w++ {
		go func() {
			defer wg.Done()
			for {
				idx := int(next.Add(1)) - 1
				if idx >= len(items) {
					return
				}
				value, err := fetchOne(ctx, items[idx])
				res.Results[idx] = Outcome[T]{Value: value, Err: err}
				if err != nil {
					failed.Add(1)
					failedMu.Lock()
					res.FailedItems = append(res.FailedItems, items[idx])
					failedMu.Unlock()
				} else {
					succeeded.Add(1)
				}
				if done := completed.Add(1); done%int64(progressEvery) == 0 {
					report()
				}
			}
		}()
	}
	wg.Wait()

	res.SuccessCount = int(succeeded.Load())
	res.FailureCount = int(failed.Load())
	report()
	return res
}
