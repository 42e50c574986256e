package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:      8,
		MaxBatchEntries: 2,
		MaxBatchWait:    time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	entry := sampleEntry(StatusSuccess)
	hub.Emit(entry)
	hub.Emit(entry)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:      4,
		MaxBatchEntries: 10,
		MaxBatchWait:    25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEntry(StatusSuccess))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{},
		entries: make(chan Entry),
		logger:  zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEntry(StatusSuccess))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubCountsDropsPerSource attributes backpressure drops to the emitting
// source instead of a single global counter.
func TestHubCountsDropsPerSource(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{},
		entries: make(chan Entry),
		logger:  zap.NewNop(),
	}
	for i := 0; i < 3; i++ {
		hub.Emit(sampleEntry(StatusSuccess))
	}
	other := sampleEntry(StatusError)
	other.Source = "othersite"
	hub.Emit(other)

	dropped := hub.Dropped()
	require.Equal(t, int64(3), dropped["jobsite"])
	require.Equal(t, int64(1), dropped["othersite"])
}

// TestHubFlushOnClose ensures Close drains any buffered entries before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:      4,
		MaxBatchEntries: 100,
		MaxBatchWait:    time.Minute,
	}, sink)

	hub.Emit(sampleEntry(StatusRetry))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubDiscardsInvalidEntries ensures malformed entries never reach sinks.
func TestHubDiscardsInvalidEntries(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:      4,
		MaxBatchEntries: 1,
		MaxBatchWait:    time.Minute,
	}, sink)

	hub.Emit(Entry{Type: TypeHTTPRequest, Status: StatusSuccess})

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestEntryValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEntry(StatusError).Validate())

	missingSource := sampleEntry(StatusSuccess)
	missingSource.Source = ""
	require.Error(t, missingSource.Validate())

	badType := sampleEntry(StatusSuccess)
	badType.Type = "bogus"
	require.Error(t, badType.Validate())

	badStatus := sampleEntry("nope")
	require.Error(t, badStatus.Validate())
}

func sampleEntry(status Status) Entry {
	return Entry{
		Source:  "jobsite",
		Type:    TypeHTTPRequest,
		Status:  status,
		Message: "request finished",
		TS:      time.Now().UTC(),
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Entry
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Entry{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Entry(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Entry, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Entry(nil), b...)
	}
	return out
}
