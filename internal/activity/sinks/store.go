// Package sinks provides Sink implementations for the activity Hub.
package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
)

// StoreSink appends every entry to a durable activity.Log. This is the bridge
// that makes a scraper's activity visible to a watchdog running in a
// different OS process.
type StoreSink struct {
	log    activity.Log
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided log.
func NewStoreSink(log activity.Log, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{log: log, logger: logger}
}

// Consume appends the batch in order. A single failed append aborts the batch
// so the Hub can log it; the durable log's own retention handles volume.
func (s *StoreSink) Consume(ctx context.Context, batch []activity.Entry) error {
	if s == nil || s.log == nil {
		return nil
	}
	for _, entry := range batch {
		if err := s.log.Append(ctx, entry); err != nil {
			return fmt.Errorf("append activity entry: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
