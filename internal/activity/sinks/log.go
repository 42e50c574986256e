package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
)

// LogSink emits structured logs for debugging activity streams. It is useful
// during development or audits where a durable log is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each entry in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []activity.Entry) error {
	for _, entry := range batch {
		fields := []zap.Field{
			zap.String("source", entry.Source),
			zap.String("type", string(entry.Type)),
			zap.String("status", string(entry.Status)),
			zap.Time("ts", entry.TS),
		}
		if len(entry.Details) > 0 {
			fields = append(fields, zap.Any("details", entry.Details))
		}
		s.logger.Info(entry.Message, fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
