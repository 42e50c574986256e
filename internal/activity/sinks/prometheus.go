package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/listharvest/listharvest/internal/activity"
)

// PrometheusSink exports activity counters and latency histograms. It owns all
// collectors so composition can register it against any registry.
type PrometheusSink struct {
	entriesTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_activity_entries_total",
			Help: "Activity entries partitioned by source, type, and status.",
		}, []string{"source", "type", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_request_duration_seconds",
			Help:    "Outbound request latency partitioned by source and status.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_request_retries_total",
			Help: "Retry attempts partitioned by source.",
		}, []string{"source"}),
	}
	for _, collector := range []prometheus.Collector{
		s.entriesTotal,
		s.requestDuration,
		s.retriesTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []activity.Entry) error {
	for _, entry := range batch {
		s.consumeEntry(entry)
	}
	return nil
}

func (s *PrometheusSink) consumeEntry(entry activity.Entry) {
	s.entriesTotal.WithLabelValues(entry.Source, string(entry.Type), string(entry.Status)).Inc()
	if entry.Type == activity.TypeHTTPRequest {
		if entry.Status == activity.StatusRetry {
			s.retriesTotal.WithLabelValues(entry.Source).Inc()
		}
		if latency, ok := latencyFromDetails(entry.Details); ok {
			s.requestDuration.WithLabelValues(entry.Source, string(entry.Status)).Observe(latency.Seconds())
		}
	}
}

func latencyFromDetails(details map[string]any) (time.Duration, bool) {
	if details == nil {
		return 0, false
	}
	switch v := details["latency_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
