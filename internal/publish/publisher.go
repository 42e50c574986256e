// Package publish notifies downstream consumers about persisted record
// batches over Google Cloud Pub/Sub.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/listharvest/listharvest/internal/harvest"
)

// batchMessage is the wire payload for one persisted batch.
type batchMessage struct {
	Source      string           `json:"source"`
	Count       int              `json:"count"`
	PublishedAt time.Time        `json:"published_at"`
	Records     []harvest.Record `json:"records"`
}

// Publisher publishes persisted record batches to a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// PublishRecords marshals the batch to JSON and publishes it. The message
// attributes carry source and count so subscribers can filter without
// decoding the body.
func (p *Publisher) PublishRecords(ctx context.Context, source string, records []harvest.Record) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	data, err := json.Marshal(batchMessage{
		Source:      source,
		Count:       len(records),
		PublishedAt: time.Now().UTC(),
		Records:     records,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"source": source,
			"count":  strconv.Itoa(len(records)),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}
