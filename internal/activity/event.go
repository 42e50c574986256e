// Package activity defines the append-only activity stream emitted by every
// component of the harvest engine. Entries flow through a non-blocking Hub to
// registered sinks; the durable sink doubles as the cross-process shared log
// that lets a watchdog in one process observe a scraper in another.
package activity

import (
	"errors"
	"fmt"
	"time"
)

// Type categorizes what kind of work an entry describes.
type Type string

// Supported entry types.
const (
	TypeHTTPRequest Type = "http_request"
	TypeParsing     Type = "parsing"
	TypeDatabase    Type = "database"
	TypeError       Type = "error"
	TypeProxy       Type = "proxy"
)

// Status is the outcome recorded for an entry.
type Status string

// Supported entry statuses.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
	StatusRetry   Status = "retry"
)

// Entry is one activity event. Details carries low-volume structured context
// such as latency, page number, or attempt count.
type Entry struct {
	Source  string         `json:"source"`
	Type    Type           `json:"type"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Validate performs coarse validation on Entry payloads.
func (e Entry) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeHTTPRequest, TypeParsing, TypeDatabase, TypeError, TypeProxy:
	default:
		return fmt.Errorf("unknown entry type %q", e.Type)
	}
	switch e.Status {
	case StatusSuccess, StatusError, StatusWarning, StatusRetry:
	default:
		return fmt.Errorf("unknown entry status %q", e.Status)
	}
	return nil
}

// Filter narrows Query calls against a Log.
type Filter struct {
	Source string
	Type   Type
	Status Status
	Since  time.Time
	Limit  int
}
