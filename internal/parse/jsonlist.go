// Package parse holds reference Parser implementations for the two common
// listing shapes: JSON APIs and server-rendered HTML. Site-specific scrapers
// configure these rather than writing extraction code from scratch.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/harvest"
)

// JSONConfig maps a JSON listing payload onto records. Keys are dot-separated
// paths; ItemsKey may be empty when the top-level value is the items array.
type JSONConfig struct {
	ItemsKey string
	IDKey    string
	TitleKey string
	URLKey   string
}

// JSONList extracts records from JSON listing responses. Malformed items are
// skipped with a warning; only an unparseable document fails the page.
type JSONList struct {
	cfg    JSONConfig
	logger *zap.Logger
}

// NewJSONList constructs a JSONList parser.
func NewJSONList(cfg JSONConfig, logger *zap.Logger) *JSONList {
	if cfg.IDKey == "" {
		cfg.IDKey = "id"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONList{cfg: cfg, logger: logger}
}

// Parse implements harvest.Parser.
func (p *JSONList) Parse(_ context.Context, raw []byte, pctx harvest.ParseContext) ([]harvest.Record, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse json page %d: %w", pctx.Page, err)
	}
	items, err := itemsAt(doc, p.cfg.ItemsKey)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pctx.Page, err)
	}

	now := time.Now().UTC()
	records := make([]harvest.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			p.logger.Warn("skipping non-object item",
				zap.String("source", pctx.Source), zap.Int("page", pctx.Page), zap.Int("index", i))
			continue
		}
		id := stringAt(obj, p.cfg.IDKey)
		if id == "" {
			p.logger.Warn("skipping item without id",
				zap.String("source", pctx.Source), zap.Int("page", pctx.Page), zap.Int("index", i))
			continue
		}
		records = append(records, harvest.Record{
			Source:      pctx.Source,
			ListingType: pctx.ListingType,
			ID:          id,
			URL:         stringAt(obj, p.cfg.URLKey),
			Title:       stringAt(obj, p.cfg.TitleKey),
			Payload:     obj,
			FetchedAt:   now,
		})
	}
	return records, nil
}

// itemsAt walks a dot-separated path to the items array.
func itemsAt(doc any, path string) ([]any, error) {
	cur := doc
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("items path %q: not an object at %q", path, key)
			}
			cur, ok = obj[key]
			if !ok {
				return nil, fmt.Errorf("items path %q: missing key %q", path, key)
			}
		}
	}
	items, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("items path %q: not an array", path)
	}
	return items, nil
}

// stringAt resolves a dot-separated path to a string, rendering numbers so
// numeric IDs survive the round trip.
func stringAt(obj map[string]any, path string) string {
	if path == "" {
		return ""
	}
	keys := strings.Split(path, ".")
	cur := any(obj)
	for _, key := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
