package parse

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/harvest"
)

// HTMLConfig maps a server-rendered listing page onto records.
type HTMLConfig struct {
	// ItemSelector matches one listing card.
	ItemSelector string
	// IDAttr names the attribute on the card carrying the listing id,
	// e.g. "data-id".
	IDAttr string
	// TitleSelector and LinkSelector are resolved within each card.
	TitleSelector string
	LinkSelector  string
}

// HTMLList extracts records from HTML listing pages with goquery. Cards
// missing an id are skipped with a warning; only an unparseable document
// fails the page.
type HTMLList struct {
	cfg    HTMLConfig
	logger *zap.Logger
}

// NewHTMLList constructs an HTMLList parser.
func NewHTMLList(cfg HTMLConfig, logger *zap.Logger) (*HTMLList, error) {
	if cfg.ItemSelector == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = "data-id"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTMLList{cfg: cfg, logger: logger}, nil
}

// Parse implements harvest.Parser.
func (p *HTMLList) Parse(_ context.Context, raw []byte, pctx harvest.ParseContext) ([]harvest.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html page %d: %w", pctx.Page, err)
	}

	now := time.Now().UTC()
	var records []harvest.Record
	doc.Find(p.cfg.ItemSelector).Each(func(i int, sel *goquery.Selection) {
		id := strings.TrimSpace(sel.AttrOr(p.cfg.IDAttr, ""))
		if id == "" {
			p.logger.Warn("skipping card without id",
				zap.String("source", pctx.Source), zap.Int("page", pctx.Page), zap.Int("index", i))
			return
		}
		rec := harvest.Record{
			Source:      pctx.Source,
			ListingType: pctx.ListingType,
			ID:          id,
			FetchedAt:   now,
		}
		if p.cfg.TitleSelector != "" {
			rec.Title = strings.TrimSpace(sel.Find(p.cfg.TitleSelector).First().Text())
		}
		if p.cfg.LinkSelector != "" {
			rec.URL = sel.Find(p.cfg.LinkSelector).First().AttrOr("href", "")
		}
		records = append(records, rec)
	})
	return records, nil
}
