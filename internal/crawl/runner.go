// Package crawl drives a single logical crawl, one (source, listing type)
// pair, page by page to completion. Pages are strictly sequential so the
// resume cursor stays deterministic; resilience for individual requests lives
// in the HTTP client underneath.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/pool"
)

// Defaults for policy constants when the config leaves them zero.
const (
	defaultMaxConsecutiveEmptyPages = 5
	defaultHydrateBatchSize         = 50
	defaultDetailConcurrency        = 3
)

// TerminationReason explains why a run ended.
type TerminationReason string

// Supported termination reasons.
const (
	TerminatedPageCeiling  TerminationReason = "page_ceiling"
	TerminatedTotalReached TerminationReason = "total_reached"
	TerminatedEmptyStreak  TerminationReason = "empty_streak"
	TerminatedCanceled     TerminationReason = "canceled"
)

// PageRequest describes how to fetch one page of the listing.
type PageRequest struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
}

// HTTPClient is the resilient client surface the runner depends on.
type HTTPClient interface {
	Get(ctx context.Context, url string) (harvest.FetchResponse, error)
	Post(ctx context.Context, url string, body []byte, headers http.Header) (harvest.FetchResponse, error)
}

// Recorder is the metrics surface the runner feeds.
type Recorder interface {
	RecordStart(source string)
	RecordStop(source string)
	RecordPageScraped(source, category string, page int)
	RecordItems(source string, found, saved, duplicates int)
	RecordError(source, message string)
}

// Hydrator turns lightweight refs from an index page into full records. Used
// by sources whose listing endpoint returns only (id, type) pairs that must
// be hydrated through a second batched call.
type Hydrator interface {
	ParseRefs(ctx context.Context, raw []byte, pctx harvest.ParseContext) ([]harvest.Ref, error)
	Hydrate(ctx context.Context, refs []harvest.Ref) ([]harvest.Record, error)
}

// Detailer enriches one listing with a per-item detail fetch. Optional; when
// set, the runner fans detail calls out through the worker pool before
// persisting each page.
type Detailer interface {
	Detail(ctx context.Context, rec harvest.Record) (harvest.Record, error)
}

// DetailFunc adapts a function to the Detailer interface.
type DetailFunc func(ctx context.Context, rec harvest.Record) (harvest.Record, error)

// Detail implements Detailer.
func (f DetailFunc) Detail(ctx context.Context, rec harvest.Record) (harvest.Record, error) {
	return f(ctx, rec)
}

// Publisher notifies downstream consumers about persisted batches. Optional.
type Publisher interface {
	PublishRecords(ctx context.Context, source string, records []harvest.Record) error
}

// Archiver stores the raw page payload for replay and audits. Optional.
type Archiver interface {
	ArchivePage(ctx context.Context, source, listingType string, page int, body []byte) (string, error)
}

// Config parameterizes one run.
type Config struct {
	Source      string
	ListingType string
	// MaxPages is an explicit page ceiling; 0 means no ceiling.
	MaxPages int
	// MaxConsecutiveEmptyPages ends the run after this many consecutive
	// pages that were empty of new items or failed outright. Empty pages and
	// errors share the one counter so a flaky source cannot loop forever.
	MaxConsecutiveEmptyPages int
	// HydrateBatchSize bounds a single hydration call's payload.
	HydrateBatchSize int
	// DetailConcurrency bounds in-flight detail fetches when a Detailer is
	// configured.
	DetailConcurrency int
	// BuildRequest maps a cursor to the next page request.
	BuildRequest func(cursor harvest.Cursor) PageRequest
	// ReportedTotal optionally extracts the source-reported total item count
	// from a raw page; the run ends once the cumulative offset reaches it.
	ReportedTotal func(resp harvest.FetchResponse) (int, bool)
	// NextToken optionally extracts a continuation token for cursor-driven
	// sources.
	NextToken func(resp harvest.FetchResponse) string
}

func (c Config) validate() error {
	if c.Source == "" {
		return errors.New("crawl: source is required")
	}
	if c.ListingType == "" {
		return errors.New("crawl: listing type is required")
	}
	if c.BuildRequest == nil {
		return errors.New("crawl: build request func is required")
	}
	return nil
}

// Deps collects the runner's collaborators. Parser or Hydrator must be set;
// Publisher and Archiver are optional.
type Deps struct {
	Client   HTTPClient
	Parser   harvest.Parser
	Hydrator Hydrator
	Store    harvest.Store
	Recorder Recorder
	Emitter  activity.Emitter
	Clock    harvest.Clock
	Logger   *zap.Logger

	Detailer  Detailer
	Publisher Publisher
	Archiver  Archiver
}

// Report is the best-effort outcome of a run. A run that terminates early
// still reports the work it completed; multi-hour unattended runs never
// forfeit harvested pages.
type Report struct {
	Session      harvest.SessionID
	PagesScraped int
	ItemsFound   int
	ItemsSaved   int
	Duplicates   int
	LastError    string
	Reason       TerminationReason
}

// Runner executes one crawl run. Construct a fresh Runner per run; the seen
// set is scoped to it.
type Runner struct {
	cfg  Config
	deps Deps
	seen *harvest.SeenIDSet
}

// New validates config and builds a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, errors.New("crawl: http client is required")
	}
	if deps.Parser == nil && deps.Hydrator == nil {
		return nil, errors.New("crawl: parser or hydrator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("crawl: store is required")
	}
	if cfg.MaxConsecutiveEmptyPages <= 0 {
		cfg.MaxConsecutiveEmptyPages = defaultMaxConsecutiveEmptyPages
	}
	if cfg.HydrateBatchSize <= 0 {
		cfg.HydrateBatchSize = defaultHydrateBatchSize
	}
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = defaultDetailConcurrency
	}
	if deps.Emitter == nil {
		deps.Emitter = activity.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, seen: harvest.NewSeenIDSet()}, nil
}

// Run drives the crawl to a termination condition and returns its report.
// The returned error is non-nil only when the session itself could not be
// created; page-level failures degrade to counters inside the report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	session, err := r.deps.Store.CreateSession(ctx, r.cfg.Source, r.cfg.ListingType)
	if err != nil {
		return Report{}, fmt.Errorf("create session: %w", err)
	}
	report := Report{Session: session}
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordStart(r.cfg.Source)
		defer r.deps.Recorder.RecordStop(r.cfg.Source)
	}

	cursor := harvest.Cursor{Page: 1}
	emptyStreak := 0
	reportedTotal := -1

	for {
		switch {
		case ctx.Err() != nil:
			report.Reason = TerminatedCanceled
			return report, nil
		case r.cfg.MaxPages > 0 && cursor.Page > r.cfg.MaxPages:
			report.Reason = TerminatedPageCeiling
			return report, nil
		case reportedTotal >= 0 && cursor.Offset >= reportedTotal:
			report.Reason = TerminatedTotalReached
			return report, nil
		case emptyStreak >= r.cfg.MaxConsecutiveEmptyPages:
			report.Reason = TerminatedEmptyStreak
			return report, nil
		}

		outcome := r.processPage(ctx, cursor, &report)
		if outcome.reportedTotal >= 0 {
			reportedTotal = outcome.reportedTotal
		}
		if outcome.freshItems > 0 {
			emptyStreak = 0
		} else {
			emptyStreak++
		}
		cursor = cursor.Next(outcome.pageItems, outcome.nextToken)
	}
}

type pageOutcome struct {
	// pageItems counts all parsed items on the page, including duplicates,
	// so the offset cursor tracks the source's pagination.
	pageItems     int
	freshItems    int
	reportedTotal int
	nextToken     string
}

func (r *Runner) processPage(ctx context.Context, cursor harvest.Cursor, report *Report) pageOutcome {
	outcome := pageOutcome{reportedTotal: -1}
	page := cursor.Page

	resp, err := r.fetchPage(ctx, cursor)
	if err != nil {
		report.LastError = err.Error()
		r.deps.Logger.Warn("page fetch failed",
			zap.String("source", r.cfg.Source),
			zap.Int("page", page),
			zap.Error(err),
		)
		return outcome
	}
	report.PagesScraped++
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordPageScraped(r.cfg.Source, r.cfg.ListingType, page)
	}
	if r.cfg.ReportedTotal != nil {
		if total, ok := r.cfg.ReportedTotal(resp); ok {
			outcome.reportedTotal = total
		}
	}
	if r.cfg.NextToken != nil {
		outcome.nextToken = r.cfg.NextToken(resp)
	}
	r.archivePage(ctx, page, resp.Body)

	records, err := r.extractRecords(ctx, resp, page)
	if err != nil {
		report.LastError = err.Error()
		r.emitParse(activity.StatusError, "page parse failed", page, err)
		if r.deps.Recorder != nil {
			r.deps.Recorder.RecordError(r.cfg.Source, err.Error())
		}
		return outcome
	}
	outcome.pageItems = len(records)

	fresh := make([]harvest.Record, 0, len(records))
	for _, rec := range records {
		if r.seen.MarkIfNew(rec.Key()) {
			fresh = append(fresh, rec)
		}
	}
	duplicates := len(records) - len(fresh)
	outcome.freshItems = len(fresh)

	if r.deps.Detailer != nil && len(fresh) > 0 {
		fresh = r.fetchDetails(ctx, fresh)
	}

	saved := 0
	if len(fresh) > 0 {
		saved = r.persist(ctx, page, fresh, report)
	}
	report.ItemsFound += len(fresh)
	report.ItemsSaved += saved
	report.Duplicates += duplicates
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordItems(r.cfg.Source, len(fresh), saved, duplicates)
	}
	r.updateSession(ctx, cursor, *report)
	return outcome
}

func (r *Runner) fetchPage(ctx context.Context, cursor harvest.Cursor) (harvest.FetchResponse, error) {
	req := r.cfg.BuildRequest(cursor)
	if req.Method == http.MethodPost {
		return r.deps.Client.Post(ctx, req.URL, req.Body, req.Headers)
	}
	return r.deps.Client.Get(ctx, req.URL)
}

// extractRecords runs either the direct parser or the ref-hydration path.
func (r *Runner) extractRecords(ctx context.Context, resp harvest.FetchResponse, page int) ([]harvest.Record, error) {
	pctx := harvest.ParseContext{
		Source:      r.cfg.Source,
		ListingType: r.cfg.ListingType,
		Page:        page,
		URL:         resp.URL,
	}
	if r.deps.Hydrator == nil {
		return r.deps.Parser.Parse(ctx, resp.Body, pctx)
	}

	refs, err := r.deps.Hydrator.ParseRefs(ctx, resp.Body, pctx)
	if err != nil {
		return nil, err
	}
	records := make([]harvest.Record, 0, len(refs))
	for start := 0; start < len(refs); start += r.cfg.HydrateBatchSize {
		end := start + r.cfg.HydrateBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch, err := r.deps.Hydrator.Hydrate(ctx, refs[start:end])
		if err != nil {
			// A failed batch costs its items, not the page.
			r.emitParse(activity.StatusWarning, "hydration batch failed", page, err)
			r.deps.Logger.Warn("hydration batch failed",
				zap.String("source", r.cfg.Source),
				zap.Int("page", page),
				zap.Int("batch_start", start),
				zap.Error(err),
			)
			continue
		}
		records = append(records, batch...)
	}
	return records, nil
}

// fetchDetails enriches fresh records through the bounded worker pool. A
// failed detail fetch keeps the lightweight record so the page still persists
// what it has.
func (r *Runner) fetchDetails(ctx context.Context, records []harvest.Record) []harvest.Record {
	res := pool.RunAll(ctx, records, r.deps.Detailer.Detail, pool.Options{
		Concurrency: r.cfg.DetailConcurrency,
	})
	out := make([]harvest.Record, len(records))
	for i, outcome := range res.Results {
		if outcome.Err != nil {
			r.deps.Logger.Warn("detail fetch failed",
				zap.String("source", r.cfg.Source),
				zap.String("id", records[i].ID),
				zap.Error(outcome.Err),
			)
			out[i] = records[i]
			continue
		}
		out[i] = outcome.Value
	}
	return out
}

func (r *Runner) persist(ctx context.Context, page int, fresh []harvest.Record, report *Report) int {
	saved, err := r.deps.Store.Upsert(ctx, fresh)
	if err != nil {
		perr := &harvest.PersistenceError{Page: page, Err: err}
		report.LastError = perr.Error()
		r.deps.Logger.Error("page persist failed",
			zap.String("source", r.cfg.Source),
			zap.Int("page", page),
			zap.Error(err),
		)
		r.deps.Emitter.Emit(activity.Entry{
			Source:  r.cfg.Source,
			Type:    activity.TypeDatabase,
			Status:  activity.StatusError,
			Message: "page persist failed",
			Details: map[string]any{"page": page, "error": err.Error()},
			TS:      r.now(),
		})
		if r.deps.Recorder != nil {
			r.deps.Recorder.RecordError(r.cfg.Source, perr.Error())
		}
		return 0
	}
	r.deps.Emitter.Emit(activity.Entry{
		Source:  r.cfg.Source,
		Type:    activity.TypeDatabase,
		Status:  activity.StatusSuccess,
		Message: "page persisted",
		Details: map[string]any{"page": page, "saved": saved},
		TS:      r.now(),
	})
	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.PublishRecords(ctx, r.cfg.Source, fresh); err != nil {
			r.deps.Logger.Warn("publish batch failed",
				zap.String("source", r.cfg.Source),
				zap.Int("page", page),
				zap.Error(err),
			)
		}
	}
	return saved
}

func (r *Runner) archivePage(ctx context.Context, page int, body []byte) {
	if r.deps.Archiver == nil || len(body) == 0 {
		return
	}
	if _, err := r.deps.Archiver.ArchivePage(ctx, r.cfg.Source, r.cfg.ListingType, page, body); err != nil {
		r.deps.Logger.Warn("page archive failed",
			zap.String("source", r.cfg.Source),
			zap.Int("page", page),
			zap.Error(err),
		)
	}
}

func (r *Runner) updateSession(ctx context.Context, cursor harvest.Cursor, report Report) {
	progress := harvest.SessionProgress{
		Cursor:       cursor,
		PagesScraped: report.PagesScraped,
		ItemsFound:   report.ItemsFound,
		ItemsSaved:   report.ItemsSaved,
		Duplicates:   report.Duplicates,
		LastError:    report.LastError,
	}
	if err := r.deps.Store.UpdateSession(ctx, report.Session, progress); err != nil {
		r.deps.Logger.Warn("session update failed",
			zap.String("source", r.cfg.Source),
			zap.Error(err),
		)
	}
}

func (r *Runner) emitParse(status activity.Status, message string, page int, err error) {
	r.deps.Emitter.Emit(activity.Entry{
		Source:  r.cfg.Source,
		Type:    activity.TypeParsing,
		Status:  status,
		Message: message,
		Details: map[string]any{"page": page, "error": err.Error()},
		TS:      r.now(),
	})
}

func (r *Runner) now() time.Time {
	if r.deps.Clock != nil {
		return r.deps.Clock.Now()
	}
	return time.Now().UTC()
}
