// Package main wires together the harvest service binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/activity"
	"github.com/listharvest/listharvest/internal/activity/sinks"
	"github.com/listharvest/listharvest/internal/api"
	"github.com/listharvest/listharvest/internal/clock/system"
	"github.com/listharvest/listharvest/internal/config"
	"github.com/listharvest/listharvest/internal/crawl"
	collyfetch "github.com/listharvest/listharvest/internal/fetch/colly"
	"github.com/listharvest/listharvest/internal/harvest"
	"github.com/listharvest/listharvest/internal/httpclient"
	"github.com/listharvest/listharvest/internal/logging"
	"github.com/listharvest/listharvest/internal/metrics"
	"github.com/listharvest/listharvest/internal/parse"
	"github.com/listharvest/listharvest/internal/proxy"
	"github.com/listharvest/listharvest/internal/publish"
	"github.com/listharvest/listharvest/internal/storage/gcs"
	"github.com/listharvest/listharvest/internal/storage/memory"
	"github.com/listharvest/listharvest/internal/storage/postgres"
	"github.com/listharvest/listharvest/internal/supervisor"
	"github.com/listharvest/listharvest/internal/watchdog"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	scrapeSource := flag.String("scrape", "", "Run one crawl for the named source, then exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *scrapeSource != "" {
		if err := runScrape(ctx, cfg, *scrapeSource, logger); err != nil {
			logger.Error("scrape failed", zap.String("source", *scrapeSource), zap.Error(err))
			os.Exit(1)
		}
		return
	}
	if err := runService(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

// stores bundles the persistence implementations selected by config.
type stores struct {
	listings harvest.Store
	log      activity.Log
	close    func()
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory stores")
		return stores{
			listings: memory.NewListingStore(),
			log:      memory.NewActivityLog(cfg.DB.ActivityRetention),
			close:    func() {},
		}, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return stores{}, err
	}
	listings, err := postgres.NewListingStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	log, err := postgres.NewActivityStore(pool, cfg.DB.ActivityRetention)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	return stores{listings: listings, log: log, close: pool.Close}, nil
}

func buildProxyManager(cfg config.Config, prober harvest.Fetcher, clock harvest.Clock, emitter activity.Emitter, logger *zap.Logger) *proxy.Manager {
	endpoints := make([]proxy.Endpoint, 0, len(cfg.Proxy.Endpoints))
	for _, ep := range cfg.Proxy.Endpoints {
		endpoints = append(endpoints, proxy.Endpoint{
			Host:     ep.Host,
			Port:     ep.Port,
			Username: ep.Username,
			Password: ep.Password,
		})
	}
	return proxy.NewManager(proxy.Config{
		Endpoints:    endpoints,
		ProbeURL:     cfg.Proxy.ProbeURL,
		ProbeTimeout: cfg.ProbeTimeout(),
		Enabled:      cfg.Proxy.Enabled,
	}, prober, clock, emitter, logger.Named("proxy"))
}

func runService(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return err
	}
	hub := activity.NewHub(activity.Config{
		BufferSize:      cfg.Activity.BufferSize,
		MaxBatchEntries: cfg.Activity.MaxBatchEntries,
		MaxBatchWait:    time.Duration(cfg.Activity.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:     context.Background(),
		Logger:          logger.Named("activity"),
	},
		sinks.NewStoreSink(st.log, logger.Named("activity.store")),
		promSink,
		sinks.NewLogSink(logger.Named("activity.log")),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("activity hub close failed", zap.Error(err))
		}
	}()

	clock := system.New()
	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})
	proxies := buildProxyManager(cfg, fetcher, clock, hub, logger)
	if cfg.Proxy.Enabled {
		proxies.Validate(ctx)
	}

	collector := metrics.NewCollector(clock)

	commands := make(map[string]supervisor.Command, len(cfg.Scrapers))
	for name, sc := range cfg.Scrapers {
		commands[name] = supervisor.Command{Path: sc.Path, Args: sc.Args, Dir: sc.Dir}
	}
	// Sources without an explicit launch template run this binary in scrape
	// mode.
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	for name := range cfg.Sources {
		if _, ok := commands[name]; !ok {
			commands[name] = supervisor.Command{Path: self, Args: []string{"-scrape", name}}
		}
	}
	sup := supervisor.New(commands, logger.Named("supervisor"))

	wdSources := cfg.Watchdog.Sources
	if len(wdSources) == 0 {
		for name := range cfg.Sources {
			wdSources = append(wdSources, name)
		}
	}
	wd := watchdog.New(watchdog.Config{
		Interval:             time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second,
		MaxIdleTime:          time.Duration(cfg.Watchdog.MaxIdleMinutes) * time.Minute,
		MaxConsecutiveErrors: cfg.Watchdog.MaxConsecutiveErrors,
		AutoRestart:          cfg.Watchdog.AutoRestart,
		AutoRestartDelay:     time.Duration(cfg.Watchdog.AutoRestartDelaySec) * time.Second,
		Sources:              wdSources,
	}, watchdog.Deps{
		Metrics:    collector,
		Supervisor: sup,
		Clock:      clock,
		Logger:     logger.Named("watchdog"),
		Log:        st.log,
		Reconciler: collector,
	})
	go wd.Run(ctx)

	apiServer := api.NewServer(api.Config{
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
	}, api.Deps{
		Store:      st.listings,
		Log:        st.log,
		Metrics:    collector,
		Proxies:    proxies,
		Watchdog:   wd,
		Supervisor: sup,
		Gatherer:   registry,
		Logger:     logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			// stop the whole service if the listener dies
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(syscall.SIGTERM)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func runScrape(ctx context.Context, cfg config.Config, source string, logger *zap.Logger) error {
	src, ok := cfg.Sources[source]
	if !ok {
		return fmt.Errorf("source %q is not configured", source)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	hub := activity.NewHub(activity.Config{
		BufferSize:      cfg.Activity.BufferSize,
		MaxBatchEntries: cfg.Activity.MaxBatchEntries,
		MaxBatchWait:    time.Duration(cfg.Activity.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:     context.Background(),
		Logger:          logger.Named("activity"),
	},
		sinks.NewStoreSink(st.log, logger.Named("activity.store")),
		sinks.NewLogSink(logger.Named("activity.log")),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("activity hub close failed", zap.Error(err))
		}
	}()

	clock := system.New()
	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})
	proxies := buildProxyManager(cfg, fetcher, clock, hub, logger)
	if cfg.Proxy.Enabled {
		proxies.Validate(ctx)
	}
	collector := metrics.NewCollector(clock)

	client, err := httpclient.New(httpclient.Config{
		Source:            source,
		RateLimitDelay:    cfg.RateLimitDelay(),
		MaxRetries:        cfg.HTTP.MaxRetries,
		RetryDelay:        cfg.RetryDelay(),
		BackoffMultiplier: cfg.HTTP.BackoffMultiplier,
		UseProxy:          src.UseProxy && cfg.Proxy.Enabled,
		Timeout:           cfg.HTTPTimeout(),
	}, httpclient.Deps{
		Fetcher:  fetcher,
		Proxies:  proxies,
		Emitter:  hub,
		Recorder: collector,
		Clock:    clock,
		Logger:   logger.Named("httpclient"),
	})
	if err != nil {
		return err
	}

	parser, err := buildParser(src.Parser, logger.Named("parse"))
	if err != nil {
		return err
	}

	deps := crawl.Deps{
		Client:   client,
		Parser:   parser,
		Store:    st.listings,
		Recorder: collector,
		Emitter:  hub,
		Clock:    clock,
		Logger:   logging.ForSource(logger.Named("crawl"), source),
	}
	if src.DetailURLTemplate != "" {
		deps.Detailer = detailFetcher(client, src.DetailURLTemplate)
	}
	if cfg.Storage.GCSBucket != "" {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer gcsClient.Close()
		archiver, err := gcs.New(gcsClient, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return err
		}
		deps.Archiver = archiver
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer psClient.Close()
		topic := psClient.Topic(cfg.PubSub.TopicName)
		defer topic.Stop()
		deps.Publisher = publish.New(topic)
	}

	maxPages := src.MaxPages
	if maxPages == 0 {
		maxPages = cfg.Crawl.MaxPagesDefault
	}
	runner, err := crawl.New(crawl.Config{
		Source:                   source,
		ListingType:              src.ListingType,
		MaxPages:                 maxPages,
		MaxConsecutiveEmptyPages: cfg.Crawl.MaxConsecutiveEmptyPages,
		HydrateBatchSize:         cfg.Crawl.HydrateBatchSize,
		DetailConcurrency:        cfg.Crawl.DetailConcurrency,
		BuildRequest: func(cursor harvest.Cursor) crawl.PageRequest {
			return crawl.PageRequest{
				Method: http.MethodGet,
				URL:    fmt.Sprintf(src.URLTemplate, cursor.Page),
			}
		},
	}, deps)
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("crawl finished",
		zap.String("source", source),
		zap.String("session", report.Session.String()),
		zap.Int("pages", report.PagesScraped),
		zap.Int("found", report.ItemsFound),
		zap.Int("saved", report.ItemsSaved),
		zap.Int("duplicates", report.Duplicates),
		zap.String("reason", string(report.Reason)),
	)
	return nil
}

// detailFetcher builds a Detailer that fetches each listing's detail endpoint
// and attaches the decoded JSON body to the record payload.
func detailFetcher(client crawl.HTTPClient, template string) crawl.DetailFunc {
	return func(ctx context.Context, rec harvest.Record) (harvest.Record, error) {
		resp, err := client.Get(ctx, fmt.Sprintf(template, rec.ID))
		if err != nil {
			return rec, err
		}
		var detail map[string]any
		if err := json.Unmarshal(resp.Body, &detail); err != nil {
			return rec, fmt.Errorf("decode detail for %s: %w", rec.ID, err)
		}
		if rec.Payload == nil {
			rec.Payload = map[string]any{}
		}
		rec.Payload["detail"] = detail
		return rec, nil
	}
}

func buildParser(cfg config.ParserConfig, logger *zap.Logger) (harvest.Parser, error) {
	switch cfg.Kind {
	case "json":
		return parse.NewJSONList(parse.JSONConfig{
			ItemsKey: cfg.ItemsKey,
			IDKey:    cfg.IDKey,
			TitleKey: cfg.TitleKey,
			URLKey:   cfg.URLKey,
		}, logger), nil
	case "html":
		return parse.NewHTMLList(parse.HTMLConfig{
			ItemSelector:  cfg.ItemSelector,
			IDAttr:        cfg.IDAttr,
			TitleSelector: cfg.TitleSelector,
			LinkSelector:  cfg.LinkSelector,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown parser kind %q", cfg.Kind)
	}
}
