package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-extractor/internal/ai"
	"github.com/maltedev/catalog-extractor/internal/api"
	"github.com/maltedev/catalog-extractor/internal/browser"
	"github.com/maltedev/catalog-extractor/internal/category"
	"github.com/maltedev/catalog-extractor/internal/config"
	"github.com/maltedev/catalog-extractor/internal/database"
	"github.com/maltedev/catalog-extractor/internal/events"
	"github.com/maltedev/catalog-extractor/internal/fetch"
	"github.com/maltedev/catalog-extractor/internal/parser"
	"github.com/maltedev/catalog-extractor/internal/pipeline"
	"github.com/maltedev/catalog-extractor/internal/product"
	"github.com/maltedev/catalog-extractor/internal/ratelimit"
	"github.com/maltedev/catalog-extractor/internal/storage"
	"github.com/maltedev/catalog-extractor/internal/store"
)

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// app owns every long-lived resource a command needs. close releases them in
// reverse order of acquisition.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	sinks   map[string]pipeline.Sink
	closers []func() error
}

func newApp(cfg *config.Config) *app {
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

// database connects and migrates once per app.
func (a *app) database(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.New(ctx, database.ConfigFrom(a.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	a.onClose(func() error { db.Close(); return nil })
	a.db = db
	return db, nil
}

func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.onClose(client.Close)
	return client, nil
}

func (a *app) relay(ctx context.Context) (*database.Relay, error) {
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	client, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}
	return database.NewRelay(db, client, a.logger, database.RelayConfig{
		PollInterval: a.cfg.Relay.PollInterval,
		BatchSize:    a.cfg.Relay.BatchSize,
		Stream:       a.cfg.Relay.Stream,
	}), nil
}

func (a *app) browserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = a.cfg.Browser.Headless
	opts.Timeout = a.cfg.Browser.Timeout
	opts.ViewportWidth = a.cfg.Browser.ViewportWidth
	opts.ViewportHeight = a.cfg.Browser.ViewportHeight
	opts.Locale = a.cfg.Browser.Locale
	opts.TimezoneID = a.cfg.Browser.TimezoneID
	opts.AcceptLanguage = a.cfg.Fetcher.AcceptLanguage
	if len(a.cfg.Fetcher.UserAgents) > 0 {
		opts.UserAgent = a.cfg.Fetcher.UserAgents[0]
	}
	return opts
}

// renderer returns nil when BROWSER_ENGINE is none, which leaves the fetcher
// static-only.
func (a *app) renderer() (browser.Renderer, error) {
	switch a.cfg.Browser.Engine {
	case "playwright":
		b, err := browser.New(a.browserOptions(), a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(b.Close)
		return b, nil
	case "chromedp":
		r := browser.NewChromeRenderer(a.browserOptions(), a.logger)
		a.onClose(r.Close)
		return r, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", a.cfg.Browser.Engine)
}

// sink opens each sink kind once per app.
func (a *app) sink(ctx context.Context, kind string) (pipeline.Sink, error) {
	if s, ok := a.sinks[kind]; ok {
		return s, nil
	}
	s, err := a.openSink(ctx, kind)
	if err != nil {
		return nil, err
	}
	if a.sinks == nil {
		a.sinks = make(map[string]pipeline.Sink)
	}
	a.sinks[kind] = s
	return s, nil
}

func (a *app) openSink(ctx context.Context, kind string) (pipeline.Sink, error) {
	switch kind {
	case "file":
		fs, err := storage.NewFileSink(a.cfg.Sink.OutputDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite":
		s, err := store.Open(a.cfg.Sink.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.onClose(s.Close)
		return s, nil
	case "postgres":
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return events.NewPublisher(db, a.cfg.Relay.Stream, a.logger), nil
	case "multi":
		var sinks pipeline.MultiSink
		for _, k := range []string{"postgres", "sqlite", "file"} {
			s, err := a.sink(ctx, k)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
		return sinks, nil
	}
	return nil, fmt.Errorf("unknown sink type %q", kind)
}

// catalog counts stored records for the API. Postgres-backed sinks are counted
// in the database; the file and sqlite sinks count themselves.
func (a *app) catalog(ctx context.Context, kind string) (api.CatalogCounter, error) {
	if usesOutbox(kind) {
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return database.NewCatalogRepository(db), nil
	}
	s, err := a.sink(ctx, kind)
	if err != nil {
		return nil, err
	}
	c, ok := s.(api.CatalogCounter)
	if !ok {
		return nil, fmt.Errorf("sink %q cannot count its catalog", kind)
	}
	return c, nil
}

// classifier is the AI collaborator, or Noop when no endpoint is configured.
func (a *app) classifier() interface {
	category.Classifier
	parser.DimensionClassifier
} {
	if !a.cfg.AI.Enabled() {
		return ai.Noop{}
	}
	return ai.NewClient(ai.Config{
		Endpoint:    a.cfg.AI.Endpoint,
		APIKey:      a.cfg.AI.APIKey,
		Model:       a.cfg.AI.Model,
		Timeout:     a.cfg.AI.Timeout,
		MinInterval: a.cfg.AI.MinInterval,
	}, a.logger)
}

func (a *app) fetcher(renderer browser.Renderer) *fetch.Fetcher {
	fc := a.cfg.Fetcher
	limiter := ratelimit.NewHostRateLimiter(ratelimit.HostOptions{
		RequestsPerSecond: a.cfg.RateLimit.PerHostRPS,
		Burst:             a.cfg.RateLimit.Burst,
		JitterMin:         a.cfg.RateLimit.JitterMin,
		JitterMax:         a.cfg.RateLimit.JitterMax,
	})
	return fetch.New(fetch.Config{
		Timeout:        fc.Timeout,
		MaxRetries:     fc.MaxRetries,
		BackoffBase:    fc.BackoffBase,
		BackoffMax:     fc.BackoffMax,
		UserAgents:     fc.UserAgents,
		AcceptLanguage: fc.AcceptLanguage,
		MaxBodyBytes:   fc.MaxBodyBytes,
		RespectRobots:  fc.RespectRobots,
		Viewport:       browser.Viewport{Width: a.cfg.Browser.ViewportWidth, Height: a.cfg.Browser.ViewportHeight},
		Scroll:         a.cfg.Browser.Scroll,
	}, renderer, limiter, a.logger)
}

// pipeline assembles the orchestrator. observer may be nil.
func (a *app) pipeline(ctx context.Context, sinkKind string, observer pipeline.Observer) (*pipeline.Orchestrator, error) {
	renderer, err := a.renderer()
	if err != nil {
		return nil, err
	}

	sink, err := a.sink(ctx, sinkKind)
	if err != nil {
		return nil, err
	}

	classifier := a.classifier()

	categories, err := category.NewExtractor(category.Options{
		EscalationThreshold: a.cfg.Category.EscalationThreshold,
		MinAnchors:          a.cfg.Category.MinAnchors,
		MaxSnippets:         a.cfg.Category.MaxSnippets,
		DenyGlobs:           a.cfg.Category.ExtraDenyGlobs,
	}, classifier, a.logger)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Fetcher:    a.fetcher(renderer),
		Categories: categories,
		Products:   product.NewExtractor(a.logger),
		Dimensions: parser.NewDimensionExtractor(classifier, a.logger),
		Sink:       sink,
		Observer:   observer,
	}

	return pipeline.New(pipeline.Config{Workers: a.cfg.Pipeline.Workers}, deps, a.logger), nil
}

var errNoJobs = errors.New("no jobs given: use --url or --file")
