// Package pipeline runs extraction jobs through fetch, extract, enrich and
// store on a fixed pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/maltedev/catalog-extractor/internal/dom"
	"github.com/maltedev/catalog-extractor/internal/fetch"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/parser"
	"github.com/maltedev/catalog-extractor/internal/queue"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

const siteTextMax = 6000

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) models.FetchResult
}

type CategoryExtractor interface {
	Extract(ctx context.Context, markup, baseURL string) ([]models.Category, error)
}

type ProductExtractor interface {
	Extract(markup, baseURL string) ([]models.ProductCandidate, error)
}

type DimensionEnricher interface {
	Extract(ctx context.Context, req parser.DimensionRequest) *string
}

// Deps are the collaborators of an Orchestrator. Dimensions and Observer are
// optional.
type Deps struct {
	Fetcher    Fetcher
	Categories CategoryExtractor
	Products   ProductExtractor
	Dimensions DimensionEnricher
	Sink       Sink
	Observer   Observer
}

type Config struct {
	Workers      int
	FetchOptions fetch.Options
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	stats  counters
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if deps.Sink == nil {
		deps.Sink = DiscardSink{}
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// Stats returns the counters accumulated over every batch run so far.
func (o *Orchestrator) Stats() Stats {
	return o.stats.snapshot()
}

// RunBatch processes jobs with at most concurrency workers and returns one
// outcome per job, in input order. When ctx is cancelled, jobs that have not
// started are reported as failed with kind Cancelled.
func (o *Orchestrator) RunBatch(ctx context.Context, jobs []models.ExtractionJob, concurrency int) []models.Outcome {
	outcomes := make([]models.Outcome, len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}

	if concurrency <= 0 {
		concurrency = o.cfg.Workers
	}
	concurrency = min(concurrency, len(jobs))

	q := queue.NewInMemoryQueue(0)
	started := make([]bool, len(jobs))
	tasks := make([]*queue.Task, len(jobs))
	for i := range jobs {
		job := jobs[i]
		job.State = models.JobQueued
		outcomes[i] = cancelled(job)
		tasks[i] = &queue.Task{Index: i, Job: &job}
	}
	if err := q.PushBatch(tasks); err != nil {
		o.logger.Error("failed to enqueue batch", "error", err)
	}
	q.Close()
	o.stats.queued.Add(int64(len(jobs)))

	o.logger.Info("batch started", "jobs", len(jobs), "workers", concurrency)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, err := q.Pop(ctx)
				if err != nil {
					return
				}
				if ctx.Err() != nil {
					return
				}
				started[task.Index] = true
				o.stats.queued.Add(-1)
				// A started job runs to completion; cancel only discards the queue.
				outcomes[task.Index] = o.process(context.WithoutCancel(ctx), worker, *task.Job)
			}
		}(w)
	}
	wg.Wait()

	var succeeded, failed, skipped int
	for i := range outcomes {
		if !started[i] {
			skipped++
			o.stats.queued.Add(-1)
			o.stats.failed.Add(1)
			o.notify(outcomes[i])
		}
		if outcomes[i].Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}

	o.logger.Info("batch finished",
		"jobs", len(jobs),
		"succeeded", succeeded,
		"failed", failed,
		"cancelled", skipped,
		"duration", time.Since(start))
	return outcomes
}

func cancelled(job models.ExtractionJob) models.Outcome {
	job.State = models.JobFailed
	return models.Outcome{
		Job:       job,
		State:     models.JobFailed,
		ErrorKind: string(scraper.KindCancelled),
		Error:     scraper.ErrCancelled.Error(),
	}
}

// process runs one job to a terminal state. A panic anywhere below becomes a
// failed outcome of kind Internal.
func (o *Orchestrator) process(ctx context.Context, worker int, job models.ExtractionJob) (out models.Outcome) {
	start := time.Now()
	job.State = models.JobRunning
	o.stats.running.Add(1)
	logger := o.logger.With("job", job.ID, "url", job.URL, "kind", job.Kind, "worker", worker)
	logger.Info("job running")

	out = models.Outcome{Job: job, State: models.JobRunning}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			out = fail(out, fmt.Errorf("panic: %v", r))
			out.ErrorKind = string(scraper.KindInternal)
		}
		out.Duration = time.Since(start)
		out.Job.State = out.State

		o.stats.running.Add(-1)
		if out.Succeeded() {
			o.stats.succeeded.Add(1)
			logger.Info("job succeeded",
				"categories", len(out.Categories),
				"products", len(out.Products),
				"strategy", out.Strategy,
				"attempts", out.Attempts,
				"duration", out.Duration)
		} else {
			o.stats.failed.Add(1)
			logger.Warn("job failed", "error_kind", out.ErrorKind, "error", out.Error, "duration", out.Duration)
		}
		o.notify(out)
	}()

	res := o.deps.Fetcher.Fetch(ctx, job.URL, o.cfg.FetchOptions)
	out.Strategy = res.StrategyUsed
	out.Attempts = res.Attempts
	if !res.OK() {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("fetch ended with status %s: %w", res.Status, scraper.ErrNetworkError)
		}
		return fail(out, err)
	}
	markup := res.Body()

	var err error
	switch job.Kind {
	case models.KindCategoryDiscovery:
		out.Categories, err = o.runCategories(ctx, job, markup)
	case models.KindProductPage:
		out.Products, err = o.runProducts(ctx, job, markup)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if err != nil {
		return fail(out, err)
	}

	out.State = models.JobSucceeded
	return out
}

func (o *Orchestrator) runCategories(ctx context.Context, job models.ExtractionJob, markup string) ([]models.Category, error) {
	cats, err := o.deps.Categories.Extract(ctx, markup, job.URL)
	if err != nil {
		o.logger.Warn("category extraction failed", "job", job.ID, "error", err)
		return []models.Category{}, nil
	}

	for _, c := range cats {
		if err := o.deps.Sink.StoreCategory(ctx, c); err != nil {
			return cats, persistenceError(err)
		}
		o.stats.categories.Add(1)
		if o.deps.Observer != nil {
			o.deps.Observer.CategoryStored(job, c)
		}
	}
	return cats, nil
}

func (o *Orchestrator) runProducts(ctx context.Context, job models.ExtractionJob, markup string) ([]models.ProductCandidate, error) {
	products, err := o.deps.Products.Extract(markup, job.URL)
	if err != nil {
		o.logger.Warn("product extraction failed", "job", job.ID, "error", err)
		return []models.ProductCandidate{}, nil
	}

	o.enrich(ctx, job, markup, products)

	for _, p := range products {
		if err := o.deps.Sink.StoreProduct(ctx, p); err != nil {
			return products, persistenceError(err)
		}
		o.stats.products.Add(1)
		if o.deps.Observer != nil {
			o.deps.Observer.ProductStored(job, p)
		}
	}
	return products, nil
}

// enrich fills missing dimensions. The condensed site text is only used as a
// fallback source on single-product pages, where it cannot belong to another
// product.
func (o *Orchestrator) enrich(ctx context.Context, job models.ExtractionJob, markup string, products []models.ProductCandidate) {
	if o.deps.Dimensions == nil {
		return
	}

	var hint string
	if u, err := url.Parse(job.URL); err == nil {
		hint = u.Hostname()
	}

	var fallbacks []string
	if len(products) == 1 && products[0].Dimensions == nil {
		if doc, err := dom.Parse(markup); err == nil {
			if text := doc.SiteText(siteTextMax); text != "" {
				fallbacks = []string{text}
			}
		}
	}

	for i := range products {
		p := &products[i]
		if p.Dimensions != nil {
			continue
		}
		p.Dimensions = o.deps.Dimensions.Extract(ctx, parser.DimensionRequest{
			Text:      p.Title + " " + p.Description,
			Fallbacks: fallbacks,
			SiteHint:  hint,
		})
	}
}

func (o *Orchestrator) notify(out models.Outcome) {
	if o.deps.Observer != nil {
		o.deps.Observer.JobFinished(out)
	}
}

func fail(out models.Outcome, err error) models.Outcome {
	out.State = models.JobFailed
	out.ErrorKind = string(scraper.KindOf(err))
	out.Error = err.Error()
	if errors.Is(err, context.Canceled) {
		out.ErrorKind = string(scraper.KindCancelled)
	}
	return out
}
