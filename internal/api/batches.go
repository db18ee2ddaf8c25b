package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/pipeline"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrEmptyBatch    = errors.New("batch has no jobs")
	ErrBatchTooLarge = errors.New("batch exceeds the queue limit")
	ErrShuttingDown  = errors.New("server is shutting down")
)

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
)

// Runner executes a batch. *pipeline.Orchestrator satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, jobs []models.ExtractionJob, concurrency int) []models.Outcome
	Stats() pipeline.Stats
}

type Batch struct {
	ID          string           `json:"id"`
	Status      BatchStatus      `json:"status"`
	Concurrency int              `json:"concurrency"`
	Total       int              `json:"total"`
	Finished    int              `json:"finished"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Categories  int              `json:"categories"`
	Products    int              `json:"products"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Outcomes    []models.Outcome `json:"outcomes,omitempty"`

	jobs []models.ExtractionJob
}

// summary drops the outcomes for list responses.
func (b *Batch) summary() Batch {
	out := *b
	out.Outcomes = nil
	out.jobs = nil
	return out
}

// Manager runs submitted batches in the background and tracks their
// progress. It is also the pipeline observer, so counts move while a batch is
// still running.
type Manager struct {
	mu       sync.RWMutex
	runner   Runner
	batches  map[string]*Batch
	jobIndex map[string]string
	maxJobs  int
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

func NewManager(maxJobs int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		batches:  make(map[string]*Batch),
		jobIndex: make(map[string]string),
		maxJobs:  maxJobs,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "batch_manager"),
	}
}

// SetRunner binds the pipeline. The orchestrator takes the manager as its
// observer, so the two are wired after construction.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

// Submit registers a batch and starts it. It returns as soon as the batch is
// queued.
func (m *Manager) Submit(jobs []models.ExtractionJob, concurrency int) (*Batch, error) {
	if len(jobs) == 0 {
		return nil, ErrEmptyBatch
	}
	if m.maxJobs > 0 && len(jobs) > m.maxJobs {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(jobs), m.maxJobs)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.runner == nil {
		m.mu.Unlock()
		return nil, errors.New("no pipeline configured")
	}

	b := &Batch{
		ID:          uuid.New().String(),
		Status:      BatchPending,
		Concurrency: concurrency,
		Total:       len(jobs),
		CreatedAt:   time.Now(),
		jobs:        jobs,
	}
	m.batches[b.ID] = b
	for _, j := range jobs {
		m.jobIndex[j.ID] = b.ID
	}
	runner := m.runner
	snapshot := b.summary()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("batch submitted", "batch", b.ID, "jobs", len(jobs), "concurrency", concurrency)

	go m.run(runner, b)

	return &snapshot, nil
}

func (m *Manager) run(runner Runner, b *Batch) {
	defer m.wg.Done()

	m.mu.Lock()
	now := time.Now()
	b.Status = BatchRunning
	b.StartedAt = &now
	jobs := b.jobs
	m.mu.Unlock()

	outcomes := runner.RunBatch(m.ctx, jobs, b.Concurrency)

	m.mu.Lock()
	done := time.Now()
	b.Status = BatchCompleted
	b.CompletedAt = &done
	b.Outcomes = outcomes
	b.jobs = nil
	for _, j := range jobs {
		delete(m.jobIndex, j.ID)
	}
	succeeded, failed := b.Succeeded, b.Failed
	m.mu.Unlock()

	m.logger.Info("batch completed",
		"batch", b.ID,
		"succeeded", succeeded,
		"failed", failed,
		"duration", done.Sub(now))
}

func (m *Manager) Get(id string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	out := *b
	out.jobs = nil
	out.Outcomes = append([]models.Outcome(nil), b.Outcomes...)
	return &out, nil
}

// List returns batch summaries, newest first.
func (m *Manager) List() []Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Stats() pipeline.Stats {
	m.mu.RLock()
	r := m.runner
	m.mu.RUnlock()
	if r == nil {
		return pipeline.Stats{}
	}
	return r.Stats()
}

// Shutdown stops accepting batches and waits for running ones. When ctx
// expires first, running batches are cancelled and their queued jobs are
// reported as Cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) CategoryStored(job models.ExtractionJob, _ models.Category) {
	m.update(job.ID, func(b *Batch) { b.Categories++ })
}

func (m *Manager) ProductStored(job models.ExtractionJob, _ models.ProductCandidate) {
	m.update(job.ID, func(b *Batch) { b.Products++ })
}

func (m *Manager) JobFinished(o models.Outcome) {
	m.update(o.Job.ID, func(b *Batch) {
		b.Finished++
		if o.Succeeded() {
			b.Succeeded++
		} else {
			b.Failed++
		}
	})
}

func (m *Manager) update(jobID string, fn func(*Batch)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.jobIndex[jobID]
	if !ok {
		return
	}
	if b, ok := m.batches[id]; ok {
		fn(b)
	}
}
