// Package api exposes batch submission and pipeline progress over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/maltedev/catalog-extractor/internal/models"
)

const maxRequestBytes = 4 << 20

// OutboxMonitor reports relay backlog for the health check. Optional.
type OutboxMonitor interface {
	Backlog(ctx context.Context) (pending, deadLetter int64, err error)
}

// CatalogCounter reports stored records per site. Optional.
type CatalogCounter interface {
	CountBySite(ctx context.Context, site string) (categories, products int64, err error)
}

type Handlers struct {
	batches *Manager
	outbox  OutboxMonitor
	catalog CatalogCounter
	logger  *slog.Logger
}

func NewHandlers(batches *Manager, outbox OutboxMonitor, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		batches: batches,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
}

// WithCatalog enables GET /api/v1/sites/{site}.
func (h *Handlers) WithCatalog(c CatalogCounter) *Handlers {
	h.catalog = c
	return h
}

// NewRouter mounts the handlers with the standard middleware stack.
func NewRouter(h *Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:*", "https://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", h.CreateBatch)
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/{batchID}", h.GetBatch)
		r.Get("/stats", h.GetStats)
		r.Get("/sites/{site}", h.GetSite)
	})

	return r
}

type JobRequest struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type CreateBatchRequest struct {
	Jobs        []JobRequest `json:"jobs"`
	Concurrency int          `json:"concurrency"`
}

type CreateBatchResponse struct {
	BatchID string      `json:"batch_id"`
	Status  BatchStatus `json:"status"`
	Jobs    int         `json:"jobs"`
}

func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Concurrency < 0 {
		h.respondError(w, http.StatusBadRequest, "concurrency cannot be negative")
		return
	}

	jobs := make([]models.ExtractionJob, 0, len(req.Jobs))
	for i, jr := range req.Jobs {
		kind, err := models.ParseJobKind(jr.Kind)
		if err != nil {
			h.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "index": i})
			return
		}
		u, err := url.Parse(jr.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			h.respondJSON(w, http.StatusBadRequest, map[string]any{"error": "url must be absolute http(s)", "index": i})
			return
		}
		jobs = append(jobs, *models.NewExtractionJob(jr.URL, kind))
	}

	batch, err := h.batches.Submit(jobs, req.Concurrency)
	switch {
	case errors.Is(err, ErrEmptyBatch):
		h.respondError(w, http.StatusBadRequest, "jobs is required")
		return
	case errors.Is(err, ErrBatchTooLarge):
		h.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, ErrShuttingDown):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to submit batch", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}

	w.Header().Set("Location", "/api/v1/batches/"+batch.ID)
	h.respondJSON(w, http.StatusAccepted, CreateBatchResponse{
		BatchID: batch.ID,
		Status:  batch.Status,
		Jobs:    batch.Total,
	})
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		h.respondError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	batch, err := h.batches.Get(batchID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "batch not found")
		return
	}

	h.respondJSON(w, http.StatusOK, batch)
}

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.batches.List())
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.batches.Stats())
}

type SiteCounts struct {
	Site       string `json:"site"`
	Categories int64  `json:"categories"`
	Products   int64  `json:"products"`
}

func (h *Handlers) GetSite(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, http.StatusNotFound, "no catalog configured")
		return
	}

	site := strings.ToLower(chi.URLParam(r, "site"))
	categories, products, err := h.catalog.CountBySite(r.Context(), site)
	if err != nil {
		h.logger.Error("failed to count catalog", "site", site, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to count catalog")
		return
	}

	h.respondJSON(w, http.StatusOK, SiteCounts{Site: site, Categories: categories, Products: products})
}

// Health reports ok unless the outbox has piled up dead letters.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, dead, err := h.outbox.Backlog(r.Context())
		if err != nil {
			h.logger.Warn("failed to count outbox backlog", "error", err)
		}
		health["outbox"] = map[string]int64{"pending": pending, "dead_letter": dead}

		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
		if dead > 100 {
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
