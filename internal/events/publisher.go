// Package events stores catalog records in Postgres and queues a matching
// event in the transactional outbox within the same transaction.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/maltedev/catalog-extractor/internal/database"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

type EventType string

const (
	EventTypeCategoryDiscovered EventType = "CATEGORY_DISCOVERED"
	EventTypeProductExtracted   EventType = "PRODUCT_EXTRACTED"
)

const source = database.EventSource

type CategoryDiscoveredPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Origin      string    `json:"origin"`
	Site        string    `json:"site"`
	Source      string    `json:"source"`
}

type ProductExtractedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Price       *Price    `json:"price,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Dimensions  *string   `json:"dimensions,omitempty"`
	SourceURL   string    `json:"source_url"`
	Site        string    `json:"site"`
	New         bool      `json:"new"`
	Source      string    `json:"source"`
}

type Price struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	Raw      string          `json:"raw,omitempty"`
}

type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type CatalogWriter interface {
	UpsertCategoryTx(ctx context.Context, tx pgx.Tx, rec *database.CategoryRecord) (bool, error)
	UpsertProductTx(ctx context.Context, tx pgx.Tx, rec *database.ProductRecord) (bool, error)
}

type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher is a pipeline sink. A category produces an event only the first
// time it is seen; every product extraction produces one.
type Publisher struct {
	db      TxRunner
	catalog CatalogWriter
	outbox  OutboxWriter
	stream  string
	logger  *slog.Logger
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewCatalogRepository(db), database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(db TxRunner, catalog CatalogWriter, outbox OutboxWriter, stream string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if stream == "" {
		stream = database.DefaultStream
	}
	return &Publisher{
		db:      db,
		catalog: catalog,
		outbox:  outbox,
		stream:  stream,
		logger:  logger.With("component", "event_publisher"),
	}
}

func (p *Publisher) StoreCategory(ctx context.Context, c models.Category) error {
	rec := &database.CategoryRecord{
		Fingerprint: c.Fingerprint(),
		Name:        c.Name,
		URL:         c.URL,
		SourceKey:   c.SourceKey,
		Origin:      string(c.Origin),
		Site:        siteOf(c.URL),
		SeenAt:      c.DiscoveredAt,
	}

	payload := &CategoryDiscoveredPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeCategoryDiscovered),
		Timestamp:   time.Now(),
		Fingerprint: rec.Fingerprint,
		Name:        rec.Name,
		URL:         rec.URL,
		Origin:      rec.Origin,
		Site:        rec.Site,
		Source:      source,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var inserted bool
	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		var err error
		if inserted, err = p.catalog.UpsertCategoryTx(ctx, tx, rec); err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		return p.outbox.InsertWithTx(ctx, tx, &database.OutboxEvent{
			AggregateType: "category",
			AggregateID:   rec.Fingerprint,
			EventType:     payload.EventType,
			Payload:       data,
			TargetStream:  p.stream,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to store category: %v: %w", err, scraper.ErrPersistenceFailure)
	}

	if inserted {
		p.logger.Info("category published to outbox",
			"event_id", payload.EventID,
			"name", rec.Name,
			"site", rec.Site)
	}
	return nil
}

func (p *Publisher) StoreProduct(ctx context.Context, c models.ProductCandidate) error {
	rec := &database.ProductRecord{
		Fingerprint:     c.Fingerprint(),
		Title:           c.Title,
		PriceRaw:        c.PriceRaw,
		PriceNormalized: c.PriceNormalized,
		Currency:        c.Currency,
		ImageURLs:       c.ImageURLs,
		Description:     c.Description,
		Dimensions:      c.Dimensions,
		SourceURL:       c.SourceURL,
		Site:            siteOf(c.SourceURL),
		SeenAt:          c.ExtractedAt,
	}

	payload := &ProductExtractedPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeProductExtracted),
		Timestamp:   time.Now(),
		Fingerprint: rec.Fingerprint,
		Title:       rec.Title,
		Images:      rec.ImageURLs,
		Dimensions:  rec.Dimensions,
		SourceURL:   rec.SourceURL,
		Site:        rec.Site,
		Source:      source,
	}
	if c.PriceRaw != nil {
		payload.Price = &Price{Amount: c.PriceNormalized, Currency: c.Currency, Raw: *c.PriceRaw}
	}

	err := p.db.Transaction(ctx, func(tx pgx.Tx) error {
		inserted, err := p.catalog.UpsertProductTx(ctx, tx, rec)
		if err != nil {
			return err
		}
		payload.New = inserted

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		return p.outbox.InsertWithTx(ctx, tx, &database.OutboxEvent{
			AggregateType: "product",
			AggregateID:   rec.Fingerprint,
			EventType:     payload.EventType,
			Payload:       data,
			TargetStream:  p.stream,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to store product: %v: %w", err, scraper.ErrPersistenceFailure)
	}

	p.logger.Debug("product published to outbox",
		"event_id", payload.EventID,
		"title", rec.Title,
		"new", payload.New)
	return nil
}

func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
