package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

// Sink persists extracted records. Implementations must be safe for
// concurrent use by the pipeline workers.
type Sink interface {
	StoreCategory(ctx context.Context, c models.Category) error
	StoreProduct(ctx context.Context, p models.ProductCandidate) error
}

// Observer receives pipeline progress. Calls come from worker goroutines.
type Observer interface {
	CategoryStored(job models.ExtractionJob, c models.Category)
	ProductStored(job models.ExtractionJob, p models.ProductCandidate)
	JobFinished(o models.Outcome)
}

// MultiSink writes every record to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) StoreCategory(ctx context.Context, c models.Category) error {
	var errs []error
	for _, s := range m {
		if err := s.StoreCategory(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) StoreProduct(ctx context.Context, p models.ProductCandidate) error {
	var errs []error
	for _, s := range m {
		if err := s.StoreProduct(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink drops every record.
type DiscardSink struct{}

func (DiscardSink) StoreCategory(context.Context, models.Category) error        { return nil }
func (DiscardSink) StoreProduct(context.Context, models.ProductCandidate) error { return nil }

func persistenceError(err error) error {
	if errors.Is(err, scraper.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%v: %w", err, scraper.ErrPersistenceFailure)
}
