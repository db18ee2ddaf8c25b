package ai

import (
	"context"

	"github.com/maltedev/catalog-extractor/internal/category"
	"github.com/maltedev/catalog-extractor/internal/parser"
)

var (
	_ category.Classifier        = Noop{}
	_ parser.DimensionClassifier = Noop{}
)

// Noop stands in when no AI endpoint is configured. It never finds anything.
type Noop struct{}

func (Noop) ClassifyCategories(context.Context, []string) ([]category.Suggestion, error) {
	return nil, nil
}

func (Noop) ExtractDimension(context.Context, string, string) (*string, error) {
	return nil, nil
}
