package parser

import (
	"context"
)

// DimensionClassifier is the AI text-extraction collaborator used when no
// dimension pattern matches. Implementations may return nil for "not found".
type DimensionClassifier interface {
	ExtractDimension(ctx context.Context, text, siteHint string) (*string, error)
}
