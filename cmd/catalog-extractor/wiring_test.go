package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-extractor/internal/config"
	"github.com/maltedev/catalog-extractor/internal/models"
)

func TestApp_CatalogCountsLocalSinks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, kind := range []string{"file", "sqlite"} {
		t.Run(kind, func(t *testing.T) {
			a := newApp(&config.Config{
				Sink: config.SinkConfig{
					Type:       kind,
					OutputDir:  filepath.Join(dir, kind),
					SQLitePath: filepath.Join(dir, "catalog.db"),
				},
			})
			defer a.close()

			sink, err := a.sink(ctx, kind)
			require.NoError(t, err)
			again, err := a.sink(ctx, kind)
			require.NoError(t, err)
			assert.Same(t, sink, again)

			require.NoError(t, sink.StoreCategory(ctx, models.NewCategory("Sofás", "https://shop.example/sofas/", models.OriginHeuristic)))

			catalog, err := a.catalog(ctx, kind)
			require.NoError(t, err)
			cats, prods, err := catalog.CountBySite(ctx, "shop.example")
			require.NoError(t, err)
			assert.EqualValues(t, 1, cats)
			assert.Zero(t, prods)
		})
	}
}
