package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

func TestFileSink_WritesOneFilePerHost(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.StoreCategory(ctx, models.NewCategory("Sofás", "https://www.shop.example/sofas/", models.OriginHeuristic)))
	require.NoError(t, sink.StoreCategory(ctx, models.NewCategory("Mesas", "https://www.shop.example/mesas/", models.OriginAI)))

	p := models.NewProductCandidate("https://other.example/p/1")
	p.Title = "Lámpara Hektar"
	require.NoError(t, sink.StoreProduct(ctx, *p))

	assert.FileExists(t, filepath.Join(dir, "www.shop.example.json"))
	assert.FileExists(t, filepath.Join(dir, "other.example.json"))
	assert.NoFileExists(t, filepath.Join(dir, "www.shop.example.json.tmp"))

	shop, err := sink.Load("www.shop.example")
	require.NoError(t, err)
	require.NotNil(t, shop)
	assert.Len(t, shop.Categories, 2)
	assert.Empty(t, shop.Products)
}

func TestFileSink_SimilarHostsStaySeparate(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	hosts := []string{"shop.example.com", "shop-example.com", "shop--example.com"}
	for _, h := range hosts {
		require.NoError(t, sink.StoreCategory(ctx, models.NewCategory("Sillas", "https://"+h+"/sillas/", models.OriginHeuristic)))
	}

	tests := []struct {
		host       string
		categories int64
	}{
		{"shop.example.com", 1},
		{"shop-example.com", 1},
		{"shop--example.com", 1},
		{"other.example.com", 0},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			cats, prods, err := sink.CountBySite(ctx, tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.categories, cats)
			assert.Zero(t, prods)
		})
	}

	site, err := sink.Load("shop-example.com")
	require.NoError(t, err)
	require.NotNil(t, site)
	assert.Equal(t, "shop-example.com", site.Site)
	for _, c := range site.Categories {
		assert.Equal(t, "https://shop-example.com/sillas/", c.URL)
	}

	assert.NotEqual(t, sink.path("shop-example.com"), sink.path("shop--example.com"))
	assert.Equal(t, filepath.Join(sink.dir, "shop.example.com.json"), sink.path("shop.example.com"))
}

func TestFileSink_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileSink(dir)
	require.NoError(t, err)
	require.NoError(t, first.StoreCategory(ctx, models.NewCategory("Sofás", "https://shop.example/sofas/", models.OriginHeuristic)))

	second, err := NewFileSink(dir)
	require.NoError(t, err)
	require.NoError(t, second.StoreCategory(ctx, models.NewCategory("Camas", "https://shop.example/camas/", models.OriginHeuristic)))

	site, err := second.Load("shop.example")
	require.NoError(t, err)
	assert.Len(t, site.Categories, 2)
}

func TestFileSink_ProductUpsertKeepsKnownDimensions(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	dims := "200 x 90 cm"
	p := models.NewProductCandidate("https://shop.example/sofas")
	p.Title = "Sofá Kivik"
	p.Dimensions = &dims
	require.NoError(t, sink.StoreProduct(ctx, *p))

	again := models.NewProductCandidate("https://shop.example/sofas")
	again.Title = "Sofá Kivik"
	require.NoError(t, sink.StoreProduct(ctx, *again))

	site, err := sink.Load("shop.example")
	require.NoError(t, err)
	require.Len(t, site.Products, 1)
	stored := site.Products[p.Fingerprint()]
	require.NotNil(t, stored.Dimensions)
	assert.Equal(t, dims, *stored.Dimensions)
}

func TestFileSink_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	err = sink.StoreCategory(ctx, models.NewCategory("Sofás", "not a url", models.OriginHeuristic))
	assert.ErrorIs(t, err, scraper.ErrPersistenceFailure)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.example.json"), []byte("{"), 0o644))
	err = sink.StoreCategory(ctx, models.NewCategory("Sofás", "https://broken.example/sofas", models.OriginHeuristic))
	assert.ErrorIs(t, err, scraper.ErrPersistenceFailure)

	missing, err := sink.Load("nothing.example")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}
