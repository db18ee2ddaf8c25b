package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-extractor/internal/config"
	"github.com/maltedev/catalog-extractor/internal/models"
)

func TestParseJobs(t *testing.T) {
	input := `# storefronts to crawl
category https://www.shop.example/

product  https://www.shop.example/sofas/kivik   # detail page
Products https://other.example/p/1
`
	jobs, err := parseJobs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, models.KindCategoryDiscovery, jobs[0].Kind)
	assert.Equal(t, "https://www.shop.example/", jobs[0].URL)
	assert.Equal(t, models.KindProductPage, jobs[1].Kind)
	assert.Equal(t, "https://www.shop.example/sofas/kivik", jobs[1].URL)
	assert.Equal(t, models.KindProductPage, jobs[2].Kind)

	ids := map[string]bool{}
	for _, j := range jobs {
		assert.Equal(t, models.JobQueued, j.State)
		ids[j.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestParseJobs_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "missing url", input: "category\n", want: "line 1"},
		{name: "unknown kind", input: "# header\nsitemap https://shop.example/\n", want: "line 2"},
		{name: "relative url", input: "product /sofas\n", want: "absolute"},
		{name: "extra field", input: "product https://shop.example/ now\n", want: "kind url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJobs(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseJobFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.txt")
	require.NoError(t, os.WriteFile(path, []byte("category https://shop.example/\n"), 0o644))

	jobs, err := parseJobFile(path)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = parseJobFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestCollectJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.txt")
	require.NoError(t, os.WriteFile(path, []byte("product https://shop.example/p/1\n"), 0o644))

	jobs, err := collectJobs([]string{"https://shop.example/"}, "category", path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.KindCategoryDiscovery, jobs[0].Kind)
	assert.Equal(t, models.KindProductPage, jobs[1].Kind)

	_, err = collectJobs(nil, "category", "")
	assert.ErrorIs(t, err, errNoJobs)

	_, err = collectJobs([]string{"https://shop.example/"}, "sitemap", "")
	assert.Error(t, err)
}

func TestNewLogger_Levels(t *testing.T) {
	var b strings.Builder
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &b)
	logger.Info("hidden")
	logger.Warn("shown", "site", "shop.example")

	out := b.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "site=shop.example")

	b.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &b)
	logger.Debug("visible")
	assert.Contains(t, b.String(), `"msg":"visible"`)
}
