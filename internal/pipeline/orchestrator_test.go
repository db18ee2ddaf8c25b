package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-extractor/internal/fetch"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/parser"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

// fakeFetcher serves canned markup. URLs containing "blocked" fail, URLs
// containing "panic" panic.
type fakeFetcher struct {
	onFetch func(url string)
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) models.FetchResult {
	if f.onFetch != nil {
		f.onFetch(rawURL)
	}
	switch {
	case strings.Contains(rawURL, "panic"):
		panic("renderer exploded")
	case strings.Contains(rawURL, "blocked"):
		return models.FetchResult{
			URL:          rawURL,
			Status:       models.FetchBlocked,
			StrategyUsed: models.StrategyRendered,
			Attempts:     2,
			Err:          fmt.Errorf("HTTP 403: %w", scraper.ErrNetworkBlocked),
		}
	}
	html := "<html>" + rawURL + "</html>"
	return models.FetchResult{URL: rawURL, Status: models.FetchOk, HTML: &html, StrategyUsed: models.StrategyStatic, Attempts: 1}
}

type fakeCategories struct{}

func (fakeCategories) Extract(ctx context.Context, markup, baseURL string) ([]models.Category, error) {
	return []models.Category{
		models.NewCategory("Sofás", baseURL+"sofas/", models.OriginHeuristic),
		models.NewCategory("Mesas", baseURL+"mesas/", models.OriginHeuristic),
	}, nil
}

type fakeProducts struct{}

func (fakeProducts) Extract(markup, baseURL string) ([]models.ProductCandidate, error) {
	p := models.NewProductCandidate(baseURL)
	p.Title = "Sofá Kivik"
	return []models.ProductCandidate{*p}, nil
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) StoreCategory(ctx context.Context, c models.Category) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockSink) StoreProduct(ctx context.Context, p models.ProductCandidate) error {
	return m.Called(ctx, p).Error(0)
}

type MockEnricher struct {
	mock.Mock
}

func (m *MockEnricher) Extract(ctx context.Context, req parser.DimensionRequest) *string {
	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*string)
	}
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	cats     int
	products int
	finished []models.Outcome
}

func (r *recordingObserver) CategoryStored(models.ExtractionJob, models.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cats++
}

func (r *recordingObserver) ProductStored(models.ExtractionJob, models.ProductCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products++
}

func (r *recordingObserver) JobFinished(o models.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, o)
}

func newOrchestrator(f Fetcher, sink Sink, obs Observer) *Orchestrator {
	deps := Deps{
		Fetcher:    f,
		Categories: fakeCategories{},
		Products:   fakeProducts{},
		Sink:       sink,
	}
	if obs != nil {
		deps.Observer = obs
	}
	return New(Config{Workers: 3}, deps, nil)
}

func jobs(specs ...string) []models.ExtractionJob {
	out := make([]models.ExtractionJob, 0, len(specs))
	for _, s := range specs {
		kind, u, _ := strings.Cut(s, " ")
		k, err := models.ParseJobKind(kind)
		if err != nil {
			panic(err)
		}
		out = append(out, *models.NewExtractionJob(u, k))
	}
	return out
}

func TestRunBatch_OneOutcomePerJobInOrder(t *testing.T) {
	sink := new(MockSink)
	sink.On("StoreCategory", mock.Anything, mock.Anything).Return(nil)
	sink.On("StoreProduct", mock.Anything, mock.Anything).Return(nil)
	obs := &recordingObserver{}

	o := newOrchestrator(&fakeFetcher{}, sink, obs)
	in := jobs(
		"category https://a.example/",
		"product https://b.example/p1",
		"category https://blocked.example/",
		"product https://c.example/p2",
		"category https://d.example/",
	)

	out := o.RunBatch(context.Background(), in, 2)

	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].Job.ID)
		assert.Equal(t, in[i].URL, out[i].Job.URL)
		assert.Contains(t, []models.JobState{models.JobSucceeded, models.JobFailed}, out[i].State)
		assert.Equal(t, out[i].State, out[i].Job.State)
	}

	assert.True(t, out[0].Succeeded())
	assert.Len(t, out[0].Categories, 2)
	assert.True(t, out[1].Succeeded())
	assert.Len(t, out[1].Products, 1)

	assert.Equal(t, models.JobFailed, out[2].State)
	assert.Equal(t, string(scraper.KindNetworkBlocked), out[2].ErrorKind)
	assert.Equal(t, models.StrategyRendered, out[2].Strategy)
	assert.Equal(t, 2, out[2].Attempts)

	stats := o.Stats()
	assert.EqualValues(t, 4, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 0, stats.Running)
	assert.EqualValues(t, 0, stats.Queued)
	assert.EqualValues(t, 4, stats.Categories)
	assert.EqualValues(t, 2, stats.Products)

	assert.Equal(t, 4, obs.cats)
	assert.Equal(t, 2, obs.products)
	assert.Len(t, obs.finished, 5)

	sink.AssertNumberOfCalls(t, "StoreCategory", 4)
	sink.AssertNumberOfCalls(t, "StoreProduct", 2)
}

func TestRunBatch_Empty(t *testing.T) {
	o := newOrchestrator(&fakeFetcher{}, nil, nil)
	assert.Empty(t, o.RunBatch(context.Background(), nil, 4))
}

func TestRunBatch_PersistenceFailure(t *testing.T) {
	sink := new(MockSink)
	sink.On("StoreCategory", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	sink.On("StoreProduct", mock.Anything, mock.Anything).Return(nil)

	o := newOrchestrator(&fakeFetcher{}, sink, nil)
	out := o.RunBatch(context.Background(), jobs("category https://a.example/", "product https://b.example/p"), 2)

	require.Len(t, out, 2)
	assert.Equal(t, models.JobFailed, out[0].State)
	assert.Equal(t, string(scraper.KindPersistenceFailure), out[0].ErrorKind)
	assert.Contains(t, out[0].Error, "connection refused")
	assert.True(t, out[1].Succeeded())
}

func TestRunBatch_PanicIsContained(t *testing.T) {
	o := newOrchestrator(&fakeFetcher{}, DiscardSink{}, nil)
	out := o.RunBatch(context.Background(), jobs(
		"product https://panic.example/p",
		"product https://ok.example/p",
		"category https://ok.example/",
	), 1)

	require.Len(t, out, 3)
	assert.Equal(t, models.JobFailed, out[0].State)
	assert.Equal(t, string(scraper.KindInternal), out[0].ErrorKind)
	assert.Contains(t, out[0].Error, "renderer exploded")
	assert.True(t, out[1].Succeeded())
	assert.True(t, out[2].Succeeded())
}

func TestRunBatch_CancelledJobsStillReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{onFetch: func(string) { cancel() }}
	o := newOrchestrator(f, DiscardSink{}, nil)

	in := jobs(
		"category https://a.example/",
		"category https://b.example/",
		"category https://c.example/",
		"category https://d.example/",
	)
	out := o.RunBatch(ctx, in, 1)

	require.Len(t, out, 4)
	assert.True(t, out[0].Succeeded())
	for i := 1; i < 4; i++ {
		assert.Equal(t, models.JobFailed, out[i].State, i)
		assert.Equal(t, string(scraper.KindCancelled), out[i].ErrorKind, i)
		assert.Equal(t, in[i].ID, out[i].Job.ID, i)
	}

	stats := o.Stats()
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.EqualValues(t, 3, stats.Failed)
	assert.EqualValues(t, 0, stats.Queued)
}

// cancellingFetcher cancels the batch from inside the first fetch and records
// whether the in-flight context saw it.
type cancellingFetcher struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	ctxErrs []error
}

func (f *cancellingFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) models.FetchResult {
	f.cancel()
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	html := "<html></html>"
	return models.FetchResult{URL: rawURL, Status: models.FetchOk, HTML: &html, StrategyUsed: models.StrategyStatic, Attempts: 1}
}

func TestRunBatch_InFlightJobIgnoresCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &cancellingFetcher{cancel: cancel}
	sink := new(MockSink)
	sink.On("StoreCategory", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil).Twice()

	o := newOrchestrator(f, sink, nil)
	out := o.RunBatch(ctx, jobs("category https://a.example/", "category https://b.example/"), 1)

	require.Len(t, out, 2)
	assert.True(t, out[0].Succeeded(), "error: %s", out[0].Error)
	assert.Len(t, out[0].Categories, 2)
	assert.Equal(t, string(scraper.KindCancelled), out[1].ErrorKind)

	require.Len(t, f.ctxErrs, 1)
	assert.NoError(t, f.ctxErrs[0])
	sink.AssertExpectations(t)
}

func TestRunBatch_EnrichesMissingDimensions(t *testing.T) {
	dims := "200 x 90 cm"
	enricher := new(MockEnricher)
	enricher.On("Extract", mock.Anything, mock.MatchedBy(func(req parser.DimensionRequest) bool {
		return req.SiteHint == "shop.example" && strings.HasPrefix(req.Text, "Sofá Kivik")
	})).Return(&dims).Once()

	sink := new(MockSink)
	sink.On("StoreProduct", mock.Anything, mock.MatchedBy(func(p models.ProductCandidate) bool {
		return p.Dimensions != nil && *p.Dimensions == dims
	})).Return(nil).Once()

	o := New(Config{}, Deps{
		Fetcher:    &fakeFetcher{},
		Categories: fakeCategories{},
		Products:   fakeProducts{},
		Dimensions: enricher,
		Sink:       sink,
	}, nil)

	out := o.RunBatch(context.Background(), jobs("product https://shop.example/p/1"), 0)
	require.Len(t, out, 1)
	require.True(t, out[0].Succeeded(), out[0].Error)
	require.NotNil(t, out[0].Products[0].Dimensions)
	assert.Equal(t, dims, *out[0].Products[0].Dimensions)

	enricher.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestMultiSink(t *testing.T) {
	ok := new(MockSink)
	ok.On("StoreCategory", mock.Anything, mock.Anything).Return(nil)
	bad := new(MockSink)
	bad.On("StoreCategory", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	c := models.NewCategory("Sofás", "https://a.example/sofas/", models.OriginHeuristic)

	assert.NoError(t, MultiSink{ok, ok}.StoreCategory(context.Background(), c))

	err := MultiSink{bad, ok}.StoreCategory(context.Background(), c)
	assert.ErrorContains(t, err, "disk full")
	ok.AssertNumberOfCalls(t, "StoreCategory", 3)
}
