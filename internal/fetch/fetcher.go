package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/catalog-extractor/internal/browser"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/ratelimit"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

type Options struct {
	PreferRendered bool
	Timeout        time.Duration
	UserAgent      string
	ExtraHeaders   map[string]string
	MaxRetries     int
}

type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgents     []string
	AcceptLanguage string
	MaxBodyBytes   int64
	RespectRobots  bool
	RobotsAgent    string
	Viewport       browser.Viewport
	Scroll         bool
}

func DefaultConfig() Config {
	return Config{
		Timeout:        20 * time.Second,
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		UserAgents:     []string{browser.DefaultOptions().UserAgent},
		AcceptLanguage: "es-ES,es;q=0.9,en;q=0.8",
		MaxBodyBytes:   10 << 20,
		RobotsAgent:    "catalog-extractor",
		Viewport:       browser.Viewport{Width: 1920, Height: 1080},
		Scroll:         true,
	}
}

// Fetcher retrieves markup with a static HTTP request or a rendered browser
// session. The only state it keeps across calls is the set of hosts that
// answered Blocked, which makes later fetches to those hosts start rendered.
type Fetcher struct {
	client   *http.Client
	renderer browser.Renderer
	limiter  *ratelimit.HostRateLimiter
	robots   *robotsCache
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	blocked map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Fetcher. renderer and limiter may be nil; without a renderer
// every fetch is static.
func New(cfg Config, renderer browser.Renderer, limiter *ratelimit.HostRateLimiter, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = def.BackoffMax
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = def.UserAgents
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RobotsAgent == "" {
		cfg.RobotsAgent = def.RobotsAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4

	f := &Fetcher{
		client:   &http.Client{Transport: transport},
		renderer: renderer,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With("component", "fetcher"),
		blocked:  make(map[string]bool),
		sleep:    sleepCtx,
	}
	if cfg.RespectRobots {
		f.robots = newRobotsCache(f.client, cfg.RobotsAgent, cfg.Timeout)
	}
	return f
}

func (f *Fetcher) withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = f.cfg.Timeout
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = f.cfg.MaxRetries
	}
	if opts.UserAgent == "" {
		opts.UserAgent = f.cfg.UserAgents[rand.Intn(len(f.cfg.UserAgents))]
	}
	return opts
}

// Fetch never returns an error; failures are encoded in the result status
// and Err. Timeout and Error are retried with exponential backoff up to
// MaxRetries attempts. Blocked is retried once with the opposite strategy.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) models.FetchResult {
	opts = f.withDefaults(opts)

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.FetchResult{
			URL:          rawURL,
			Status:       models.FetchError,
			StrategyUsed: models.StrategyStatic,
			Err:          fmt.Errorf("invalid URL %q: %w", rawURL, scraper.ErrNetworkError),
		}
	}
	host := u.Hostname()

	if f.robots != nil && !f.robots.allowed(ctx, u) {
		f.logger.Info("disallowed by robots.txt", "url", rawURL)
		return models.FetchResult{
			URL:          rawURL,
			Status:       models.FetchBlocked,
			StrategyUsed: models.StrategyStatic,
			Err:          fmt.Errorf("disallowed by robots.txt: %w", scraper.ErrNetworkBlocked),
		}
	}

	strategy := models.StrategyStatic
	if (opts.PreferRendered || f.WasBlocked(host)) && f.renderer != nil {
		strategy = models.StrategyRendered
	}

	var (
		attempts  int
		transient int
		switched  bool
		res       models.FetchResult
	)
	for {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, host); err != nil {
				res.URL, res.StrategyUsed, res.Attempts = rawURL, strategy, attempts
				res.Status, res.Err = models.FetchTimeout, fmt.Errorf("rate limit wait: %w: %w", err, scraper.ErrNetworkTimeout)
				return res
			}
		}

		attempts++
		var retryable bool
		res, retryable = f.attempt(ctx, u, strategy, opts)
		res.Attempts = attempts

		switch res.Status {
		case models.FetchOk:
			f.logger.Debug("fetched", "url", rawURL, "strategy", strategy, "attempts", attempts)
			return res

		case models.FetchBlocked:
			if antiBotSignal(res) {
				f.markBlocked(host)
			}
			next := strategy.Opposite()
			if !switched && f.canUse(next) {
				f.logger.Info("blocked, switching strategy", "url", rawURL, "from", strategy, "to", next, "error", res.Err)
				switched = true
				strategy = next
				continue
			}
			return res

		default:
			transient++
			if !retryable || transient >= opts.MaxRetries || ctx.Err() != nil {
				return res
			}
			delay := f.backoff(transient)
			f.logger.Info("retrying fetch", "url", rawURL, "status", res.Status, "attempt", attempts, "delay", delay, "error", res.Err)
			if err := f.sleep(ctx, delay); err != nil {
				return res
			}
		}
	}
}

func (f *Fetcher) canUse(s models.FetchStrategy) bool {
	return s == models.StrategyStatic || f.renderer != nil
}

func (f *Fetcher) backoff(n int) time.Duration {
	d := f.cfg.BackoffBase << (n - 1)
	if d > f.cfg.BackoffMax || d <= 0 {
		d = f.cfg.BackoffMax
	}
	return d
}

// antiBotSignal separates access refusals from plain missing pages; only the
// former should steer later fetches for the host.
func antiBotSignal(res models.FetchResult) bool {
	switch res.HTTPStatus {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return res.HTTPStatus >= 200 && res.HTTPStatus < 300
}

func (f *Fetcher) markBlocked(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[strings.ToLower(host)] = true
}

// WasBlocked reports whether a previous fetch to host was classified Blocked.
func (f *Fetcher) WasBlocked(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[strings.ToLower(host)]
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL, strategy models.FetchStrategy, opts Options) (models.FetchResult, bool) {
	actx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if strategy == models.StrategyRendered {
		return f.rendered(actx, u, opts)
	}
	return f.static(actx, u, opts)
}

func (f *Fetcher) headers(opts Options) map[string]string {
	h := map[string]string{
		"User-Agent":                opts.UserAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           f.cfg.AcceptLanguage,
		"Upgrade-Insecure-Requests": "1",
		"DNT":                       "1",
	}
	for k, v := range opts.ExtraHeaders {
		h[k] = v
	}
	return h
}

func (f *Fetcher) static(ctx context.Context, u *url.URL, opts Options) (models.FetchResult, bool) {
	res := models.FetchResult{URL: u.String(), StrategyUsed: models.StrategyStatic}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Status, res.Err = models.FetchError, fmt.Errorf("failed to build request: %v: %w", err, scraper.ErrNetworkError)
		return res, false
	}
	for k, v := range f.headers(opts) {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			res.Status, res.Err = models.FetchTimeout, fmt.Errorf("static fetch: %w: %w", err, scraper.ErrNetworkTimeout)
		} else {
			res.Status, res.Err = models.FetchError, fmt.Errorf("static fetch: %w: %w", err, scraper.ErrNetworkError)
		}
		return res, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			res.Status, res.Err = models.FetchTimeout, fmt.Errorf("reading body: %w: %w", err, scraper.ErrNetworkTimeout)
		} else {
			res.Status, res.Err = models.FetchError, fmt.Errorf("reading body: %w: %w", err, scraper.ErrNetworkError)
		}
		return res, true
	}

	res.HTTPStatus = resp.StatusCode
	markup := decodeBody(body, resp.Header.Get("Content-Type"))
	return classify(res, markup)
}

func (f *Fetcher) rendered(ctx context.Context, u *url.URL, opts Options) (models.FetchResult, bool) {
	res := models.FetchResult{URL: u.String(), StrategyUsed: models.StrategyRendered}

	out, err := f.renderer.Render(ctx, browser.RenderRequest{
		URL:          u.String(),
		Viewport:     f.cfg.Viewport,
		UserAgent:    opts.UserAgent,
		Headers:      f.headers(opts),
		WaitStrategy: browser.WaitNetworkIdle,
		Timeout:      opts.Timeout,
		Scroll:       f.cfg.Scroll,
	})
	if err != nil {
		if isTimeout(ctx, err) {
			res.Status, res.Err = models.FetchTimeout, fmt.Errorf("rendered fetch: %w: %w", err, scraper.ErrNetworkTimeout)
		} else {
			res.Status, res.Err = models.FetchError, fmt.Errorf("rendered fetch: %w: %w", err, scraper.ErrNetworkError)
		}
		return res, true
	}

	res.HTTPStatus = out.HTTPStatus
	if res.HTTPStatus == 0 {
		res.HTTPStatus = http.StatusOK
	}
	return classify(res, out.HTML)
}

// classify maps an HTTP status and body onto a fetch status. The boolean
// reports whether a non-Ok result is worth retrying with backoff.
func classify(res models.FetchResult, markup string) (models.FetchResult, bool) {
	code := res.HTTPStatus

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusTooManyRequests:
		res.Status, res.Err = models.FetchBlocked, fmt.Errorf("HTTP %d: %w", code, scraper.ErrNetworkBlocked)
		return res, false
	case code >= 500:
		if code == http.StatusServiceUnavailable && IsChallenge(markup) {
			res.Status, res.Err = models.FetchBlocked, fmt.Errorf("HTTP %d challenge page: %w", code, scraper.ErrNetworkBlocked)
			return res, false
		}
		res.Status, res.Err = models.FetchError, fmt.Errorf("HTTP %d: %w", code, scraper.ErrNetworkError)
		return res, true
	case code < 200 || code >= 300:
		res.Status, res.Err = models.FetchBlocked, fmt.Errorf("HTTP %d: %w", code, scraper.ErrNetworkBlocked)
		return res, false
	}

	if IsChallenge(markup) {
		res.Status, res.Err = models.FetchBlocked, fmt.Errorf("anti-bot challenge detected: %w", scraper.ErrNetworkBlocked)
		return res, false
	}
	if IsEmptyContent(markup) {
		res.Status, res.Err = models.FetchBlocked, fmt.Errorf("empty content: %w", scraper.ErrNetworkBlocked)
		return res, false
	}

	res.Status = models.FetchOk
	res.HTML = &markup
	return res, false
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
