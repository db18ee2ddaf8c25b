package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Browser is the playwright-backed Renderer.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "es-ES,es;q=0.9,en;q=0.8",
		TimezoneID:     "Europe/Madrid",
		Locale:         "es-ES",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "es-ES,es;q=0.9,en;q=0.8",
			"DNT":             "1",
		},
	}
}

// launchArgs suppress the automation fingerprint and pin the window size.
func launchArgs(opts *Options) []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		"--user-agent=" + opts.UserAgent,
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args:     launchArgs(opts),
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  logger.With("component", "browser", "engine", "playwright"),
	}, nil
}

func (b *Browser) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	req = req.withDefaults(b.opts)

	bctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &req.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		TimezoneId:        &b.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  req.Viewport.Width,
			Height: req.Viewport.Height,
		},
		ExtraHttpHeaders: req.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	// Closing the context aborts any in-flight navigation.
	stop := context.AfterFunc(ctx, func() { bctx.Close() })
	defer func() {
		stop()
		bctx.Close()
	}()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(req.Timeout.Milliseconds()))

	resp, err := page.Goto(req.URL, playwright.PageGotoOptions{
		WaitUntil: waitUntil(req.WaitStrategy),
		Timeout:   playwright.Float(float64(req.Timeout.Milliseconds())),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("render aborted: %w", ctxErr)
		}
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("navigation timed out: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	status := 0
	if resp != nil {
		status = resp.Status()
	}

	if req.Scroll {
		if _, err := page.Evaluate(scrollScript); err != nil {
			b.logger.Debug("scroll failed", "url", req.URL, "error", err)
		}
		page.WaitForTimeout(500)
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	b.logger.Debug("page rendered", "url", req.URL, "status", status, "bytes", len(content))
	return &RenderResult{HTML: content, HTTPStatus: status}, nil
}

func waitUntil(w WaitStrategy) *playwright.WaitUntilState {
	switch w {
	case WaitDOMContent:
		return playwright.WaitUntilStateDomcontentloaded
	case WaitLoad:
		return playwright.WaitUntilStateLoad
	default:
		return playwright.WaitUntilStateNetworkidle
	}
}

func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}
