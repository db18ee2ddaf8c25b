package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeRenderer is the chromedp-backed Renderer.
type ChromeRenderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	opts        *Options
	logger      *slog.Logger
}

func NewChromeRenderer(opts *Options, logger *slog.Logger) *ChromeRenderer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	return &ChromeRenderer{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		opts:        opts,
		logger:      logger.With("component", "browser", "engine", "chromedp"),
	}
}

func (r *ChromeRenderer) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	req = req.withDefaults(r.opts)

	tabCtx, cancel := chromedp.NewContext(r.allocCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, req.Timeout)
	defer cancelTimeout()

	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	headers := make(network.Headers, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		emulation.SetUserAgentOverride(req.UserAgent),
		emulation.SetDeviceMetricsOverride(int64(req.Viewport.Width), int64(req.Viewport.Height), 1, false),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.WaitStrategy == WaitNetworkIdle {
		tasks = append(tasks, chromedp.Sleep(1500*time.Millisecond))
	}
	if req.Scroll {
		tasks = append(tasks,
			chromedp.Evaluate(`window.scrollTo({top: document.body.scrollHeight, behavior: 'smooth'})`, nil),
			chromedp.Sleep(1500*time.Millisecond),
			chromedp.Evaluate(`window.scrollTo({top: 0})`, nil),
		)
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		if ctxErr := tabCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chromedp rendering aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("chromedp rendering failed: %w", err)
	}

	r.logger.Debug("page rendered", "url", req.URL, "status", status.Load(), "bytes", len(html))
	return &RenderResult{HTML: html, HTTPStatus: int(status.Load())}, nil
}

func (r *ChromeRenderer) Close() error {
	if r.allocCancel != nil {
		r.allocCancel()
	}
	return nil
}
