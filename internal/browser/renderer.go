package browser

import (
	"context"
	"time"
)

type WaitStrategy string

const (
	WaitNetworkIdle WaitStrategy = "networkidle"
	WaitDOMContent  WaitStrategy = "domcontentloaded"
	WaitLoad        WaitStrategy = "load"
)

type Viewport struct {
	Width  int
	Height int
}

type RenderRequest struct {
	URL          string
	Viewport     Viewport
	UserAgent    string
	Headers      map[string]string
	WaitStrategy WaitStrategy
	Timeout      time.Duration
	Scroll       bool
}

type RenderResult struct {
	HTML       string
	HTTPStatus int
}

// Renderer executes page scripts in a headless browser and returns the final
// markup. Each Render call uses its own browser context and tears it down
// when ctx is done.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
	Close() error
}

// withDefaults fills zero fields of req from opts.
func (req RenderRequest) withDefaults(opts *Options) RenderRequest {
	if req.Viewport.Width == 0 || req.Viewport.Height == 0 {
		req.Viewport = Viewport{Width: opts.ViewportWidth, Height: opts.ViewportHeight}
	}
	if req.UserAgent == "" {
		req.UserAgent = opts.UserAgent
	}
	if req.WaitStrategy == "" {
		req.WaitStrategy = WaitNetworkIdle
	}
	if req.Timeout <= 0 {
		req.Timeout = opts.Timeout
	}
	headers := make(map[string]string, len(opts.ExtraHeaders)+len(req.Headers))
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	req.Headers = headers
	return req
}

const scrollScript = `async () => {
	const delay = ms => new Promise(r => setTimeout(r, ms));
	for (let i = 0; i < 8; i++) {
		window.scrollBy(0, Math.max(window.innerHeight, 600));
		await delay(250);
		if (window.innerHeight + window.scrollY >= document.body.scrollHeight) break;
	}
	window.scrollTo(0, 0);
}`
