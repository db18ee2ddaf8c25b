package browser

import (
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "es-ES", opts.Locale)
	assert.NotEmpty(t, opts.ExtraHeaders["Accept-Language"])
}

func TestLaunchArgs_SuppressAutomation(t *testing.T) {
	opts := DefaultOptions()
	opts.ViewportWidth, opts.ViewportHeight = 1366, 768

	args := launchArgs(opts)

	assert.Contains(t, args, "--disable-blink-features=AutomationControlled")
	assert.Contains(t, args, "--window-size=1366,768")
	assert.Contains(t, args, "--user-agent="+opts.UserAgent)
}

func TestRenderRequest_WithDefaults(t *testing.T) {
	opts := DefaultOptions()

	req := RenderRequest{
		URL:     "https://shop.example/",
		Headers: map[string]string{"Accept-Language": "en-US", "X-Test": "1"},
	}.withDefaults(opts)

	assert.Equal(t, Viewport{Width: 1920, Height: 1080}, req.Viewport)
	assert.Equal(t, opts.UserAgent, req.UserAgent)
	assert.Equal(t, WaitNetworkIdle, req.WaitStrategy)
	assert.Equal(t, opts.Timeout, req.Timeout)
	assert.Equal(t, "en-US", req.Headers["Accept-Language"])
	assert.Equal(t, "1", req.Headers["X-Test"])
	assert.Equal(t, opts.ExtraHeaders["Accept"], req.Headers["Accept"])

	custom := RenderRequest{UserAgent: "ua", Timeout: time.Second, WaitStrategy: WaitLoad}.withDefaults(opts)
	assert.Equal(t, "ua", custom.UserAgent)
	assert.Equal(t, time.Second, custom.Timeout)
	assert.Equal(t, WaitLoad, custom.WaitStrategy)
}

func TestWaitUntil(t *testing.T) {
	assert.Equal(t, playwright.WaitUntilStateNetworkidle, waitUntil(""))
	assert.Equal(t, playwright.WaitUntilStateDomcontentloaded, waitUntil(WaitDOMContent))
	assert.Equal(t, playwright.WaitUntilStateLoad, waitUntil(WaitLoad))
}
