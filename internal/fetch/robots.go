package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsCache holds parsed robots.txt per scheme+host. Fetch failures allow
// everything.
type robotsCache struct {
	client  *http.Client
	agent   string
	timeout time.Duration

	mu     sync.Mutex
	byHost map[string]*robotstxt.RobotsData
}

func newRobotsCache(client *http.Client, agent string, timeout time.Duration) *robotsCache {
	return &robotsCache{
		client:  client,
		agent:   agent,
		timeout: timeout,
		byHost:  make(map[string]*robotstxt.RobotsData),
	}
}

func (c *robotsCache) allowed(ctx context.Context, u *url.URL) bool {
	data := c.get(ctx, u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.RequestURI(), c.agent)
}

func (c *robotsCache) get(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := strings.ToLower(u.Scheme + "://" + u.Host)

	c.mu.Lock()
	data, ok := c.byHost[key]
	c.mu.Unlock()
	if ok {
		return data
	}

	data = c.load(ctx, key+"/robots.txt")

	c.mu.Lock()
	c.byHost[key] = data
	c.mu.Unlock()
	return data
}

func (c *robotsCache) load(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
