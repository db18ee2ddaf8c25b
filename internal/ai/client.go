// Package ai talks to an OpenAI-compatible chat completions endpoint. It
// serves as the category classifier and the dimension fallback.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/catalog-extractor/internal/category"
	"github.com/maltedev/catalog-extractor/internal/parser"
	"github.com/maltedev/catalog-extractor/internal/ratelimit"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

const (
	categoriesPrompt = `You receive HTML anchor snippets from one page of an online store.
Return the links that lead to product categories (for example "Sofás", "Lighting", "Küche").
Ignore account, cart, help, legal, language, social and promotional links.
Answer with JSON only: {"categories":[{"name":"<category label>","url":"<href as given>"}]}.
Return {"categories":[]} when there are none.`

	dimensionPrompt = `You receive product text from an online store.
Find the physical dimensions of the product with their unit, e.g. "200 x 90 x 85 cm".
Answer with JSON only: {"dimensions":"<dimensions>"} or {"dimensions":null} when the text has none.`

	maxResponseBytes = 1 << 20
)

type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MinInterval time.Duration
}

var (
	_ category.Classifier        = (*Client)(nil)
	_ parser.DimensionClassifier = (*Client)(nil)
)

type Client struct {
	cfg     Config
	http    *http.Client
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "ai_client"),
	}
	if cfg.MinInterval > 0 {
		c.limiter = ratelimit.NewSimpleRateLimiter(cfg.MinInterval, cfg.MinInterval+cfg.MinInterval/2)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) ClassifyCategories(ctx context.Context, snippets []string) ([]category.Suggestion, error) {
	if len(snippets) == 0 {
		return nil, nil
	}

	var out struct {
		Categories []category.Suggestion `json:"categories"`
	}
	if err := c.complete(ctx, categoriesPrompt, strings.Join(snippets, "\n"), &out); err != nil {
		return nil, err
	}

	c.logger.Debug("classified categories", "snippets", len(snippets), "suggestions", len(out.Categories))
	return out.Categories, nil
}

func (c *Client) ExtractDimension(ctx context.Context, text, siteHint string) (*string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	user := text
	if siteHint != "" {
		user = "Site: " + siteHint + "\n\n" + text
	}

	var out struct {
		Dimensions *string `json:"dimensions"`
	}
	if err := c.complete(ctx, dimensionPrompt, user, &out); err != nil {
		return nil, err
	}
	return out.Dimensions, nil
}

// complete sends one system+user exchange and decodes the reply content,
// which must be a JSON object, into out.
func (c *Client) complete(ctx context.Context, system, user string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for AI rate limit: %w", err)
		}
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("AI request: %v: %w", err, scraper.ErrCollaboratorFailure)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading AI response: %v: %w", err, scraper.ErrCollaboratorFailure)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("AI API %d: %s: %w", resp.StatusCode, truncate(string(body), 200), scraper.ErrCollaboratorFailure)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return fmt.Errorf("unmarshal AI response: %v: %w", err, scraper.ErrCollaboratorFailure)
	}
	if len(chat.Choices) == 0 {
		return fmt.Errorf("AI response has no choices: %w", scraper.ErrCollaboratorFailure)
	}

	content := stripCodeFence(chat.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("malformed AI answer: %v: %w", err, scraper.ErrCollaboratorFailure)
	}

	c.logger.Debug("AI completion", "model", c.cfg.Model, "duration", time.Since(start))
	return nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add despite
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
