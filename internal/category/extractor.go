// Package category finds the category navigation of a storefront page.
//
// Extraction is heuristic first. When a page is link-heavy but the
// heuristics find fewer categories than the escalation threshold, raw anchor
// snippets are sent to a Classifier and its answers are merged in.
package category

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-extractor/internal/dom"
	"github.com/maltedev/catalog-extractor/internal/models"
)

const maxSnippetLen = 400

// Suggestion is one category proposed by a Classifier.
type Suggestion struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Classifier interface {
	ClassifyCategories(ctx context.Context, snippets []string) ([]Suggestion, error)
}

type DecisionKind int

const (
	Heuristic DecisionKind = iota
	NeedsEscalation
)

func (k DecisionKind) String() string {
	if k == NeedsEscalation {
		return "needs_escalation"
	}
	return "heuristic"
}

// Decision is the outcome of the heuristic pass. Snippets is only set for
// NeedsEscalation.
type Decision struct {
	Kind       DecisionKind
	Categories []models.Category
	Anchors    int
	Snippets   []string
}

type Options struct {
	EscalationThreshold int
	MinAnchors          int
	MaxSnippets         int
	DenyGlobs           []string
}

func DefaultOptions() Options {
	return Options{
		EscalationThreshold: 3,
		MinAnchors:          15,
		MaxSnippets:         150,
	}
}

type Extractor struct {
	opts       Options
	filter     *URLFilter
	classifier Classifier
	logger     *slog.Logger
}

// NewExtractor builds an Extractor. classifier may be nil, in which case
// pages never escalate.
func NewExtractor(opts Options, classifier Classifier, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.EscalationThreshold <= 0 {
		opts.EscalationThreshold = def.EscalationThreshold
	}
	if opts.MinAnchors <= 0 {
		opts.MinAnchors = def.MinAnchors
	}
	if opts.MaxSnippets <= 0 {
		opts.MaxSnippets = def.MaxSnippets
	}

	filter, err := NewURLFilter(opts.DenyGlobs)
	if err != nil {
		return nil, err
	}

	return &Extractor{
		opts:       opts,
		filter:     filter,
		classifier: classifier,
		logger:     logger.With("component", "category_extractor"),
	}, nil
}

// Extract returns the categories linked from markup. The error is non-nil
// only when baseURL cannot be parsed; markup that yields nothing gives an
// empty slice.
func (e *Extractor) Extract(ctx context.Context, markup, baseURL string) ([]models.Category, error) {
	decision, err := e.Decide(markup, baseURL)
	if err != nil {
		return nil, err
	}
	if decision.Kind == Heuristic || e.classifier == nil {
		return decision.Categories, nil
	}
	return e.escalate(ctx, decision, baseURL), nil
}

// Decide runs the heuristic pass only.
func (e *Extractor) Decide(markup, baseURL string) (Decision, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return Decision{}, err
	}

	doc, err := dom.Parse(markup)
	if err != nil {
		e.logger.Debug("unparseable markup", "url", baseURL, "error", err)
		return Decision{Kind: Heuristic, Categories: []models.Category{}}, nil
	}

	anchors := collectAnchors(doc)

	cats := []models.Category{}
	seen := make(map[string]bool)
	for _, a := range anchors {
		abs, ok := e.filter.Accept(base, a.AttrOr("href", ""))
		if !ok {
			continue
		}
		name := CleanLabel(labelFor(a))
		if !IsValidCategoryName(name) {
			continue
		}
		key := models.SourceKey(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		cats = append(cats, models.NewCategory(name, abs, models.OriginHeuristic))
	}

	d := Decision{Kind: Heuristic, Categories: cats, Anchors: len(anchors)}
	if len(cats) < e.opts.EscalationThreshold && len(anchors) >= e.opts.MinAnchors {
		d.Kind = NeedsEscalation
		d.Snippets = snippets(anchors, e.opts.MaxSnippets)
	}

	e.logger.Debug("heuristic pass", "url", baseURL, "anchors", d.Anchors, "categories", len(cats), "decision", d.Kind)
	return d, nil
}

func (e *Extractor) escalate(ctx context.Context, d Decision, baseURL string) []models.Category {
	suggestions, err := e.classifier.ClassifyCategories(ctx, d.Snippets)
	if err != nil {
		e.logger.Warn("category classifier failed", "url", baseURL, "error", err)
		return d.Categories
	}

	base, _ := parseBase(baseURL)
	cats := d.Categories
	seen := make(map[string]bool, len(cats))
	for _, c := range cats {
		seen[c.SourceKey] = true
	}

	added := 0
	for _, s := range suggestions {
		abs, ok := e.filter.Accept(base, s.URL)
		if !ok {
			continue
		}
		name := CleanLabel(s.Name)
		if !IsValidCategoryName(name) {
			continue
		}
		key := models.SourceKey(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		cats = append(cats, models.NewCategory(name, abs, models.OriginAI))
		added++
	}

	e.logger.Info("escalated category extraction", "url", baseURL, "suggested", len(suggestions), "added", added)
	return cats
}

// collectAnchors returns anchors outside footers, deduplicated by raw href.
func collectAnchors(doc *dom.Document) []*goquery.Selection {
	var out []*goquery.Selection
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || seen[href] || dom.InFooter(a) {
			return
		}
		seen[href] = true
		out = append(out, a)
	})
	return out
}

func snippets(anchors []*goquery.Selection, max int) []string {
	out := make([]string, 0, min(len(anchors), max))
	for _, a := range anchors {
		if len(out) == max {
			break
		}
		h, err := goquery.OuterHtml(a)
		if err != nil {
			continue
		}
		h = dom.Collapse(h)
		if r := []rune(h); len(r) > maxSnippetLen {
			h = string(r[:maxSnippetLen])
		}
		out = append(out, h)
	}
	return out
}

func parseBase(baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	return u, nil
}
