package parser

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	num  = `\d+(?:[.,]\d+)?`
	unit = `(?:cm|mm|m)`

	maxAIDimensionLen = 80
	maxAIInputLen     = 6000
)

type dimensionPattern struct {
	name  string
	re    *regexp.Regexp
	group int
}

// tryExtract returns the first match of the pattern in text.
func (p dimensionPattern) tryExtract(text string) (string, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[p.group]), true
}

type dimensionMatch struct {
	text string
	pos  int
}

func (p dimensionPattern) findAll(text string) []dimensionMatch {
	var out []dimensionMatch
	for _, idx := range p.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[2*p.group], idx[2*p.group+1]
		if start < 0 {
			continue
		}
		out = append(out, dimensionMatch{text: strings.TrimSpace(text[start:end]), pos: start})
	}
	return out
}

// Order matters: multiplicative beats labeled beats parenthesized.
var defaultDimensionPatterns = []dimensionPattern{
	{
		name: "multiplicative",
		re: regexp.MustCompile(`(?i)` + num + `(?:\s*` + unit + `)?\s*[x×*]\s*` + num +
			`(?:(?:\s*` + unit + `)?\s*[x×*]\s*` + num + `)?\s*` + unit + `\b`),
	},
	{
		name: "labeled",
		re: regexp.MustCompile(`(?i)\b(?:alto|ancho|fondo|largo|profundo|profundidad|altura|anchura|` +
			`height|width|depth|length|höhe|breite|tiefe|länge)\s*:?\s*` + num + `\s*` + unit + `\b`),
	},
	{
		name:  "parenthesized",
		re:    regexp.MustCompile(`(?i)\(\s*(` + num + `\s*` + unit + `)\s*\)`),
		group: 1,
	},
}

// DimensionRequest carries the primary text plus optional wider sources
// such as a search result page or condensed site text.
type DimensionRequest struct {
	Text      string
	Fallbacks []string
	SiteHint  string
}

type DimensionExtractor struct {
	patterns   []dimensionPattern
	classifier DimensionClassifier
	logger     *slog.Logger
}

// NewDimensionExtractor builds the cascade. classifier may be nil.
func NewDimensionExtractor(classifier DimensionClassifier, logger *slog.Logger) *DimensionExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DimensionExtractor{
		patterns:   defaultDimensionPatterns,
		classifier: classifier,
		logger:     logger.With("component", "dimension_extractor"),
	}
}

// ExtractDimensions runs the local pattern cascade only.
func ExtractDimensions(text string) *string {
	for _, p := range defaultDimensionPatterns {
		if s, ok := p.tryExtract(text); ok {
			return &s
		}
	}
	return nil
}

func (e *DimensionExtractor) Local(text string) *string {
	for _, p := range e.patterns {
		if s, ok := p.tryExtract(text); ok {
			return &s
		}
	}
	return nil
}

// Extract runs local patterns, then the longest match across fallbacks,
// then the classifier. Classifier errors are logged and treated as absent.
func (e *DimensionExtractor) Extract(ctx context.Context, req DimensionRequest) *string {
	if s := e.Local(req.Text); s != nil {
		return s
	}

	if s := e.longestAcross(req.Fallbacks); s != nil {
		return s
	}

	if e.classifier == nil {
		return nil
	}

	input := req.Text
	if len(req.Fallbacks) > 0 {
		input = strings.TrimSpace(input + "\n\n" + strings.Join(req.Fallbacks, "\n\n"))
	}
	if strings.TrimSpace(input) == "" {
		return nil
	}
	if len(input) > maxAIInputLen {
		input = truncateRunes(input, maxAIInputLen)
	}

	result, err := e.classifier.ExtractDimension(ctx, input, req.SiteHint)
	if err != nil {
		e.logger.Warn("dimension classifier failed", "error", err, "site", req.SiteHint)
		return nil
	}
	return validAIDimension(result)
}

func (e *DimensionExtractor) longestAcross(sources []string) *string {
	var best *dimensionMatch
	for _, src := range sources {
		var matches []dimensionMatch
		for _, p := range e.patterns {
			matches = append(matches, p.findAll(src)...)
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

		for i := range matches {
			if best == nil || len(matches[i].text) > len(best.text) {
				m := matches[i]
				best = &m
			}
		}
	}
	if best == nil {
		return nil
	}
	return &best.text
}

func validAIDimension(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || len(v) > maxAIDimensionLen || strings.EqualFold(v, "null") {
		return nil
	}
	hasDigit := strings.IndexFunc(v, unicode.IsDigit) >= 0
	if !hasDigit {
		return nil
	}
	return &v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
