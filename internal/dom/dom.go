// Package dom wraps goquery with the text and metadata rules the extractors
// rely on.
//
// Visible text never includes media or icon descendants: img, svg, picture,
// i, video, audio, source, use and any element marked aria-hidden are skipped
// before text is collected, so an icon's ligature or title cannot leak into a
// label.
package dom

import (
	"encoding/json"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var mediaTags = map[string]bool{
	"img":      true,
	"svg":      true,
	"picture":  true,
	"i":        true,
	"video":    true,
	"audio":    true,
	"source":   true,
	"use":      true,
	"script":   true,
	"style":    true,
	"noscript": true,
}

var (
	footerMatcher = cascadia.MustCompile(`footer, [role="contentinfo"], [id*="footer"], [class*="footer"]`)
	noiseMatcher  = cascadia.MustCompile(`script, style, noscript, svg, iframe, nav, header, footer, form`)
)

type Document struct {
	*goquery.Document
}

func Parse(markup string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{Document: doc}, nil
}

// Collapse trims s and folds every whitespace run into one space.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// VisibleText returns the collapsed text of sel without media/icon content.
func VisibleText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		collectText(n, &b)
	}
	return Collapse(b.String())
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		if mediaTags[n.Data] || isHidden(n) {
			return
		}
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func isHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "aria-hidden" && strings.EqualFold(a.Val, "true") {
			return true
		}
		if a.Key == "hidden" {
			return true
		}
	}
	return false
}

// InFooter reports whether sel or one of its ancestors is a footer region.
func InFooter(sel *goquery.Selection) bool {
	return sel.ClosestMatcher(footerMatcher).Length() > 0
}

// Meta returns the content of a meta tag addressed by property or name.
func (d *Document) Meta(key string) string {
	sel := d.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

// JSONLD returns every object found in application/ld+json blocks. Arrays
// and @graph containers are flattened. Blocks that fail to decode are skipped.
func (d *Document) JSONLD() []map[string]any {
	if len(d.Nodes) == 0 {
		return nil
	}

	scripts := htmlquery.Find(d.Nodes[0], `//script[@type="application/ld+json"]`)
	var out []map[string]any
	for _, s := range scripts {
		raw := strings.TrimSpace(htmlquery.InnerText(s))
		if raw == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = flattenLD(v, out)
	}
	return out
}

func flattenLD(v any, out []map[string]any) []map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = flattenLD(item, out)
		}
	case map[string]any:
		out = append(out, t)
		if graph, ok := t["@graph"]; ok {
			out = flattenLD(graph, out)
		}
	}
	return out
}

// JSONLDOfType filters JSONLD() by @type, which may be a string or a list.
func (d *Document) JSONLDOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, obj := range d.JSONLD() {
		if hasType(obj["@type"], typ) {
			out = append(out, obj)
		}
	}
	return out
}

func hasType(v any, typ string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, typ)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, typ) {
				return true
			}
		}
	}
	return false
}

// SiteText renders the page body as Markdown with navigation and scripts
// removed. It is the condensed input for the AI dimension fallback.
func (d *Document) SiteText(maxLen int) string {
	body := d.Find("body").Clone()
	body.FindMatcher(noiseMatcher).Remove()

	markup, err := goquery.OuterHtml(body)
	if err != nil {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(markup)
	if err != nil {
		md = VisibleText(body)
	}
	md = strings.TrimSpace(md)
	if maxLen > 0 && len(md) > maxLen {
		md = truncateUTF8(md, maxLen)
	}
	return md
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
