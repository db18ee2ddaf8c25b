package product

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-extractor/internal/dom"
)

// imageSource is everything an imageStrategy may look at.
type imageSource struct {
	container *goquery.Selection
	doc       *dom.Document
	single    bool
}

// imageStrategy returns raw, unresolved image references.
type imageStrategy interface {
	tryExtract(src imageSource) ([]string, bool)
}

type imgAttributes struct{}

func (imgAttributes) tryExtract(src imageSource) ([]string, bool) {
	var out []string
	src.container.Find("img").Each(func(_ int, img *goquery.Selection) {
		for _, attr := range []string{"src", "data-src", "data-lazy-src", "data-original"} {
			v := strings.TrimSpace(img.AttrOr(attr, ""))
			if v == "" || isDataURI(v) {
				continue
			}
			out = append(out, v)
			return
		}
	})
	return out, len(out) > 0
}

type srcsetAttributes struct{}

func (srcsetAttributes) tryExtract(src imageSource) ([]string, bool) {
	var out []string
	src.container.Find("img, source").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"srcset", "data-srcset"} {
			if best := largestFromSrcset(s.AttrOr(attr, "")); best != "" {
				out = append(out, best)
				return
			}
		}
	})
	return out, len(out) > 0
}

type jsonLDImages struct{}

func (jsonLDImages) tryExtract(src imageSource) ([]string, bool) {
	if !src.single {
		return nil, false
	}
	var out []string
	for _, obj := range src.doc.JSONLDOfType("Product") {
		out = appendLDImages(out, obj["image"])
	}
	return out, len(out) > 0
}

type ogImage struct{}

func (ogImage) tryExtract(src imageSource) ([]string, bool) {
	if !src.single {
		return nil, false
	}
	if v := src.doc.Meta("og:image"); v != "" {
		return []string{v}, true
	}
	return nil, false
}

// Per-container sources come first. Page-level sources only apply when the
// page describes a single product.
var imageStrategies = []imageStrategy{
	imgAttributes{},
	srcsetAttributes{},
	jsonLDImages{},
	ogImage{},
}

// extractImages runs the strategies in order and stops at the first one that
// produced a usable URL.
func extractImages(src imageSource, resolve func(string) (string, bool)) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range imageStrategies {
		refs, ok := s.tryExtract(src)
		if !ok {
			continue
		}
		for _, ref := range refs {
			abs, ok := resolve(ref)
			if !ok || seen[abs] {
				continue
			}
			seen[abs] = true
			out = append(out, abs)
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

func isDataURI(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "data:")
}

// largestFromSrcset picks the candidate with the highest width descriptor,
// falling back to the highest density descriptor.
func largestFromSrcset(srcset string) string {
	var (
		bestW, bestX       float64
		bestWURL, bestXURL string
	)
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(entry)
		if len(fields) == 0 || isDataURI(fields[0]) {
			continue
		}
		ref, desc := fields[0], "1x"
		if len(fields) > 1 {
			desc = strings.ToLower(fields[1])
		}
		n, err := strconv.ParseFloat(desc[:len(desc)-1], 64)
		if err != nil {
			continue
		}
		switch desc[len(desc)-1] {
		case 'w':
			if n > bestW {
				bestW, bestWURL = n, ref
			}
		case 'x':
			if n > bestX {
				bestX, bestXURL = n, ref
			}
		}
	}
	if bestWURL != "" {
		return bestWURL
	}
	return bestXURL
}

// appendLDImages accepts the shapes schema.org allows for image: a URL, an
// ImageObject, or a list of either.
func appendLDImages(out []string, v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			out = appendLDImages(out, item)
		}
	case map[string]any:
		for _, key := range []string{"url", "contentUrl"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}
