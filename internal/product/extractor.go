// Package product turns listing and detail pages into product candidates.
package product

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-extractor/internal/dom"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/parser"
)

var (
	titleSelectors       = []string{"h1", "h2", "h3", "h4", "[class*=title]", "[class*=name]", "[itemprop=name]"}
	descriptionSelectors = []string{"[class*=description]", "[itemprop=description]", "p"}
	hasDigit             = regexp.MustCompile(`\d`)
)

type Extractor struct {
	logger *slog.Logger
}

func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger.With("component", "product_extractor")}
}

// Extract returns the product candidates found in markup. The error is
// non-nil only for an unusable baseURL.
func (e *Extractor) Extract(markup, baseURL string) ([]models.ProductCandidate, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	doc, err := dom.Parse(markup)
	if err != nil {
		e.logger.Debug("unparseable markup", "url", baseURL, "error", err)
		return []models.ProductCandidate{}, nil
	}

	singlePage := isSingleProduct(doc)
	containers, strategy := findContainers(doc, singlePage)
	if containers == nil {
		e.logger.Debug("no product containers", "url", baseURL)
		return []models.ProductCandidate{}, nil
	}
	single := singlePage && containers.Length() == 1

	resolve := func(ref string) (string, bool) {
		u, err := dom.ResolveURL(base.String(), ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", false
		}
		return u.String(), true
	}

	var ld map[string]any
	if single {
		if objs := doc.JSONLDOfType("Product"); len(objs) > 0 {
			ld = objs[0]
		}
	}

	// Containers are distinct nodes, so same-title variants stay separate.
	out := []models.ProductCandidate{}
	containers.Each(func(_ int, c *goquery.Selection) {
		p := e.candidate(c, doc, ld, single, base.String(), resolve)
		if p.HasSignal() {
			out = append(out, *p)
		}
	})

	e.logger.Debug("extracted products", "url", baseURL, "strategy", strategy, "containers", containers.Length(), "products", len(out))
	return out, nil
}

func (e *Extractor) candidate(c *goquery.Selection, doc *dom.Document, ld map[string]any, single bool, sourceURL string, resolve func(string) (string, bool)) *models.ProductCandidate {
	p := models.NewProductCandidate(sourceURL)

	p.Title = firstText(c, titleSelectors)
	if p.Title == "" && single {
		p.Title = dom.Collapse(firstNonEmpty(ldString(ld, "name"), doc.Meta("og:title")))
	}

	raw, currency := priceOf(c)
	if raw == "" && ld != nil {
		raw, currency = ldOffer(ld)
	}
	if raw != "" {
		p.PriceRaw = &raw
		p.PriceNormalized = parser.NormalizePrice(raw)
		p.Currency = firstNonEmpty(parser.DetectCurrency(raw), strings.ToUpper(currency))
	}

	p.Description = firstText(c, descriptionSelectors)
	if p.Description == "" && single {
		p.Description = dom.Collapse(firstNonEmpty(ldString(ld, "description"), doc.Meta("og:description"), doc.Meta("description")))
	}

	for _, img := range extractImages(imageSource{container: c, doc: doc, single: single}, resolve) {
		p.AddImage(img)
	}

	p.Dimensions = parser.ExtractDimensions(p.Title + " " + p.Description)
	return p
}

func firstText(c *goquery.Selection, selectors []string) string {
	for _, s := range selectors {
		if t := dom.VisibleText(c.Find(s).First()); t != "" {
			return t
		}
	}
	return ""
}

// priceOf returns the first price-looking text in c and any declared
// currency code.
func priceOf(c *goquery.Selection) (string, string) {
	currency := strings.TrimSpace(c.Find(`[itemprop=priceCurrency]`).First().AttrOr("content", ""))
	if currency == "" {
		currency = dom.VisibleText(c.Find(`[itemprop=priceCurrency]`).First())
	}

	var raw string
	c.Find(`[class*=price], [itemprop=price]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := dom.VisibleText(s); hasDigit.MatchString(t) {
			raw = t
			return false
		}
		if v := strings.TrimSpace(s.AttrOr("content", "")); hasDigit.MatchString(v) {
			raw = v
			return false
		}
		return true
	})
	return raw, currency
}

// ldOffer reads price and currency from a JSON-LD Product's offers, which
// may be a single Offer, an AggregateOffer or a list.
func ldOffer(ld map[string]any) (string, string) {
	var offer map[string]any
	switch t := ld["offers"].(type) {
	case map[string]any:
		offer = t
	case []any:
		if len(t) > 0 {
			offer, _ = t[0].(map[string]any)
		}
	}
	if offer == nil {
		return "", ""
	}
	price := firstNonEmpty(ldString(offer, "price"), ldString(offer, "lowPrice"))
	return price, ldString(offer, "priceCurrency")
}

func ldString(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
