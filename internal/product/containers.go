package product

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/maltedev/catalog-extractor/internal/dom"
)

// containerStrategy locates product containers on a page.
type containerStrategy struct {
	name     string
	selector string
}

func (s containerStrategy) tryExtract(doc *dom.Document) (*goquery.Selection, bool) {
	sel := innermost(doc.Find(s.selector))
	return sel, sel.Length() > 0
}

// Ordered by confidence. The first strategy with a match is used on its own.
var containerStrategies = []containerStrategy{
	{name: "microdata", selector: `[itemtype*="schema.org/Product"]`},
	{name: "product-class", selector: `article[class*=product], li[class*=product], div[class*=product-item], div[class*=product-card]`},
	{name: "product-tile", selector: `[class*=product-tile], [class*=productCard], [data-product-id]`},
	{name: "priced-card", selector: `[class*=card]:has([class*=price])`},
}

// innermost drops every element that contains another element of sel, so a
// wrapper and the cards inside it are not both treated as products.
func innermost(sel *goquery.Selection) *goquery.Selection {
	if sel.Length() < 2 {
		return sel
	}
	set := make(map[*html.Node]bool, sel.Length())
	for _, n := range sel.Nodes {
		set[n] = true
	}
	outer := make(map[*html.Node]bool)
	for _, n := range sel.Nodes {
		for p := n.Parent; p != nil; p = p.Parent {
			if set[p] {
				outer[p] = true
			}
		}
	}
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return !outer[s.Get(0)]
	})
}

// findContainers returns the product containers and the name of the
// strategy that produced them. When nothing matches, a single-product page
// yields its body as the only container.
func findContainers(doc *dom.Document, single bool) (*goquery.Selection, string) {
	for _, s := range containerStrategies {
		if sel, ok := s.tryExtract(doc); ok {
			return sel, s.name
		}
	}
	if single {
		return doc.Find("body").First(), "single-page"
	}
	return nil, ""
}

// isSingleProduct reports a product detail page: a JSON-LD Product, an
// og:type of product, or exactly one price element.
func isSingleProduct(doc *dom.Document) bool {
	if len(doc.JSONLDOfType("Product")) > 0 {
		return true
	}
	if strings.HasPrefix(strings.ToLower(doc.Meta("og:type")), "product") {
		return true
	}
	return innermost(doc.Find(`[class*=price]`)).Length() == 1
}
