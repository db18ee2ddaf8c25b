package category

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/maltedev/catalog-extractor/internal/dom"
)

var assetExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".avif": true,
	".svg": true, ".ico": true, ".bmp": true, ".css": true, ".js": true, ".json": true,
	".xml": true, ".pdf": true, ".zip": true, ".mp3": true, ".mp4": true, ".webm": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".txt": true,
}

var deniedPaths = []*regexp.Regexp{
	// auth
	regexp.MustCompile(`(?i)/(login|logout|signin|sign-in|signup|sign-up|register|registro|account|my-account|mi-cuenta|cuenta|auth|password|anmelden|konto)(/|$)`),
	// cart
	regexp.MustCompile(`(?i)/(cart|basket|bag|carrito|cesta|warenkorb|wishlist|favoritos)(/|$)`),
	// checkout
	regexp.MustCompile(`(?i)/(checkout|pago|kasse|order|pedido)s?(/|$)`),
	// legal
	regexp.MustCompile(`(?i)/(privacy|privacidad|terms|terminos|términos|legal|cookies?|aviso-legal|impressum|datenschutz|agb|conditions|condiciones)([/.-]|$)`),
	// search
	regexp.MustCompile(`(?i)/(search|buscar|busqueda|búsqueda|suche)(/|$)`),
	// product detail
	regexp.MustCompile(`(?i)/(p|product|dp)/`),
	regexp.MustCompile(`(?i)[-_/]\d{4,}\.html?$`),
	// pagination
	regexp.MustCompile(`(?i)/(page|pagina|página|seite)/\d+`),
}

var deniedQueryKeys = map[string]bool{
	"q": true, "query": true, "search": true, "s": true,
	"page": true, "p": true, "pagina": true, "pg": true,
	"price": true, "precio": true, "min_price": true, "max_price": true,
	"price_min": true, "price_max": true, "preis": true,
}

// URLFilter decides whether a resolved href can point to a category page of
// the base site.
type URLFilter struct {
	deny []glob.Glob
}

// NewURLFilter compiles the extra deny patterns. They are matched against
// the full resolved URL, e.g. "*://*/outlet/*".
func NewURLFilter(denyGlobs []string) (*URLFilter, error) {
	f := &URLFilter{}
	for _, p := range denyGlobs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", p, err)
		}
		f.deny = append(f.deny, g)
	}
	return f, nil
}

// Accept resolves href against base and returns the absolute URL when it
// passes every rule.
func (f *URLFilter) Accept(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	u, err := dom.ResolveURL(base.String(), href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !dom.SameSite(u.Hostname(), base.Hostname()) {
		return "", false
	}
	if assetExtensions[strings.ToLower(path.Ext(u.Path))] {
		return "", false
	}
	for _, re := range deniedPaths {
		if re.MatchString(u.Path) {
			return "", false
		}
	}
	for key := range u.Query() {
		if deniedQueryKeys[strings.ToLower(key)] {
			return "", false
		}
	}

	abs := u.String()
	for _, g := range f.deny {
		if g.Match(abs) {
			return "", false
		}
	}
	return abs, true
}
