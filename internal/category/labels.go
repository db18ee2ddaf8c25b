package category

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-extractor/internal/dom"
)

const (
	minLabelLen = 2
	maxLabelLen = 50
	maxWords    = 5
)

// labelStrategy yields a candidate label for an anchor.
type labelStrategy interface {
	tryExtract(a *goquery.Selection) (string, bool)
}

type anchorText struct{}

func (anchorText) tryExtract(a *goquery.Selection) (string, bool) {
	text := dom.VisibleText(a)
	n := utf8.RuneCountInString(text)
	return text, n >= minLabelLen && n <= maxLabelLen
}

type attributeLabel struct {
	attrs []string
}

func (s attributeLabel) tryExtract(a *goquery.Selection) (string, bool) {
	for _, attr := range s.attrs {
		if v := dom.Collapse(a.AttrOr(attr, "")); v != "" {
			return v, true
		}
	}
	return "", false
}

type descendantText struct {
	selector string
}

func (s descendantText) tryExtract(a *goquery.Selection) (string, bool) {
	text := dom.VisibleText(a.Find(s.selector).First())
	return text, text != ""
}

var labelStrategies = []labelStrategy{
	anchorText{},
	attributeLabel{attrs: []string{"title", "aria-label"}},
	descendantText{selector: "h1, h2, h3, h4, h5, h6, span"},
}

func labelFor(a *goquery.Selection) string {
	for _, s := range labelStrategies {
		if label, ok := s.tryExtract(a); ok {
			return label
		}
	}
	return ""
}

var (
	leadingVerb    = regexp.MustCompile(`(?i)^(view|shop|ver|comprar|ir a|see|descubre|discover)\s+`)
	trailingAdverb = regexp.MustCompile(`(?i)\s+(now|more|más|ahora|all|todo|todos|todas)$`)
)

// CleanLabel collapses whitespace and strips call-to-action words around the
// category name: "Ver sofás ahora" becomes "sofás".
func CleanLabel(label string) string {
	label = dom.Collapse(label)
	label = leadingVerb.ReplaceAllString(label, "")
	label = trailingAdverb.ReplaceAllString(label, "")
	return strings.TrimSpace(label)
}

var blacklist = map[string]bool{}

func init() {
	for _, w := range []string{
		"home", "inicio", "start", "startseite", "homepage",
		"login", "log in", "sign in", "sign up", "logout", "iniciar sesión", "registro", "register", "anmelden",
		"cart", "carrito", "cesta", "bag", "basket", "warenkorb", "checkout",
		"account", "my account", "mi cuenta", "cuenta", "mein konto",
		"contact", "contacto", "contact us", "kontakt",
		"help", "ayuda", "faq", "faqs", "hilfe",
		"about", "about us", "sobre nosotros", "quiénes somos", "über uns",
		"blog", "news", "noticias", "newsletter", "prensa", "press",
		"privacy", "privacidad", "terms", "cookies", "legal", "aviso legal", "impressum",
		"search", "buscar", "suche", "menu", "menú",
		"close", "cerrar", "back", "volver", "next", "previous", "siguiente", "anterior",
		"more", "más", "all", "todo", "ver más", "see more", "see all", "ver todo",
		"wishlist", "favoritos", "stores", "tiendas", "store locator", "tienda",
		"careers", "empleo", "trabaja con nosotros", "jobs",
		"skip to content", "saltar al contenido", "shop", "comprar",
		"español", "english", "deutsch", "français", "italiano", "português",
		"envíos", "shipping", "devoluciones", "returns",
	} {
		blacklist[w] = true
	}
}

var (
	promoPattern     = regexp.MustCompile(`(?i)\d+\s*%\s*(off|dto\.?|descuento|rabatt)|special price|oferta especial|descuento|sale up to`)
	collisionPattern = regexp.MustCompile(`[a-zà-ÿ][A-ZÀ-Þ]`)
)

// IsValidCategoryName rejects labels that are navigation chrome, promotions
// or text glued together from several elements.
func IsValidCategoryName(name string) bool {
	name = dom.Collapse(name)
	n := utf8.RuneCountInString(name)
	if n < minLabelLen || n > maxLabelLen {
		return false
	}

	lower := strings.ToLower(name)
	if blacklist[lower] {
		return false
	}
	if strings.ContainsAny(name, "$€£¥₹") {
		return false
	}
	if promoPattern.MatchString(name) {
		return false
	}
	if first, _ := utf8.DecodeRuneInString(name); unicode.IsDigit(first) {
		return false
	}
	if collisionPattern.MatchString(name) {
		return false
	}
	if len(strings.Fields(name)) > maxWords {
		return false
	}
	if strings.Contains(lower, "cookie") || strings.Contains(lower, "accept") {
		return false
	}
	return true
}
