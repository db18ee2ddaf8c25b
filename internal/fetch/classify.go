package fetch

import (
	"strings"

	"github.com/maltedev/catalog-extractor/internal/dom"
)

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"robot check",
	"are you a robot",
	"are you human",
	"pardon our interruption",
	"security check",
	"captcha",
	"verificación de seguridad",
	"un momento",
	"tut uns leid",
}

var challengeMarkers = []string{
	"cf-chl-",
	"cf_chl_",
	"px-captcha",
	"g-recaptcha",
	"h-captcha",
	"distil_r_captcha",
	"_incapsula_resource",
	"verify you are human",
	"unusual traffic",
	"enable javascript and cookies to continue",
	"klicke auf die schaltfläche unten",
}

// challengeTextLimit bounds the visible text of a challenge interstitial.
// Real catalog pages that merely embed a captcha widget are much longer.
const challengeTextLimit = 3000

// IsChallenge reports whether markup looks like an anti-bot interstitial.
func IsChallenge(markup string) bool {
	if strings.TrimSpace(markup) == "" {
		return false
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return false
	}

	title := strings.ToLower(dom.Collapse(doc.Find("title").First().Text()))
	for _, t := range challengeTitles {
		if strings.Contains(title, t) {
			return true
		}
	}

	text := dom.VisibleText(doc.Find("body"))
	if len(text) > challengeTextLimit {
		return false
	}
	lower := strings.ToLower(markup)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsEmptyContent reports markup with no visible body text and no links,
// typically a client-rendered shell.
func IsEmptyContent(markup string) bool {
	if strings.TrimSpace(markup) == "" {
		return true
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return true
	}
	if doc.Find("a[href]").Length() > 0 {
		return false
	}
	return dom.VisibleText(doc.Find("body")) == ""
}
