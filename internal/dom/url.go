package dom

import (
	"fmt"
	"net/url"
	"strings"

	whatwgurl "github.com/nlnwa/whatwg-url/url"
)

var urlParser = whatwgurl.NewParser(whatwgurl.WithPercentEncodeSinglePercentSign())

// ResolveURL resolves ref against base the way a browser would and returns
// the result without its fragment.
func ResolveURL(base, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty reference")
	}
	u, err := urlParser.ParseRef(base, ref)
	if err != nil {
		return nil, err
	}
	return url.Parse(u.Href(true))
}

// SameSite compares hosts case-insensitively, ignoring a leading "www.".
func SameSite(a, b string) bool {
	return trimWWW(a) == trimWWW(b)
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
