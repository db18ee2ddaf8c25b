package fetch

import (
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// decodeBody converts body to UTF-8. A charset from a BOM, the Content-Type
// header or a meta tag wins; otherwise the encoding is sniffed.
func decodeBody(body []byte, contentType string) string {
	enc, name, certain := charset.DetermineEncoding(body, contentType)

	if !certain && name == "windows-1252" {
		if r, err := chardet.NewTextDetector().DetectBest(body); err == nil && r.Confidence >= 50 {
			if e, n := charset.Lookup(r.Charset); e != nil {
				enc, name = e, n
			}
		}
	}

	if name == "utf-8" {
		return string(body)
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
