package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

type ProductCandidate struct {
	Title           string          `json:"title"`
	PriceRaw        *string         `json:"price_raw,omitempty"`
	PriceNormalized decimal.Decimal `json:"price_normalized"`
	Currency        string          `json:"currency,omitempty"`
	ImageURLs       []string        `json:"image_urls"`
	Description     string          `json:"description,omitempty"`
	Dimensions      *string         `json:"dimensions,omitempty"`
	SourceURL       string          `json:"source_url"`
	ExtractedAt     time.Time       `json:"extracted_at"`
}

func NewProductCandidate(sourceURL string) *ProductCandidate {
	return &ProductCandidate{
		SourceURL:   sourceURL,
		ImageURLs:   make([]string, 0),
		ExtractedAt: time.Now(),
	}
}

// AddImage appends url unless it is empty or already present.
func (p *ProductCandidate) AddImage(url string) bool {
	if url == "" {
		return false
	}
	for _, existing := range p.ImageURLs {
		if existing == url {
			return false
		}
	}
	p.ImageURLs = append(p.ImageURLs, url)
	return true
}

func (p *ProductCandidate) HasSignal() bool {
	return strings.TrimSpace(p.Title) != "" || len(p.ImageURLs) > 0
}

// Fingerprint identifies a product across runs. Title and source page are
// stable even when price or images change.
func (p *ProductCandidate) Fingerprint() string {
	key := strings.ToLower(strings.TrimSpace(p.Title)) + "|" + p.SourceURL
	if p.Title == "" && len(p.ImageURLs) > 0 {
		key = p.ImageURLs[0] + "|" + p.SourceURL
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func (p *ProductCandidate) Validate() []string {
	var errors []string

	if !p.HasSignal() {
		errors = append(errors, "title or image is required")
	}

	if p.SourceURL == "" {
		errors = append(errors, "source URL is required")
	}

	if p.PriceNormalized.IsNegative() {
		errors = append(errors, "price cannot be negative")
	}

	return errors
}
