package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type CategoryOrigin string

const (
	OriginHeuristic CategoryOrigin = "heuristic"
	OriginAI        CategoryOrigin = "ai"
)

type Category struct {
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	SourceKey    string         `json:"source_key"`
	Origin       CategoryOrigin `json:"origin"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

func NewCategory(name, url string, origin CategoryOrigin) Category {
	return Category{
		Name:         name,
		URL:          url,
		SourceKey:    SourceKey(name),
		Origin:       origin,
		DiscoveredAt: time.Now(),
	}
}

// SourceKey is the dedupe key for category labels.
func SourceKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func (c Category) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(c.SourceKey+"|"+c.URL))
}
