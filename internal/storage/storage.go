package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kennygrant/sanitize"

	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

// SiteCatalog is the on-disk document for one host.
type SiteCatalog struct {
	Site       string                             `json:"site"`
	UpdatedAt  time.Time                          `json:"updated_at"`
	Categories map[string]models.Category         `json:"categories"`
	Products   map[string]models.ProductCandidate `json:"products"`
}

func newSiteCatalog(site string) *SiteCatalog {
	return &SiteCatalog{
		Site:       site,
		Categories: make(map[string]models.Category),
		Products:   make(map[string]models.ProductCandidate),
	}
}

// FileSink keeps one JSON file per host under dir, keyed by record
// fingerprint. Every write rewrites the host file through a temp file.
type FileSink struct {
	mu    sync.Mutex
	dir   string
	sites map[string]*SiteCatalog
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &FileSink{dir: dir, sites: make(map[string]*SiteCatalog)}, nil
}

func (s *FileSink) StoreCategory(ctx context.Context, c models.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.site(c.URL)
	if err != nil {
		return err
	}
	site.Categories[c.Fingerprint()] = c
	return s.save(site)
}

func (s *FileSink) StoreProduct(ctx context.Context, p models.ProductCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.site(p.SourceURL)
	if err != nil {
		return err
	}
	if prev, ok := site.Products[p.Fingerprint()]; ok && p.Dimensions == nil {
		p.Dimensions = prev.Dimensions
	}
	site.Products[p.Fingerprint()] = p
	return s.save(site)
}

// Load returns the stored catalog for host, or nil when nothing was written.
func (s *FileSink) Load(host string) (*SiteCatalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.load(strings.ToLower(host))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return site, err
}

// CountBySite returns how many categories and products are stored for host.
func (s *FileSink) CountBySite(ctx context.Context, host string) (categories, products int64, err error) {
	site, err := s.Load(host)
	if err != nil || site == nil {
		return 0, 0, err
	}
	return int64(len(site.Categories)), int64(len(site.Products)), nil
}

func (s *FileSink) site(rawURL string) (*SiteCatalog, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("no host in %q: %w", rawURL, scraper.ErrPersistenceFailure)
	}
	host := strings.ToLower(u.Hostname())

	if site, ok := s.sites[host]; ok {
		return site, nil
	}

	site, err := s.load(host)
	switch {
	case os.IsNotExist(err):
		site = newSiteCatalog(host)
	case err != nil:
		return nil, fmt.Errorf("failed to load %s: %v: %w", host, err, scraper.ErrPersistenceFailure)
	}
	s.sites[host] = site
	return site, nil
}

// path maps a host to its file. Hosts the sanitizer would alter, such as IPv6
// literals or names with repeated dashes, get a hash suffix so two hosts never
// share a file.
func (s *FileSink) path(host string) string {
	name := sanitize.Name(host)
	if name != host {
		name = fmt.Sprintf("%s-%08x", name, uint32(xxhash.Sum64String(host)))
	}
	return filepath.Join(s.dir, name+".json")
}

func (s *FileSink) load(host string) (*SiteCatalog, error) {
	data, err := os.ReadFile(s.path(host))
	if err != nil {
		return nil, err
	}

	site := newSiteCatalog(host)
	if err := json.Unmarshal(data, site); err != nil {
		return nil, err
	}
	return site, nil
}

func (s *FileSink) save(site *SiteCatalog) error {
	site.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(site, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v: %w", site.Site, err, scraper.ErrPersistenceFailure)
	}

	filename := s.path(site.Site)
	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", filename, err, scraper.ErrPersistenceFailure)
	}
	if err := os.Rename(tmpFile, filename); err != nil {
		return fmt.Errorf("failed to replace %s: %v: %w", filename, err, scraper.ErrPersistenceFailure)
	}
	return nil
}
