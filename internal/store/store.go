// Package store is a local SQLite sink for extracted catalog records.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

type Store struct {
	db *gorm.DB
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the API read while workers write.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&CategoryRow{}, &ProductRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) StoreCategory(ctx context.Context, c models.Category) error {
	row := CategoryRow{
		Fingerprint: c.Fingerprint(),
		Site:        hostOf(c.URL),
		Name:        c.Name,
		URL:         c.URL,
		SourceKey:   c.SourceKey,
		Origin:      string(c.Origin),
		SeenCount:   1,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: append(
			clause.AssignmentColumns([]string{"name", "origin", "updated_at"}),
			clause.Assignment{Column: clause.Column{Name: "seen_count"}, Value: gorm.Expr("seen_count + 1")},
		),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert category: %v: %w", err, scraper.ErrPersistenceFailure)
	}
	return nil
}

func (s *Store) StoreProduct(ctx context.Context, p models.ProductCandidate) error {
	images, err := json.Marshal(p.ImageURLs)
	if err != nil {
		return fmt.Errorf("failed to encode images: %v: %w", err, scraper.ErrPersistenceFailure)
	}
	if p.ImageURLs == nil {
		images = []byte("[]")
	}

	row := ProductRow{
		Fingerprint:     p.Fingerprint(),
		Site:            hostOf(p.SourceURL),
		Title:           p.Title,
		PriceRaw:        p.PriceRaw,
		PriceNormalized: p.PriceNormalized.String(),
		Currency:        p.Currency,
		ImageURLs:       string(images),
		Description:     p.Description,
		Dimensions:      p.Dimensions,
		SourceURL:       p.SourceURL,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: append(
			clause.AssignmentColumns([]string{
				"title", "price_raw", "price_normalized", "currency",
				"image_urls", "description", "updated_at",
			}),
			clause.Assignment{
				Column: clause.Column{Name: "dimensions"},
				Value:  gorm.Expr("COALESCE(excluded.dimensions, dimensions)"),
			},
		),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert product: %v: %w", err, scraper.ErrPersistenceFailure)
	}
	return nil
}

// Categories returns the categories stored for site ordered by name.
func (s *Store) Categories(ctx context.Context, site string) ([]CategoryRow, error) {
	var rows []CategoryRow
	err := s.db.WithContext(ctx).Where("site = ?", site).Order("name").Find(&rows).Error
	return rows, err
}

// Products returns the products stored for site ordered by title.
func (s *Store) Products(ctx context.Context, site string) ([]ProductRow, error) {
	var rows []ProductRow
	err := s.db.WithContext(ctx).Where("site = ?", site).Order("title").Find(&rows).Error
	return rows, err
}

// CountBySite returns how many categories and products are stored for site.
func (s *Store) CountBySite(ctx context.Context, site string) (categories, products int64, err error) {
	db := s.db.WithContext(ctx)
	if err := db.Model(&CategoryRow{}).Where("site = ?", site).Count(&categories).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count categories: %w", err)
	}
	if err := db.Model(&ProductRow{}).Where("site = ?", site).Count(&products).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count products: %w", err)
	}
	return categories, products, nil
}

// Images decodes the stored image list.
func (r ProductRow) Images() []string {
	var out []string
	if err := json.Unmarshal([]byte(r.ImageURLs), &out); err != nil {
		return nil
	}
	return out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
