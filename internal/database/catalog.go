package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_category (
	fingerprint   TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	url           TEXT NOT NULL,
	source_key    TEXT NOT NULL,
	origin        TEXT NOT NULL,
	site          TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_category_site ON catalog_category (site);

CREATE TABLE IF NOT EXISTS catalog_product (
	fingerprint      TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	price_raw        TEXT,
	price_normalized NUMERIC NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT '',
	image_urls       JSONB NOT NULL DEFAULT '[]',
	description      TEXT NOT NULL DEFAULT '',
	dimensions       TEXT,
	source_url       TEXT NOT NULL,
	site             TEXT NOT NULL,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_product_site ON catalog_product (site);

ALTER TABLE catalog_product ALTER COLUMN price_normalized TYPE NUMERIC;

CREATE TABLE IF NOT EXISTS outbox_event (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	target_stream  TEXT NOT NULL,
	status         TEXT NOT NULL,
	retry_count    INT NOT NULL DEFAULT 0,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ,
	next_retry_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at);
`

type CategoryRecord struct {
	Fingerprint string
	Name        string
	URL         string
	SourceKey   string
	Origin      string
	Site        string
	SeenAt      time.Time
}

type ProductRecord struct {
	Fingerprint     string
	Title           string
	PriceRaw        *string
	PriceNormalized decimal.Decimal
	Currency        string
	ImageURLs       []string
	Description     string
	Dimensions      *string
	SourceURL       string
	Site            string
	SeenAt          time.Time
}

// CatalogRepository writes category and product rows keyed by fingerprint.
type CatalogRepository struct {
	db *DB
}

func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// UpsertCategoryTx inserts or refreshes a category row. It reports whether the
// row was new.
func (r *CatalogRepository) UpsertCategoryTx(ctx context.Context, tx pgx.Tx, rec *CategoryRecord) (bool, error) {
	query := `
		INSERT INTO catalog_category (
			fingerprint, name, url, source_key, origin, site, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			name = EXCLUDED.name,
			origin = EXCLUDED.origin,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0)`

	var inserted bool
	err := tx.QueryRow(ctx, query,
		rec.Fingerprint, rec.Name, rec.URL, rec.SourceKey, rec.Origin, rec.Site, seenAt(rec.SeenAt),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert category %s: %w", rec.Fingerprint, err)
	}
	return inserted, nil
}

// UpsertProductTx inserts or refreshes a product row. Price, images and
// dimensions always take the latest extraction; a missing dimension does not
// erase a known one.
func (r *CatalogRepository) UpsertProductTx(ctx context.Context, tx pgx.Tx, rec *ProductRecord) (bool, error) {
	images := rec.ImageURLs
	if images == nil {
		images = []string{}
	}

	query := `
		INSERT INTO catalog_product (
			fingerprint, title, price_raw, price_normalized, currency, image_urls,
			description, dimensions, source_url, site, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (fingerprint) DO UPDATE SET
			title = EXCLUDED.title,
			price_raw = EXCLUDED.price_raw,
			price_normalized = EXCLUDED.price_normalized,
			currency = EXCLUDED.currency,
			image_urls = EXCLUDED.image_urls,
			description = EXCLUDED.description,
			dimensions = COALESCE(EXCLUDED.dimensions, catalog_product.dimensions),
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0)`

	var inserted bool
	err := tx.QueryRow(ctx, query,
		rec.Fingerprint, rec.Title, rec.PriceRaw, rec.PriceNormalized.String(), rec.Currency, images,
		rec.Description, rec.Dimensions, rec.SourceURL, rec.Site, seenAt(rec.SeenAt),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %s: %w", rec.Fingerprint, err)
	}
	return inserted, nil
}

// CountBySite returns how many categories and products are stored for site.
func (r *CatalogRepository) CountBySite(ctx context.Context, site string) (categories, products int64, err error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM catalog_category WHERE site = $1),
			(SELECT COUNT(*) FROM catalog_product WHERE site = $1)`

	if err := r.db.pool.QueryRow(ctx, query, site).Scan(&categories, &products); err != nil {
		return 0, 0, fmt.Errorf("failed to count catalog rows: %w", err)
	}
	return categories, products, nil
}

func seenAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
