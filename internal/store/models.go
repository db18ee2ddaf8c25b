package store

// CategoryRow is one discovered category, unique per fingerprint.
type CategoryRow struct {
	ID          uint   `gorm:"primaryKey"`
	Fingerprint string `gorm:"uniqueIndex;not null"`
	Site        string `gorm:"index;not null"`
	Name        string `gorm:"not null"`
	URL         string `gorm:"type:text;not null"`
	SourceKey   string `gorm:"not null"`
	Origin      string `gorm:"not null"`
	SeenCount   int    `gorm:"default:1"`
	CreatedAt   int64  `gorm:"autoCreateTime"`
	UpdatedAt   int64  `gorm:"autoUpdateTime"`
}

func (CategoryRow) TableName() string { return "categories" }

// ProductRow is one extracted product. Prices are stored as their canonical
// decimal string and ImageURLs as a JSON array.
type ProductRow struct {
	ID              uint    `gorm:"primaryKey"`
	Fingerprint     string  `gorm:"uniqueIndex;not null"`
	Site            string  `gorm:"index;not null"`
	Title           string  `gorm:"type:text"`
	PriceRaw        *string `gorm:"type:text"`
	PriceNormalized string  `gorm:"default:'0'"`
	Currency        string
	ImageURLs       string  `gorm:"type:text;default:'[]'"`
	Description     string  `gorm:"type:text"`
	Dimensions      *string `gorm:"type:text"`
	SourceURL       string  `gorm:"type:text;not null"`
	CreatedAt       int64   `gorm:"autoCreateTime"`
	UpdatedAt       int64   `gorm:"autoUpdateTime"`
}

func (ProductRow) TableName() string { return "products" }
