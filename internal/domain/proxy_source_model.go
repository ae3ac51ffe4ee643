package domain

import "time"

type SourceKind string

const (
	SourceKindAPI    SourceKind = "api"
	SourceKindScrape SourceKind = "scrape"
)

// ProxySource is the registered, persisted identity of a source adapter.
type ProxySource struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string     `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Kind           SourceKind `gorm:"size:10;not null" json:"kind"`
	Tier           Tier       `gorm:"not null;index" json:"tier"`
	IsActive       bool       `gorm:"not null" json:"is_active"`
	LastFetchAt    *time.Time `json:"last_fetch_at"`
	LastSuccessAt  *time.Time `json:"last_success_at"`
	TotalFetched   uint64     `gorm:"not null;default:0" json:"total_fetched"`
	FetchAttempts  uint64     `gorm:"not null;default:0" json:"fetch_attempts"`
	FetchSuccesses uint64     `gorm:"not null;default:0" json:"fetch_successes"`
	SuccessRate    float64    `gorm:"not null;default:0" json:"success_rate"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
