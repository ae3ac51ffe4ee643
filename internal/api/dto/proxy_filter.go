package dto

import "time"

// ProxyFilter narrows proxy listings and exports. Zero values mean "any".
type ProxyFilter struct {
	IDs         []uint64   `json:"ids,omitempty"`
	Protocol    string     `json:"protocol,omitempty"`
	Tier        uint8      `json:"tier,omitempty"`
	IsWorking   *bool      `json:"is_working,omitempty"`
	Country     string     `json:"country,omitempty"`
	CountryCode string     `json:"country_code,omitempty"`
	City        string     `json:"city,omitempty"`
	Region      string     `json:"region,omitempty"`
	Source      string     `json:"source,omitempty"`
	MinResponse *float64   `json:"min_response_time,omitempty"`
	MaxResponse *float64   `json:"max_response_time,omitempty"`
	MinSuccess  *float64   `json:"min_success_rate,omitempty"`
	MaxSuccess  *float64   `json:"max_success_rate,omitempty"`
	MinPort     uint16     `json:"min_port,omitempty"`
	MaxPort     uint16     `json:"max_port,omitempty"`
	HasAuth     *bool      `json:"has_auth,omitempty"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
	CheckedFrom *time.Time `json:"checked_from,omitempty"`
	CheckedTo   *time.Time `json:"checked_to,omitempty"`
	Search      string     `json:"search,omitempty"`
	Ordering    string     `json:"ordering,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	JobType     string     `json:"job_type,omitempty"`
	Status      string     `json:"status,omitempty"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
	MinFound    *uint64    `json:"min_proxies_found,omitempty"`
	MaxFound    *uint64    `json:"max_proxies_found,omitempty"`
	MinWorking  *uint64    `json:"min_proxies_working,omitempty"`
	MaxWorking  *uint64    `json:"max_proxies_working,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Page struct {
	Number int `json:"page"`
	Size   int `json:"page_size"`
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

type PageResult[T any] struct {
	Count    int64 `json:"count"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Results  []T   `json:"results"`
}
