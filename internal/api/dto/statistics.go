package dto

import "time"

type CountryCount struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Count       int64  `json:"count"`
}

type TierCount struct {
	Tier    uint8  `json:"tier"`
	Label   string `json:"label"`
	Total   int64  `json:"total"`
	Working int64  `json:"working"`
}

type RecentJob struct {
	ID             uint64    `json:"id"`
	JobType        string    `json:"job_type"`
	Status         string    `json:"status"`
	ProxiesFound   uint64    `json:"proxies_found"`
	ProxiesWorking uint64    `json:"proxies_working"`
	CreatedAt      time.Time `json:"created_at"`
}

type ProxyStats struct {
	Total           int64            `json:"total"`
	Working         int64            `json:"working"`
	SuccessRate     float64          `json:"success_rate"`
	AvgResponseTime float64          `json:"avg_response_time"`
	ByProtocol      map[string]int64 `json:"by_protocol"`
	ByTier          []TierCount      `json:"by_tier"`
	CountryCount    int64            `json:"country_count"`
	TopCountries    []CountryCount   `json:"top_countries"`
	RecentJobs      []RecentJob      `json:"recent_jobs"`
}

type JobStats struct {
	Total             int64   `json:"total"`
	Pending           int64   `json:"pending"`
	Running           int64   `json:"running"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgProxiesFound   float64 `json:"avg_proxies_found"`
	AvgProxiesWorking float64 `json:"avg_proxies_working"`
}

type TestStats struct {
	Total           int64   `json:"total"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

type SourceStats struct {
	Name          string     `json:"name"`
	Tier          uint8      `json:"tier"`
	IsActive      bool       `json:"is_active"`
	TotalFetched  uint64     `json:"total_fetched"`
	SuccessRate   float64    `json:"success_rate"`
	LastFetchAt   *time.Time `json:"last_fetch_at"`
	LastSuccessAt *time.Time `json:"last_success_at"`
	ProxyCount    int64      `json:"proxy_count"`
	WorkingCount  int64      `json:"working_count"`
}

type LabeledValue struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

type SourceRef struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// FiltersInfo enumerates the values a client can filter proxies and jobs by.
type FiltersInfo struct {
	Protocols   []string       `json:"protocols"`
	Tiers       []LabeledValue `json:"tiers"`
	Countries   []string       `json:"countries"`
	Sources     []SourceRef    `json:"sources"`
	JobTypes    []string       `json:"job_types"`
	JobStatuses []string       `json:"job_statuses"`
}
