package database

import (
	"context"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/domain"
)

const (
	topCountryLimit = 10
	recentJobLimit  = 5
)

// ProxyStats summarises the pool. Computed on every call.
func ProxyStats(ctx context.Context) (dto.ProxyStats, error) {
	stats := dto.ProxyStats{ByProtocol: map[string]int64{}}

	db, err := conn(ctx)
	if err != nil {
		return stats, err
	}

	var totals struct {
		Total   int64
		Working int64
		AvgRT   *float64
	}
	if err := db.Model(&domain.Proxy{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN is_working THEN 1 ELSE 0 END), 0) AS working, " +
			"AVG(CASE WHEN is_working THEN response_time END) AS avg_rt").
		Scan(&totals).Error; err != nil {
		return stats, err
	}
	stats.Total = totals.Total
	stats.Working = totals.Working
	stats.SuccessRate = percentage(totals.Working, totals.Total)
	if totals.AvgRT != nil {
		stats.AvgResponseTime = domain.Round2(*totals.AvgRT)
	}

	var protocols []struct {
		Protocol string
		Count    int64
	}
	if err := db.Model(&domain.Proxy{}).
		Select("protocol, COUNT(*) AS count").
		Group("protocol").
		Scan(&protocols).Error; err != nil {
		return stats, err
	}
	for _, protocol := range domain.Protocols() {
		stats.ByProtocol[string(protocol)] = 0
	}
	for _, row := range protocols {
		stats.ByProtocol[row.Protocol] = row.Count
	}

	var tiers []struct {
		Tier    uint8
		Total   int64
		Working int64
	}
	if err := db.Model(&domain.Proxy{}).
		Select("tier, COUNT(*) AS total, COALESCE(SUM(CASE WHEN is_working THEN 1 ELSE 0 END), 0) AS working").
		Group("tier").
		Scan(&tiers).Error; err != nil {
		return stats, err
	}
	byTier := make(map[uint8]dto.TierCount, len(tiers))
	for _, row := range tiers {
		byTier[row.Tier] = dto.TierCount{Tier: row.Tier, Total: row.Total, Working: row.Working}
	}
	for _, tier := range domain.Tiers() {
		count := byTier[uint8(tier)]
		count.Tier = uint8(tier)
		count.Label = tier.Label()
		stats.ByTier = append(stats.ByTier, count)
	}

	if err := db.Model(&domain.Proxy{}).
		Where("country_code <> ? AND country_code <> ''", "XX").
		Distinct("country_code").
		Count(&stats.CountryCount).Error; err != nil {
		return stats, err
	}

	if err := db.Model(&domain.Proxy{}).
		Select("country, country_code, COUNT(*) AS count").
		Where("country_code <> ? AND country_code <> ''", "XX").
		Group("country, country_code").
		Order("count DESC").Order("country ASC").
		Limit(topCountryLimit).
		Scan(&stats.TopCountries).Error; err != nil {
		return stats, err
	}
	if stats.TopCountries == nil {
		stats.TopCountries = []dto.CountryCount{}
	}

	var jobs []domain.FetchJob
	if err := db.Order("created_at DESC").Order("id DESC").Limit(recentJobLimit).Find(&jobs).Error; err != nil {
		return stats, err
	}
	stats.RecentJobs = make([]dto.RecentJob, 0, len(jobs))
	for _, job := range jobs {
		stats.RecentJobs = append(stats.RecentJobs, dto.RecentJob{
			ID:             job.ID,
			JobType:        string(job.JobType),
			Status:         string(job.Status),
			ProxiesFound:   job.ProxiesFound,
			ProxiesWorking: job.ProxiesWorking,
			CreatedAt:      job.CreatedAt,
		})
	}

	return stats, nil
}

func JobStats(ctx context.Context) (dto.JobStats, error) {
	var stats dto.JobStats

	db, err := conn(ctx)
	if err != nil {
		return stats, err
	}

	var counts []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&domain.FetchJob{}).Select("status, COUNT(*) AS count").Group("status").Scan(&counts).Error; err != nil {
		return stats, err
	}
	for _, row := range counts {
		stats.Total += row.Count
		switch domain.JobStatus(row.Status) {
		case domain.JobPending:
			stats.Pending = row.Count
		case domain.JobRunning:
			stats.Running = row.Count
		case domain.JobCompleted:
			stats.Completed = row.Count
		case domain.JobFailed:
			stats.Failed = row.Count
		}
	}
	stats.SuccessRate = percentage(stats.Completed, stats.Total)

	var averages struct {
		Found   *float64
		Working *float64
	}
	if err := db.Model(&domain.FetchJob{}).
		Select("AVG(proxies_found) AS found, AVG(proxies_working) AS working").
		Where("status = ?", domain.JobCompleted).
		Scan(&averages).Error; err != nil {
		return stats, err
	}
	if averages.Found != nil {
		stats.AvgProxiesFound = domain.Round2(*averages.Found)
	}
	if averages.Working != nil {
		stats.AvgProxiesWorking = domain.Round2(*averages.Working)
	}

	return stats, nil
}

func TestStats(ctx context.Context) (dto.TestStats, error) {
	var stats dto.TestStats

	db, err := conn(ctx)
	if err != nil {
		return stats, err
	}

	var row struct {
		Total      int64
		Successful int64
		AvgRT      *float64
	}
	if err := db.Model(&domain.ProxyTest{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful, " +
			"AVG(CASE WHEN success THEN response_time END) AS avg_rt").
		Scan(&row).Error; err != nil {
		return stats, err
	}

	stats.Total = row.Total
	stats.Successful = row.Successful
	stats.Failed = row.Total - row.Successful
	stats.SuccessRate = percentage(row.Successful, row.Total)
	if row.AvgRT != nil {
		stats.AvgResponseTime = domain.Round2(*row.AvgRT)
	}
	return stats, nil
}

// SourceStats joins each registered source with its share of the pool.
func SourceStats(ctx context.Context) ([]dto.SourceStats, error) {
	sources, err := ListSources(ctx, nil, false)
	if err != nil {
		return nil, err
	}

	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var counts []struct {
		Source  string
		Total   int64
		Working int64
	}
	if err := db.Model(&domain.Proxy{}).
		Select("source, COUNT(*) AS total, COALESCE(SUM(CASE WHEN is_working THEN 1 ELSE 0 END), 0) AS working").
		Group("source").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	bySource := make(map[string][2]int64, len(counts))
	for _, row := range counts {
		bySource[row.Source] = [2]int64{row.Total, row.Working}
	}

	out := make([]dto.SourceStats, 0, len(sources))
	for _, source := range sources {
		pool := bySource[source.Name]
		out = append(out, dto.SourceStats{
			Name:          source.Name,
			Tier:          uint8(source.Tier),
			IsActive:      source.IsActive,
			TotalFetched:  source.TotalFetched,
			SuccessRate:   source.SuccessRate,
			LastFetchAt:   source.LastFetchAt,
			LastSuccessAt: source.LastSuccessAt,
			ProxyCount:    pool[0],
			WorkingCount:  pool[1],
		})
	}
	return out, nil
}

// FiltersInfo lists the values clients may filter by.
func FiltersInfo(ctx context.Context) (dto.FiltersInfo, error) {
	info := dto.FiltersInfo{}
	for _, protocol := range domain.Protocols() {
		info.Protocols = append(info.Protocols, string(protocol))
	}
	for _, tier := range domain.Tiers() {
		info.Tiers = append(info.Tiers, dto.LabeledValue{Value: uint8(tier), Label: tier.Label()})
	}
	for _, jobType := range domain.JobTypes() {
		info.JobTypes = append(info.JobTypes, string(jobType))
	}
	for _, status := range domain.JobStatuses() {
		info.JobStatuses = append(info.JobStatuses, string(status))
	}

	db, err := conn(ctx)
	if err != nil {
		return info, err
	}

	if err := db.Model(&domain.Proxy{}).
		Where("country <> '' AND country <> ?", "Unknown").
		Distinct().
		Order("country").
		Pluck("country", &info.Countries).Error; err != nil {
		return info, err
	}
	if info.Countries == nil {
		info.Countries = []string{}
	}

	if err := db.Model(&domain.ProxySource{}).
		Select("id, name").
		Order("name").
		Scan(&info.Sources).Error; err != nil {
		return info, err
	}
	if info.Sources == nil {
		info.Sources = []dto.SourceRef{}
	}
	return info, nil
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return domain.Round2(float64(part) / float64(total) * 100)
}
