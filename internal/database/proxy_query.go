package database

import (
	"context"
	"strings"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/domain"

	"gorm.io/gorm"
)

const successRateExpr = "(CASE WHEN success_count + failure_count = 0 THEN 0 ELSE success_count * 100.0 / (success_count + failure_count) END)"

var proxyOrderings = map[string]string{
	"id":             "id ASC",
	"-id":            "id DESC",
	"created_at":     "created_at ASC",
	"-created_at":    "created_at DESC",
	"last_checked":   "last_checked ASC",
	"-last_checked":  "last_checked DESC",
	"response_time":  "response_time ASC",
	"-response_time": "response_time DESC",
	"success_rate":   successRateExpr + " ASC",
	"-success_rate":  successRateExpr + " DESC",
	"tier":           "tier ASC",
	"-tier":          "tier DESC",
	"port":           "port ASC",
	"-port":          "port DESC",
	"ip":             "ip ASC",
	"-ip":            "ip DESC",
	"country":        "country ASC",
	"-country":       "country DESC",
}

// ListProxies pages through the pool with filters applied.
func ListProxies(ctx context.Context, filter dto.ProxyFilter, page dto.Page) (dto.PageResult[domain.Proxy], error) {
	page = page.Normalize()
	result := dto.PageResult[domain.Proxy]{Page: page.Number, PageSize: page.Size}

	db, err := conn(ctx)
	if err != nil {
		return result, err
	}

	query := applyProxyFilter(db.Model(&domain.Proxy{}), filter)
	if err := query.Count(&result.Count).Error; err != nil {
		return result, err
	}

	err = applyProxyOrdering(query, filter.Ordering).
		Offset(page.Offset()).
		Limit(page.Size).
		Find(&result.Results).Error
	return result, err
}

// ProxiesForExport returns every proxy matching filter, ordered by id.
func ProxiesForExport(ctx context.Context, filter dto.ProxyFilter) ([]domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var proxies []domain.Proxy
	err = applyProxyFilter(db.Model(&domain.Proxy{}), filter).Order("id").Find(&proxies).Error
	return proxies, err
}

func CountProxies(ctx context.Context, filter dto.ProxyFilter) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = applyProxyFilter(db.Model(&domain.Proxy{}), filter).Count(&count).Error
	return count, err
}

func applyProxyFilter(query *gorm.DB, filter dto.ProxyFilter) *gorm.DB {
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.Protocol != "" {
		query = query.Where("protocol = ?", strings.ToLower(filter.Protocol))
	}
	if filter.Tier != 0 {
		query = query.Where("tier = ?", filter.Tier)
	}
	if filter.IsWorking != nil {
		query = query.Where("is_working = ?", *filter.IsWorking)
	}
	if filter.Country != "" {
		query = query.Where(likeClause("country"), likePattern(filter.Country))
	}
	if filter.CountryCode != "" {
		query = query.Where("UPPER(country_code) = ?", strings.ToUpper(strings.TrimSpace(filter.CountryCode)))
	}
	if filter.City != "" {
		query = query.Where(likeClause("city"), likePattern(filter.City))
	}
	if filter.Region != "" {
		query = query.Where(likeClause("region"), likePattern(filter.Region))
	}
	if filter.Source != "" {
		query = query.Where(likeClause("source"), likePattern(filter.Source))
	}
	if filter.MinResponse != nil {
		query = query.Where("response_time >= ?", *filter.MinResponse)
	}
	if filter.MaxResponse != nil {
		query = query.Where("response_time <= ?", *filter.MaxResponse)
	}
	if filter.MinSuccess != nil {
		query = query.Where(successRateExpr+" >= ?", *filter.MinSuccess)
	}
	if filter.MaxSuccess != nil {
		query = query.Where(successRateExpr+" <= ?", *filter.MaxSuccess)
	}
	if filter.MinPort != 0 {
		query = query.Where("port >= ?", filter.MinPort)
	}
	if filter.MaxPort != 0 {
		query = query.Where("port <= ?", filter.MaxPort)
	}
	if filter.HasAuth != nil {
		if *filter.HasAuth {
			query = query.Where("username <> '' AND password <> ''")
		} else {
			query = query.Where("(username = '' OR password = '')")
		}
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}
	if filter.CheckedFrom != nil {
		query = query.Where("last_checked >= ?", *filter.CheckedFrom)
	}
	if filter.CheckedTo != nil {
		query = query.Where("last_checked <= ?", *filter.CheckedTo)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := likePattern(search)
		query = query.Where(
			"("+likeClause("ip")+" OR "+likeClause("country")+" OR "+likeClause("city")+" OR "+likeClause("source")+")",
			pattern, pattern, pattern, pattern,
		)
	}
	return query
}

func applyProxyOrdering(query *gorm.DB, ordering string) *gorm.DB {
	if clause, ok := proxyOrderings[strings.TrimSpace(ordering)]; ok {
		return query.Order(clause).Order("id ASC")
	}
	return query.Order("created_at DESC").Order("id DESC")
}

func likeClause(column string) string {
	return "LOWER(" + column + ") LIKE ? ESCAPE '\\'"
}

func likePattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.ToLower(strings.TrimSpace(value))) + "%"
}
