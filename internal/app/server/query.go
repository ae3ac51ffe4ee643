package server

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/domain"
)

// queryParser reads typed values from a query string and keeps the first
// malformed one.
type queryParser struct {
	values url.Values
	err    error
}

func (p *queryParser) fail(key, raw string) {
	if p.err == nil {
		p.err = badRequest("invalid value %q for %s", raw, key)
	}
}

func (p *queryParser) str(key string) string {
	return strings.TrimSpace(p.values.Get(key))
}

func (p *queryParser) integer(key string) int {
	raw := p.str(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw)
	}
	return value
}

func (p *queryParser) uint64Ptr(key string) *uint64 {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.fail(key, raw)
		return nil
	}
	return &value
}

func (p *queryParser) port(key string) uint16 {
	raw := p.str(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		p.fail(key, raw)
	}
	return uint16(value)
}

func (p *queryParser) float(key string) *float64 {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw)
		return nil
	}
	return &value
}

func (p *queryParser) boolean(key string) *bool {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw)
		return nil
	}
	return &value
}

// timestamp accepts RFC 3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func (p *queryParser) timestamp(key string, upper bool) *time.Time {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	if value, err := time.Parse(time.RFC3339, raw); err == nil {
		value = value.UTC()
		return &value
	}
	value, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		p.fail(key, raw)
		return nil
	}
	if upper {
		value = value.Add(24*time.Hour - time.Nanosecond)
	}
	return &value
}

func (p *queryParser) ids(key string) []uint64 {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	var ids []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			p.fail(key, part)
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

func parsePage(values url.Values) (dto.Page, error) {
	p := &queryParser{values: values}
	page := dto.Page{Number: p.integer("page"), Size: p.integer("page_size")}
	return page.Normalize(), p.err
}

func parseProxyFilter(values url.Values) (dto.ProxyFilter, error) {
	p := &queryParser{values: values}
	filter := dto.ProxyFilter{
		IDs:         p.ids("ids"),
		IsWorking:   p.boolean("is_working"),
		Country:     p.str("country"),
		CountryCode: p.str("country_code"),
		City:        p.str("city"),
		Region:      p.str("region"),
		Source:      p.str("source"),
		MinResponse: p.float("min_response_time"),
		MaxResponse: p.float("max_response_time"),
		MinSuccess:  p.float("min_success_rate"),
		MaxSuccess:  p.float("max_success_rate"),
		MinPort:     p.port("min_port"),
		MaxPort:     p.port("max_port"),
		HasAuth:     p.boolean("has_auth"),
		CreatedFrom: p.timestamp("created_from", false),
		CreatedTo:   p.timestamp("created_to", true),
		CheckedFrom: p.timestamp("checked_from", false),
		CheckedTo:   p.timestamp("checked_to", true),
		Search:      p.str("search"),
		Ordering:    p.str("ordering"),
	}
	if raw := p.str("protocol"); raw != "" {
		protocol, err := domain.ParseProtocol(raw)
		if err != nil {
			p.fail("protocol", raw)
		}
		filter.Protocol = string(protocol)
	}
	if tier := p.integer("tier"); tier != 0 {
		if !domain.Tier(tier).Valid() {
			p.fail("tier", p.str("tier"))
		}
		filter.Tier = uint8(tier)
	}
	return filter, p.err
}

func parseJobFilter(values url.Values) (dto.JobFilter, error) {
	p := &queryParser{values: values}
	filter := dto.JobFilter{
		JobType:     p.str("job_type"),
		Status:      p.str("status"),
		CreatedFrom: p.timestamp("created_from", false),
		CreatedTo:   p.timestamp("created_to", true),
		MinFound:    p.uint64Ptr("min_proxies_found"),
		MaxFound:    p.uint64Ptr("max_proxies_found"),
		MinWorking:  p.uint64Ptr("min_proxies_working"),
		MaxWorking:  p.uint64Ptr("max_proxies_working"),
	}
	if filter.JobType != "" && len(domain.JobType(filter.JobType).Tiers()) == 0 {
		p.fail("job_type", filter.JobType)
	}
	return filter, p.err
}
