package database

import (
	"context"
	"fmt"
	"time"

	"proxyharvest/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxParamsPerBatch = 65535
	minBatchSize      = 50
	keyLookupChunk    = 500
)

// UpsertResult reports the stored rows for a batch of candidates and how many
// of them did not exist before.
type UpsertResult struct {
	Proxies []domain.Proxy
	Created int
}

// TestOutcome is one validation attempt as persisted by RecordTest.
type TestOutcome struct {
	ProxyID      uint64
	JobID        *uint64
	TestURL      string
	Success      bool
	ResponseTime *float64
	ResponseIP   string
	ErrorKind    string
	ErrorMessage string
	TestedAt     time.Time
}

// proxyMergeAssignments merge a rediscovered key into its existing row. A
// candidate from an equal or better tier refreshes the attribute fields;
// counters, status and latency are left alone.
var proxyMergeAssignments = clause.Set{
	{Column: clause.Column{Name: "tier"}, Value: gorm.Expr("CASE WHEN excluded.tier < proxies.tier THEN excluded.tier ELSE proxies.tier END")},
	{Column: clause.Column{Name: "source"}, Value: gorm.Expr("CASE WHEN excluded.tier <= proxies.tier THEN excluded.source ELSE proxies.source END")},
	{Column: clause.Column{Name: "username"}, Value: gorm.Expr("CASE WHEN excluded.tier <= proxies.tier THEN excluded.username ELSE proxies.username END")},
	{Column: clause.Column{Name: "password"}, Value: gorm.Expr("CASE WHEN excluded.tier <= proxies.tier THEN excluded.password ELSE proxies.password END")},
	{Column: clause.Column{Name: "country"}, Value: gorm.Expr(knownGeoExpr("country"))},
	{Column: clause.Column{Name: "country_code"}, Value: gorm.Expr(knownGeoExpr("country_code"))},
	{Column: clause.Column{Name: "region"}, Value: gorm.Expr(knownGeoExpr("region"))},
	{Column: clause.Column{Name: "city"}, Value: gorm.Expr(knownGeoExpr("city"))},
	{Column: clause.Column{Name: "timezone"}, Value: gorm.Expr(knownGeoExpr("timezone"))},
	{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
}

func knownGeoExpr(column string) string {
	return fmt.Sprintf("CASE WHEN excluded.country_code <> 'XX' AND excluded.country_code <> '' THEN excluded.%[1]s ELSE proxies.%[1]s END", column)
}

// UpsertCandidates merges candidates into the pool keyed by (ip, port,
// protocol). Duplicate keys inside the batch keep the best tier, first seen.
func UpsertCandidates(ctx context.Context, candidates []domain.Candidate) (UpsertResult, error) {
	db, err := conn(ctx)
	if err != nil {
		return UpsertResult{}, err
	}

	unique := domain.MergeCandidates(candidates)
	if len(unique) == 0 {
		return UpsertResult{}, nil
	}

	keys := make([]domain.ProxyKey, len(unique))
	rows := make([]domain.Proxy, len(unique))
	for i, candidate := range unique {
		keys[i] = candidate.Key()
		rows[i] = candidate.ToProxy()
	}

	tx := db.Begin()
	if tx.Error != nil {
		return UpsertResult{}, tx.Error
	}
	defer transactionRollbackHandler(tx)

	existing, err := loadProxiesByKeys(tx, keys)
	if err != nil {
		tx.Rollback()
		return UpsertResult{}, fmt.Errorf("database: lookup existing proxies: %w", err)
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}, {Name: "port"}, {Name: "protocol"}},
		DoUpdates: proxyMergeAssignments,
	}).CreateInBatches(&rows, calculateBatchSize(tx, len(rows))).Error; err != nil {
		tx.Rollback()
		return UpsertResult{}, fmt.Errorf("database: upsert proxies: %w", err)
	}

	stored, err := loadProxiesByKeys(tx, keys)
	if err != nil {
		tx.Rollback()
		return UpsertResult{}, fmt.Errorf("database: reload proxies: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return UpsertResult{}, fmt.Errorf("database: commit upsert: %w", err)
	}

	result := UpsertResult{Proxies: make([]domain.Proxy, 0, len(keys))}
	for _, key := range keys {
		if _, known := existing[key]; !known {
			result.Created++
		}
		if proxy, ok := stored[key]; ok {
			result.Proxies = append(result.Proxies, proxy)
		}
	}
	return result, nil
}

// UpsertProxy merges a single candidate.
func UpsertProxy(ctx context.Context, candidate domain.Candidate) (domain.Proxy, error) {
	result, err := UpsertCandidates(ctx, []domain.Candidate{candidate})
	if err != nil {
		return domain.Proxy{}, err
	}
	if len(result.Proxies) == 0 {
		return domain.Proxy{}, ErrNotFound
	}
	return result.Proxies[0], nil
}

func calculateBatchSize(db *gorm.DB, count int) int {
	numFields, err := getNumDatabaseFields(&domain.Proxy{}, db)
	if err != nil || numFields == 0 {
		return clamp(minBatchSize, 1, count)
	}
	return clamp(maxParamsPerBatch/numFields, 1, count)
}

func loadProxiesByKeys(tx *gorm.DB, keys []domain.ProxyKey) (map[domain.ProxyKey]domain.Proxy, error) {
	wanted := make(map[domain.ProxyKey]struct{}, len(keys))
	ipSet := make(map[string]struct{}, len(keys))
	ips := make([]string, 0, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
		if _, ok := ipSet[key.IP]; !ok {
			ipSet[key.IP] = struct{}{}
			ips = append(ips, key.IP)
		}
	}

	found := make(map[domain.ProxyKey]domain.Proxy, len(keys))
	for start := 0; start < len(ips); start += keyLookupChunk {
		end := min(start+keyLookupChunk, len(ips))

		var proxies []domain.Proxy
		if err := tx.Where("ip IN ?", ips[start:end]).Find(&proxies).Error; err != nil {
			return nil, err
		}
		for _, proxy := range proxies {
			if _, ok := wanted[proxy.Key()]; ok {
				found[proxy.Key()] = proxy
			}
		}
	}
	return found, nil
}

// RecordTest stores the audit row and applies the counter update for one
// attempt in a single transaction. Counters are incremented in SQL so
// concurrent validators never lose an update.
func RecordTest(ctx context.Context, outcome TestOutcome) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	if outcome.TestedAt.IsZero() {
		outcome.TestedAt = time.Now().UTC()
	}

	updates := map[string]any{
		"is_working":   outcome.Success,
		"last_checked": outcome.TestedAt,
		"updated_at":   outcome.TestedAt,
	}
	if outcome.Success {
		updates["success_count"] = gorm.Expr("success_count + 1")
		updates["response_time"] = outcome.ResponseTime
	} else {
		// response_time keeps the last successful measurement
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}

	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Proxy{}).Where("id = ?", outcome.ProxyID).UpdateColumns(updates)
		if res.Error != nil {
			return fmt.Errorf("database: update proxy counters: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		test := domain.ProxyTest{
			ProxyID:      outcome.ProxyID,
			JobID:        outcome.JobID,
			TestURL:      outcome.TestURL,
			Success:      outcome.Success,
			ResponseTime: outcome.ResponseTime,
			ResponseIP:   outcome.ResponseIP,
			ErrorKind:    outcome.ErrorKind,
			ErrorMessage: outcome.ErrorMessage,
			TestedAt:     outcome.TestedAt,
		}
		if err := tx.Create(&test).Error; err != nil {
			return fmt.Errorf("database: insert proxy test: %w", err)
		}
		return nil
	})
}

func GetProxy(ctx context.Context, id uint64) (domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.Proxy{}, err
	}

	var proxy domain.Proxy
	if err := db.First(&proxy, id).Error; err != nil {
		return domain.Proxy{}, notFound(err)
	}
	return proxy, nil
}

// GetProxiesByIDs returns the existing rows among ids, ordered by id.
func GetProxiesByIDs(ctx context.Context, ids []uint64) ([]domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var proxies []domain.Proxy
	if err := db.Where("id IN ?", ids).Order("id").Find(&proxies).Error; err != nil {
		return nil, err
	}
	return proxies, nil
}

// SetWorking flips is_working for exactly ids without probing them.
func SetWorking(ctx context.Context, ids []uint64, working bool) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := db.Model(&domain.Proxy{}).Where("id IN ?", ids).UpdateColumns(map[string]any{
		"is_working": working,
		"updated_at": time.Now().UTC(),
	})
	return res.RowsAffected, res.Error
}

func DeleteProxies(ctx context.Context, ids []uint64) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("proxy_id IN ?", ids).Delete(&domain.ProxyTest{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&domain.Proxy{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// CleanupProxies removes non-working proxies whose last check, or creation
// when never checked, is older than days.
func CleanupProxies(ctx context.Context, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("database: cleanup days must be positive, got %d", days)
	}
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	stale := db.Model(&domain.Proxy{}).
		Select("id").
		Where("is_working = ?", false).
		Where("(last_checked IS NOT NULL AND last_checked < ?) OR (last_checked IS NULL AND created_at < ?)", cutoff, cutoff)

	var deleted int64
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("proxy_id IN (?)", stale).Delete(&domain.ProxyTest{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN (?)", stale).Delete(&domain.Proxy{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func DeleteAllProxies(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = db.Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Delete(&domain.ProxyTest{}).Error; err != nil {
			return err
		}
		res := global.Delete(&domain.Proxy{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// StaleWorkingProxies returns working proxies last checked before cutoff,
// oldest first.
func StaleWorkingProxies(ctx context.Context, cutoff time.Time, limit int) ([]domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Where("is_working = ?", true).
		Where("last_checked IS NULL OR last_checked < ?", cutoff).
		Order("last_checked ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var proxies []domain.Proxy
	if err := query.Find(&proxies).Error; err != nil {
		return nil, err
	}
	return proxies, nil
}

// UnknownGeoProxies pages through proxies without a resolved country,
// ordered by id and starting after afterID.
func UnknownGeoProxies(ctx context.Context, afterID uint64, limit int) ([]domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var proxies []domain.Proxy
	err = db.Where("id > ?", afterID).
		Where("country_code = ? OR country_code = ''", "XX").
		Order("id ASC").
		Limit(clamp(limit, 1, keyLookupChunk)).
		Find(&proxies).Error
	return proxies, err
}

// UpdateProxyGeo overwrites the location columns of one proxy.
func UpdateProxyGeo(ctx context.Context, id uint64, geo domain.Geo) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	return db.Model(&domain.Proxy{}).Where("id = ?", id).UpdateColumns(map[string]any{
		"country":      geo.Country,
		"country_code": geo.CountryCode,
		"region":       geo.Region,
		"city":         geo.City,
		"timezone":     geo.Timezone,
	}).Error
}

// ProxyAddresses pages through every stored proxy by id, loading only the
// columns needed to match its address.
func ProxyAddresses(ctx context.Context, afterID uint64, limit int) ([]domain.Proxy, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var proxies []domain.Proxy
	err = db.Select("id", "ip", "port", "protocol").
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(clamp(limit, 1, keyLookupChunk)).
		Find(&proxies).Error
	return proxies, err
}
