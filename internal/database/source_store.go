package database

import (
	"context"
	"fmt"
	"time"

	"proxyharvest/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterSources creates or refreshes the configured sources by name.
// Fetch statistics of existing rows are preserved.
func RegisterSources(ctx context.Context, sources []domain.ProxySource) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	rows := make([]domain.ProxySource, len(sources))
	copy(rows, sources)

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "tier", "is_active", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("database: register sources: %w", err)
	}
	return nil
}

// ListSources returns sources in the given tiers (all tiers when empty).
func ListSources(ctx context.Context, tiers []domain.Tier, activeOnly bool) ([]domain.ProxySource, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.ProxySource{})
	if len(tiers) > 0 {
		query = query.Where("tier IN ?", tiers)
	}
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var sources []domain.ProxySource
	err = query.Order("tier").Order("name").Find(&sources).Error
	return sources, err
}

// RecordSourceFetch folds one fetch attempt into the source counters.
func RecordSourceFetch(ctx context.Context, name string, success bool, fetched int, at time.Time) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	successInc := 0
	if success {
		successInc = 1
	}

	updates := map[string]any{
		"fetch_attempts":  gorm.Expr("fetch_attempts + 1"),
		"fetch_successes": gorm.Expr("fetch_successes + ?", successInc),
		"total_fetched":   gorm.Expr("total_fetched + ?", fetched),
		"success_rate":    gorm.Expr("ROUND((fetch_successes + ?) * 100.0 / (fetch_attempts + 1), 2)", successInc),
		"last_fetch_at":   at,
		"updated_at":      at,
	}
	if success {
		updates["last_success_at"] = at
	}

	res := db.Model(&domain.ProxySource{}).Where("name = ?", name).UpdateColumns(updates)
	if res.Error != nil {
		return fmt.Errorf("database: record source fetch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
