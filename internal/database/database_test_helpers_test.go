package database

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"proxyharvest/internal/domain"
	"proxyharvest/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "database-test-key")
	security.ResetCipherForTests()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db), WithAutoMigrate(true), WithMigrations(Models()...)); err != nil {
		t.Fatalf("SetupDB: %v", err)
	}

	t.Cleanup(func() {
		DB = nil
		security.ResetCipherForTests()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func candidate(ip string, port uint16, protocol domain.Protocol, tier domain.Tier, source string) domain.Candidate {
	return domain.Candidate{IP: ip, Port: port, Protocol: protocol, Tier: tier, Source: source}
}

func seedProxy(t *testing.T, c domain.Candidate) domain.Proxy {
	t.Helper()

	proxy, err := UpsertProxy(t.Context(), c)
	if err != nil {
		t.Fatalf("UpsertProxy(%s) returned error: %v", c.Key(), err)
	}
	return proxy
}

func setProxyColumns(t *testing.T, db *gorm.DB, id uint64, columns map[string]any) {
	t.Helper()

	if err := db.Model(&domain.Proxy{}).Where("id = ?", id).UpdateColumns(columns).Error; err != nil {
		t.Fatalf("update proxy %d: %v", id, err)
	}
}

func utcDaysAgo(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour).UTC()
}
