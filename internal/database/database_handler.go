package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxyharvest/internal/domain"
	"proxyharvest/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB *gorm.DB

	ErrNotFound             = errors.New("database: record not found")
	ErrConfirmationRequired = errors.New("database: explicit confirmation required")
	ErrNotConfigured        = errors.New("database: connection was not configured")
	ErrJobFinished          = errors.New("database: job already finished")
)

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
}

type Option func(*Config)

func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.ExistingDB != nil:
		DB = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		db, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		DB = db
		configureConnectionPool(db)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if DB == nil {
		return nil, ErrNotConfigured
	}

	if cfg.AutoMigrate && len(cfg.Migrations) > 0 {
		if err := DB.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Info("Database migration completed.")
	}

	return DB, nil
}

func defaultConfig() Config {
	return Config{
		Dialector:   postgres.Open(buildDSN()),
		Logger:      warnLogger(),
		AutoMigrate: true,
		Migrations:  Models(),
	}
}

// Models lists every table the pool needs, parents first.
func Models() []any {
	return []any{
		&domain.ProxySource{},
		&domain.Proxy{},
		&domain.ProxyTest{},
		&domain.FetchJob{},
		&domain.ProxyCredential{},
	}
}

func buildDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		support.GetEnv("DB_HOST", "localhost"),
		support.GetEnv("DB_PORT", "5434"),
		support.GetEnv("DB_USERNAME", "admin"),
		support.GetEnv("DB_PASSWORD", "admin"),
		support.GetEnv("DB_NAME", "proxyharvest"),
		support.GetEnv("DB_SSLMODE", "disable"),
	)
}

func warnLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		cfg.Migrations = append([]any(nil), models...)
	}
}

func configureConnectionPool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 32)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if lifetime := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300); lifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)
	}
	if idle := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60); idle > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(idle) * time.Second)
	}
}

// Ping checks that the database answers.
func Ping(ctx context.Context) error {
	if DB == nil {
		return ErrNotConfigured
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("database: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func conn(ctx context.Context) (*gorm.DB, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}
	return DB.WithContext(ctx), nil
}

func transactionRollbackHandler(tx *gorm.DB) {
	if r := recover(); r != nil {
		tx.Rollback()
		log.Error("Transaction rolled back due to panic", "panic", r)
		panic(r)
	}
}

func getNumDatabaseFields(model any, db *gorm.DB) (int, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return 0, err
	}
	return len(stmt.Schema.DBNames), nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
