package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applog "github.com/tollgate/tollgate/internal/logger"
	"github.com/tollgate/tollgate/internal/models"
)

var DB *gorm.DB

type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormlogger.LogLevel

	// Logger routes gorm output through zap when set. The CLI leaves it
	// nil and keeps plain stdout.
	Logger *zap.Logger
}

func Initialize(cfg *Config) error {
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}

	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = gormlogger.Warn
	}

	var writer gormlogger.Writer = log.New(os.Stdout, "\r\n", log.LstdFlags)
	colorful := true
	if cfg.Logger != nil {
		writer = applog.NewGormLogger(cfg.Logger)
		colorful = false
	}

	newLogger := gormlogger.New(
		writer,
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  colorful,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: true,
		// Handlers match on gorm.ErrDuplicatedKey for unique violations.
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: false,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	if err := Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if shouldAutoSeed() {
		log.Println("Pricing table is empty, seeding default rate card...")
		if err := SeedPricing(DB); err != nil {
			log.Printf("Warning: failed to seed pricing: %v", err)
		}
	}

	return nil
}

func shouldAutoSeed() bool {
	if os.Getenv("DB_AUTO_SEED") == "false" {
		return false
	}

	var count int64
	DB.Model(&models.ModelPricing{}).Count(&count)
	return count == 0
}

func Migrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := DB.AutoMigrate(
		&models.Tenant{},
		&models.APIKey{},
		&models.Budget{},
		&models.Tag{},
		&models.TagBudget{},
		&models.Session{},
		&models.UsageLedger{},
		&models.RequestTag{},
		&models.ModelPricing{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	if err := createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func createIndexes() error {
	// Key lookup path: prefix is the only admission-time query
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_prefix_active ON api_keys(key_prefix, active)")

	// Budget resolution
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_budgets_tenant_period ON budgets(tenant_id, period)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_tag_budgets_tag_period ON tag_budgets(tag_id, period)")

	// Ledger analytics
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_tenant_ts ON usage_ledgers(tenant_id, timestamp)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_model_ts ON usage_ledgers(model, timestamp)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_request_tags_tag ON request_tags(tag_id, usage_ledger_id)")

	// Session lookups by tenant for reconciliation sweeps
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_tenant_active ON sessions(tenant_id, last_active_at)")

	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return DB
}

func IsHealthy() bool {
	if DB == nil {
		return false
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return false
	}

	if err := sqlDB.Ping(); err != nil {
		return false
	}

	return true
}

// TestConnection tests if a database connection can be established
func TestConnection(ctx context.Context, cfg *Config) error {
	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	newLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
