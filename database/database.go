package database

import (
	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/consumption"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	applog "imagegen-billing/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(dsn string) {
	if dsn == "" {
		applog.Log.Fatal("DB_URL not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		applog.Log.Fatal("failed to connect to database", zap.Error(err))
	}

	DB = db

	if err := Migrate(DB); err != nil {
		applog.Log.Fatal("automigrate failed", zap.Error(err))
	}

	applog.Log.Info("database connected and migrated")
}

// Migrate creates or updates every table the ledger owns. Tests call it
// against SQLite; production runs it against Postgres on boot.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		// catalog
		&plans.Plan{},
		&plans.Package{},

		// balance + ledger
		&ledger.Balance{},
		&ledger.Entry{},

		// subscriptions + quota
		&subscriptions.Subscription{},
		&quota.DailyQuota{},
		&consumption.Charge{},

		// reconciliation
		&billing.Payment{},
		&billing.Inconsistency{},
	)
}
