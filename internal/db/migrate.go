package db

import (
	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/pkg/logger"
	"gorm.io/gorm"
)

// Models lists every table the service owns.
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.Invoice{},
		&model.OutboxEntry{},
	}
}

// Migrate runs database migrations
func Migrate() error {
	return MigrateDB(DB)
}

// MigrateDB runs the migrations against the given connection.
func MigrateDB(conn *gorm.DB) error {
	logger.Info("Running database migrations...")

	models := Models()
	if err := conn.AutoMigrate(models...); err != nil {
		logger.Error("Failed to run migrations", err)
		return err
	}

	logger.Info("Database migrations completed successfully", logger.Fields{
		"models_count": len(models),
	})
	return nil
}
