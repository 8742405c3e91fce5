package database

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"formflip/models"
)

// RunMigrations creates or updates the tables of the main database. Parents
// come before the tables that reference them.
func RunMigrations(db *gorm.DB, logger *zap.Logger) error {
	logger.Info("running database migrations")

	err := db.AutoMigrate(
		&models.User{},
		&models.Form{},
		&models.FormField{},
		&models.FormSubmission{},
		&models.FormSubmissionValue{},
		&models.ProviderForm{},
		&models.ProviderFieldKey{},
	)
	if err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return errors.Wrap(err, "failed to run migrations")
	}

	logger.Info("migrations completed")
	return nil
}
