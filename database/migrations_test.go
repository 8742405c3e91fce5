package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"formflip/models"
)

func TestRunMigrations(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, RunMigrations(db, zap.NewNop()))
	// running twice is a no-op
	require.NoError(t, RunMigrations(db, zap.NewNop()))

	for _, model := range []any{
		&models.User{}, &models.Form{}, &models.FormField{}, &models.FormSubmission{},
		&models.FormSubmissionValue{}, &models.ProviderForm{}, &models.ProviderFieldKey{},
	} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
}
