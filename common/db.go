package common

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"formflip/config"
)

func gormConfig(dev bool) *gorm.Config {
	level := logger.Warn
	if dev {
		level = logger.Info
	}
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	}
}

// ConnectDb opens the main database. sqlite connections get foreign keys
// turned on so deletes cascade.
func ConnectDb(cfg config.DatabaseConfig, dev bool, log *zap.Logger) (*gorm.DB, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), gormConfig(dev))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres")
		}
		log.Info("opened postgres database")
		return db, nil
	case config.DriverSqlite:
		db, err := openSqlite(cfg.SqlitePath, dev)
		if err != nil {
			return nil, err
		}
		log.Info("opened sqlite database", zap.String("path", cfg.SqlitePath))
		return db, nil
	default:
		return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// ConnectAnalyticsDb opens the separate analytics sqlite file. It returns
// main when no file is configured.
func ConnectAnalyticsDb(cfg config.DatabaseConfig, main *gorm.DB, dev bool, log *zap.Logger) (*gorm.DB, error) {
	if cfg.AnalyticsPath == "" {
		return main, nil
	}
	db, err := openSqlite(cfg.AnalyticsPath, dev)
	if err != nil {
		return nil, errors.Wrap(err, "analytics")
	}
	log.Info("opened analytics database", zap.String("path", cfg.AnalyticsPath))
	return db, nil
}

func openSqlite(path string, dev bool) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), gormConfig(dev))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}
	return db, nil
}
