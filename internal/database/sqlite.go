package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServerModels lists every table of the sync server.
func ServerModels() []any {
	models := append([]any{}, nodes.Models()...)
	models = append(models, interactions.Models()...)
	return append(models, &users.User{})
}

// OpenSQLite establishes the server SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, logger, ServerModels(), serverMigrations)
}

// OpenClientSQLite opens the device replica. The caller passes the replica and queue models.
func OpenClientSQLite(path string, logger *zap.Logger, models ...any) (*gorm.DB, error) {
	return open(path, logger, models, nil)
}

func open(path string, logger *zap.Logger, models []any, migrations []migrationDefinition) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, migrations, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}
