package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSelfPaths = "2024-06-01_backfill_self_paths"
	migrationAlignSequences    = "2024-06-15_align_sequences"
)

const (
	backfillSelfPathsSQL = `INSERT INTO node_paths (ancestor_id, descendant_id, workspace_id, level)
SELECT n.id, n.id, n.workspace_id, 0 FROM nodes n
WHERE NOT EXISTS (SELECT 1 FROM node_paths np WHERE np.ancestor_id = n.id AND np.descendant_id = n.id)`

	alignSequenceSQL = `INSERT INTO sequences (name, value)
SELECT ?, COALESCE(MAX(version), 0) FROM %s WHERE true
ON CONFLICT(name) DO UPDATE SET value = MAX(sequences.value, excluded.value)`
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var serverMigrations = []migrationDefinition{
	{name: migrationBackfillSelfPaths, apply: backfillSelfPaths},
	{name: migrationAlignSequences, apply: alignSequences},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillSelfPaths restores the level 0 closure row of nodes written before paths were kept.
func backfillSelfPaths(db *gorm.DB) error {
	return db.Exec(backfillSelfPathsSQL).Error
}

// alignSequences raises every stream counter to at least the highest version already stored.
func alignSequences(db *gorm.DB) error {
	counters := []struct {
		name  string
		table string
	}{
		{name: nodes.SequenceTransactions, table: "node_transactions"},
		{name: nodes.SequenceCollaborations, table: "collaborations"},
		{name: nodes.SequenceInteractions, table: "interactions"},
	}
	for _, counter := range counters {
		if err := db.Exec(fmt.Sprintf(alignSequenceSQL, counter.table), counter.name).Error; err != nil {
			return err
		}
	}
	return nil
}
