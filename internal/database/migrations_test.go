package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsClosureAndSequences(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(ServerModels(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	node := nodes.Node{
		ID:            "node-1",
		Type:          "space",
		WorkspaceID:   "ws-1",
		Attributes:    `{"name":"legacy"}`,
		CreatedAt:     createdAt,
		CreatedBy:     "u1",
		TransactionID: "tx-7",
	}
	if err := database.Create(&node).Error; err != nil {
		testContext.Fatalf("failed to insert node: %v", err)
	}
	transaction := nodes.Transaction{
		ID:              "tx-7",
		NodeID:          node.ID,
		NodeType:        node.Type,
		WorkspaceID:     node.WorkspaceID,
		Operation:       nodes.OperationCreate,
		CreatedAt:       createdAt,
		CreatedBy:       "u1",
		ServerCreatedAt: createdAt,
		Version:         7,
	}
	if err := database.Create(&transaction).Error; err != nil {
		testContext.Fatalf("failed to insert transaction: %v", err)
	}
	if err := database.Create(&nodes.Sequence{Name: nodes.SequenceTransactions, Value: 2}).Error; err != nil {
		testContext.Fatalf("failed to insert sequence: %v", err)
	}

	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var paths int64
	if err := database.Model(&nodes.NodePath{}).Where("ancestor_id = ? AND descendant_id = ? AND level = 0", node.ID, node.ID).Count(&paths).Error; err != nil {
		testContext.Fatalf("failed to count paths: %v", err)
	}
	if paths != 1 {
		testContext.Fatalf("expected the self path to be backfilled, got %d", paths)
	}

	var sequence nodes.Sequence
	if err := database.Where("name = ?", nodes.SequenceTransactions).Take(&sequence).Error; err != nil {
		testContext.Fatalf("failed to reload sequence: %v", err)
	}
	if sequence.Value != 7 {
		testContext.Fatalf("expected the sequence to catch up with stored versions, got %d", sequence.Value)
	}
	if err := database.Where("name = ?", nodes.SequenceInteractions).Take(&sequence).Error; err != nil {
		testContext.Fatalf("expected empty streams to get a counter: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationAlignSequences).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := database.Model(&nodes.Sequence{}).Where("name = ?", nodes.SequenceTransactions).Update("value", 1).Error; err != nil {
		testContext.Fatalf("failed to rewind sequence: %v", err)
	}
	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("name = ?", nodes.SequenceTransactions).Take(&sequence).Error; err != nil {
		testContext.Fatalf("failed to reload sequence: %v", err)
	}
	if sequence.Value != 1 {
		testContext.Fatalf("applied migrations must not run twice, got %d", sequence.Value)
	}
}

func TestOpenSQLiteReopensExistingDatabase(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")

	for attempt := 0; attempt < 2; attempt++ {
		database, err := OpenSQLite(databasePath, nil)
		if err != nil {
			testContext.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		var applied int64
		if err := database.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
			testContext.Fatalf("failed to count migrations: %v", err)
		}
		if applied != int64(len(serverMigrations)) {
			testContext.Fatalf("expected %d migration records, got %d", len(serverMigrations), applied)
		}
		sqlDB, err := database.DB()
		if err != nil {
			testContext.Fatalf("failed to access sql db: %v", err)
		}
		_ = sqlDB.Close()
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an empty path to be rejected")
	}
}
