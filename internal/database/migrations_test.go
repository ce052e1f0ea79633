package database

import (
	"path/filepath"
	"testing"

	"github.com/fieldops/patrolsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyFailedSamples(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&records.LocationSample{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	sample := records.LocationSample{
		SyncEnvelope: records.SyncEnvelope{
			LocalID:          "sample-1",
			SyncState:        records.StateFailed,
			CreatedAtSeconds: 1700000000,
		},
		Coordinates:      records.Coordinates{Latitude: 40.0, Longitude: -74.0},
		AccuracyMeters:   12.5,
		TimestampSeconds: 1700000000,
	}
	if err := database.Create(&sample).Error; err != nil {
		testContext.Fatalf("failed to insert sample: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.LocationSample
	if err := database.Where("local_id = ?", sample.LocalID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload sample: %v", err)
	}
	if stored.SyncState != records.StatePending {
		testContext.Fatalf("expected sample to be pending, got %s", stored.SyncState)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeLegacyFailedSamples).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&records.LocationSample{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to succeed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected exactly one migration record, got %d", count)
	}
}
