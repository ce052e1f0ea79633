package database

import (
	"errors"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacyFailedSamples = "2026-07-18_normalize_legacy_failed_samples"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeLegacyFailedSamples, apply: normalizeLegacyFailedSamples},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Earlier builds parked transiently failed samples as failed; the lifecycle
// only retries from pending, so those rows would never move again.
func normalizeLegacyFailedSamples(db *gorm.DB) error {
	return db.Model(&records.LocationSample{}).
		Where("sync_state = ?", records.StateFailed).
		Update("sync_state", records.StatePending).Error
}
