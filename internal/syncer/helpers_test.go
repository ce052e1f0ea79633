package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newSyncStore(t *testing.T) (*records.Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&records.TimeRecord{},
		&records.LocationSample{},
		&records.Photo{},
		&records.Report{},
		&records.PatrolLocation{},
		&records.Checkpoint{},
		&records.CheckpointVerification{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := records.NewStore(records.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func saveSample(t *testing.T, store *records.Store, localID string, createdAt int64) {
	t.Helper()
	sample := records.LocationSample{
		SyncEnvelope:     records.NewEnvelope(localID, time.Unix(createdAt, 0)),
		Coordinates:      records.Coordinates{Latitude: 40.7, Longitude: -74.0},
		AccuracyMeters:   10,
		TimestampSeconds: createdAt,
	}
	if err := store.Save(context.Background(), &sample); err != nil {
		t.Fatalf("failed to save sample %s: %v", localID, err)
	}
}

func saveReport(t *testing.T, store *records.Store, localID string, createdAt int64) {
	t.Helper()
	report := records.Report{
		SyncEnvelope:     records.NewEnvelope(localID, time.Unix(createdAt, 0)),
		Text:             "perimeter clear",
		TimestampSeconds: createdAt,
	}
	if err := store.Save(context.Background(), &report); err != nil {
		t.Fatalf("failed to save report %s: %v", localID, err)
	}
}

func savePhoto(t *testing.T, store *records.Store, localID, filePath string, createdAt int64) {
	t.Helper()
	photo := records.Photo{
		SyncEnvelope:     records.NewEnvelope(localID, time.Unix(createdAt, 0)),
		FilePath:         filePath,
		TimestampSeconds: createdAt,
	}
	if err := store.Save(context.Background(), &photo); err != nil {
		t.Fatalf("failed to save photo %s: %v", localID, err)
	}
}

func sampleState(t *testing.T, db *gorm.DB, localID string) records.SyncState {
	t.Helper()
	var stored records.LocationSample
	if err := db.Where("local_id = ?", localID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload sample %s: %v", localID, err)
	}
	return stored.SyncState
}

func reportState(t *testing.T, db *gorm.DB, localID string) records.SyncState {
	t.Helper()
	var stored records.Report
	if err := db.Where("local_id = ?", localID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload report %s: %v", localID, err)
	}
	return stored.SyncState
}

func photoState(t *testing.T, db *gorm.DB, localID string) records.SyncState {
	t.Helper()
	var stored records.Photo
	if err := db.Where("local_id = ?", localID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload photo %s: %v", localID, err)
	}
	return stored.SyncState
}

// alwaysOnline allows every attempt; alwaysOffline defers them all.
type fakeOracle struct {
	connected bool
}

func (o fakeOracle) IsConnected() bool                 { return o.connected }
func (o fakeOracle) ShouldAttempt(_ records.Kind) bool { return o.connected }
