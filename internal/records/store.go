package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrUnknownKind indicates a record kind the store does not manage.
	ErrUnknownKind = errors.New("records: unknown record kind")
	// ErrNotPending indicates a delete attempted on a record that is not pending.
	ErrNotPending = errors.New("records: record is not pending")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("records: not found")
)

// StoreConfig describes the dependencies required by the record store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the single owner of persisted sync state. Orchestrators hold only
// the batch currently in flight and route every mutation through here.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("records: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

func modelForKind(kind Kind) (interface{}, error) {
	switch kind {
	case KindTimeRecord:
		return &TimeRecord{}, nil
	case KindLocationSample:
		return &LocationSample{}, nil
	case KindPhoto:
		return &Photo{}, nil
	case KindReport:
		return &Report{}, nil
	case KindVerification:
		return &CheckpointVerification{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Save persists a new syncable record. The write is durable before Save
// returns; the record enters the pending state.
func (s *Store) Save(ctx context.Context, record interface{}) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("records: save: %w", err)
	}
	return nil
}

// PendingTimeRecords returns up to limit pending time records, oldest first.
func (s *Store) PendingTimeRecords(ctx context.Context, limit int) ([]TimeRecord, error) {
	var rows []TimeRecord
	if err := s.pendingQuery(ctx, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: pending time records: %w", err)
	}
	return rows, nil
}

// PendingLocationSamples returns up to limit pending samples, oldest first.
func (s *Store) PendingLocationSamples(ctx context.Context, limit int) ([]LocationSample, error) {
	var rows []LocationSample
	if err := s.pendingQuery(ctx, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: pending location samples: %w", err)
	}
	return rows, nil
}

// PendingPhotos returns up to limit pending photos, oldest first.
func (s *Store) PendingPhotos(ctx context.Context, limit int) ([]Photo, error) {
	var rows []Photo
	if err := s.pendingQuery(ctx, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: pending photos: %w", err)
	}
	return rows, nil
}

// PendingReports returns up to limit pending reports, oldest first.
func (s *Store) PendingReports(ctx context.Context, limit int) ([]Report, error) {
	var rows []Report
	if err := s.pendingQuery(ctx, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: pending reports: %w", err)
	}
	return rows, nil
}

// PendingVerifications returns up to limit pending verifications, oldest first.
func (s *Store) PendingVerifications(ctx context.Context, limit int) ([]CheckpointVerification, error) {
	var rows []CheckpointVerification
	if err := s.pendingQuery(ctx, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: pending verifications: %w", err)
	}
	return rows, nil
}

func (s *Store) pendingQuery(ctx context.Context, limit int) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("sync_state = ?", StatePending).
		Order("created_at_s ASC, local_id ASC").
		Limit(limit)
}

// MarkInFlight transitions the identified pending records to in-flight.
func (s *Store) MarkInFlight(ctx context.Context, kind Kind, localIDs []string) error {
	return s.transition(ctx, kind, localIDs, StatePending, StateInFlight)
}

// RevertToPending returns the identified in-flight records to pending. Used
// for transport failures, cancellations, and per-item batch rejections.
func (s *Store) RevertToPending(ctx context.Context, kind Kind, localIDs []string) error {
	return s.transition(ctx, kind, localIDs, StateInFlight, StatePending)
}

func (s *Store) transition(ctx context.Context, kind Kind, localIDs []string, from, to SyncState) error {
	if len(localIDs) == 0 {
		return nil
	}
	model, err := modelForKind(kind)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(model).
		Where("local_id IN ? AND sync_state = ?", localIDs, from).
		Update("sync_state", to)
	if result.Error != nil {
		return fmt.Errorf("records: transition %s %s->%s: %w", kind, from, to, result.Error)
	}
	if result.RowsAffected != int64(len(localIDs)) {
		// A record left the expected state between fetch and transition.
		s.logger.Warn("state transition matched fewer records than requested",
			zap.String("kind", string(kind)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("requested", len(localIDs)),
			zap.Int64("updated", result.RowsAffected))
	}
	return nil
}

// MarkSynced records server acceptance: terminal state plus the
// server-assigned identifier.
func (s *Store) MarkSynced(ctx context.Context, kind Kind, localID, remoteID string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"sync_state": StateSynced,
		"remote_id":  remoteID,
	}
	if err := s.db.WithContext(ctx).Model(model).
		Where("local_id = ?", localID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("records: mark synced %s %s: %w", kind, localID, err)
	}
	return nil
}

// MarkFailed parks a record that can never sync, such as a photo whose
// backing file disappeared. Transient transport failures never land here.
func (s *Store) MarkFailed(ctx context.Context, kind Kind, localID string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(model).
		Where("local_id = ?", localID).
		Update("sync_state", StateFailed).Error; err != nil {
		return fmt.Errorf("records: mark failed %s %s: %w", kind, localID, err)
	}
	return nil
}

// SetPhotoProgress stores the latest upload percentage for a photo.
func (s *Store) SetPhotoProgress(ctx context.Context, localID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := s.db.WithContext(ctx).Model(&Photo{}).
		Where("local_id = ?", localID).
		Update("upload_progress", percent).Error; err != nil {
		return fmt.Errorf("records: set photo progress: %w", err)
	}
	return nil
}

// PhotoByLocalID loads one photo record.
func (s *Store) PhotoByLocalID(ctx context.Context, localID string) (Photo, error) {
	var photo Photo
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Take(&photo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Photo{}, fmt.Errorf("%w: photo %s", ErrNotFound, localID)
	}
	if err != nil {
		return Photo{}, fmt.Errorf("records: photo by id: %w", err)
	}
	return photo, nil
}

// DeletePending removes a record that has never synced. Deleting a record in
// any other state is refused; the server-side copy would be orphaned.
func (s *Store) DeletePending(ctx context.Context, kind Kind, localID string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("local_id = ? AND sync_state = ?", localID, StatePending).
		Delete(model)
	if result.Error != nil {
		return fmt.Errorf("records: delete pending %s %s: %w", kind, localID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotPending, kind, localID)
	}
	return nil
}

// LatestTimeRecord returns the most recent time record for the user, or nil
// when the user has never clocked.
func (s *Store) LatestTimeRecord(ctx context.Context, userID string) (*TimeRecord, error) {
	var record TimeRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp_s DESC, created_at_s DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: latest time record: %w", err)
	}
	return &record, nil
}

// ReplacePatrolLocations swaps the cached location catalog in one transaction.
func (s *Store) ReplacePatrolLocations(ctx context.Context, locations []PatrolLocation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PatrolLocation{}).Error; err != nil {
			return err
		}
		if len(locations) == 0 {
			return nil
		}
		return tx.Create(&locations).Error
	})
	if err != nil {
		return fmt.Errorf("records: replace patrol locations: %w", err)
	}
	return nil
}

// ReplaceCheckpoints swaps the cached checkpoints for one location.
func (s *Store) ReplaceCheckpoints(ctx context.Context, locationID int64, checkpoints []Checkpoint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("location_id = ?", locationID).Delete(&Checkpoint{}).Error; err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			return nil
		}
		return tx.Create(&checkpoints).Error
	})
	if err != nil {
		return fmt.Errorf("records: replace checkpoints: %w", err)
	}
	return nil
}

// PatrolLocations returns the cached location catalog.
func (s *Store) PatrolLocations(ctx context.Context) ([]PatrolLocation, error) {
	var rows []PatrolLocation
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: patrol locations: %w", err)
	}
	return rows, nil
}

// CheckpointsForLocation returns the cached checkpoints of one location.
func (s *Store) CheckpointsForLocation(ctx context.Context, locationID int64) ([]Checkpoint, error) {
	var rows []Checkpoint
	if err := s.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: checkpoints for location: %w", err)
	}
	return rows, nil
}

// RecoverInFlight sweeps records stranded in-flight by a crash back to
// pending so the next cycle retries them. Called once at startup.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	var recovered int64
	for _, kind := range Kinds() {
		model, err := modelForKind(kind)
		if err != nil {
			return recovered, err
		}
		result := s.db.WithContext(ctx).Model(model).
			Where("sync_state = ?", StateInFlight).
			Update("sync_state", StatePending)
		if result.Error != nil {
			return recovered, fmt.Errorf("records: recover in-flight %s: %w", kind, result.Error)
		}
		recovered += result.RowsAffected
	}
	if recovered > 0 {
		s.logger.Info("recovered stranded in-flight records", zap.Int64("count", recovered))
	}
	return recovered, nil
}

// PendingCounts reports how many records await sync per kind.
func (s *Store) PendingCounts(ctx context.Context) (map[Kind]int64, error) {
	counts := make(map[Kind]int64, len(Kinds()))
	for _, kind := range Kinds() {
		model, err := modelForKind(kind)
		if err != nil {
			return nil, err
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(model).
			Where("sync_state = ?", StatePending).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("records: pending count %s: %w", kind, err)
		}
		counts[kind] = count
	}
	return counts, nil
}

// NewEnvelope builds a pending envelope stamped with the given creation time.
func NewEnvelope(localID string, createdAt time.Time) SyncEnvelope {
	return SyncEnvelope{
		LocalID:          localID,
		SyncState:        StatePending,
		CreatedAtSeconds: createdAt.UTC().Unix(),
	}
}
