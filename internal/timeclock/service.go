package timeclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyClockedIn indicates a clock-in while the user's most recent
	// record is also a clock-in.
	ErrAlreadyClockedIn = errors.New("timeclock: already clocked in")
	// ErrNotClockedIn indicates a clock-out without a preceding clock-in.
	ErrNotClockedIn = errors.New("timeclock: not clocked in")
	// ErrInvalidKind indicates an unrecognized clock event kind.
	ErrInvalidKind = errors.New("timeclock: invalid clock kind")

	errMissingStore      = errors.New("record store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues local record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the timeclock dependencies.
type ServiceConfig struct {
	Store      *records.Store
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service captures clock events locally, enforcing strict in/out alternation
// per user. Capture never touches the network.
type Service struct {
	store  *records.Store
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the timeclock service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("timeclock: %w", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("timeclock: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Record creates a pending clock event after checking the alternation
// invariant against the user's most recent record.
func (s *Service) Record(ctx context.Context, userID records.UserID, kind records.TimeRecordKind, position records.Coordinates) (records.TimeRecord, error) {
	if kind != records.ClockIn && kind != records.ClockOut {
		return records.TimeRecord{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	latest, err := s.store.LatestTimeRecord(ctx, userID.String())
	if err != nil {
		return records.TimeRecord{}, err
	}
	switch kind {
	case records.ClockIn:
		if latest != nil && latest.Kind == records.ClockIn {
			return records.TimeRecord{}, ErrAlreadyClockedIn
		}
	case records.ClockOut:
		if latest == nil || latest.Kind == records.ClockOut {
			return records.TimeRecord{}, ErrNotClockedIn
		}
	}

	localID, err := s.ids.NewID()
	if err != nil {
		return records.TimeRecord{}, fmt.Errorf("timeclock: generate id: %w", err)
	}
	now := s.clock().UTC()
	record := records.TimeRecord{
		SyncEnvelope:     records.NewEnvelope(localID, now),
		UserID:           userID.String(),
		Kind:             kind,
		TimestampSeconds: now.Unix(),
		Coordinates:      position,
	}
	if err := s.store.Save(ctx, &record); err != nil {
		return records.TimeRecord{}, err
	}
	s.logger.Info("clock event recorded",
		zap.String("user_id", userID.String()),
		zap.String("kind", string(kind)))
	return record, nil
}
