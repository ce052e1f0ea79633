package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/geofence"
	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("record store is required")
	errMissingEngine     = errors.New("geofence engine is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues local record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the capture dependencies.
type ServiceConfig struct {
	Store           *records.Store
	Engine          *geofence.Engine
	Dispatcher      *events.Dispatcher
	IDProvider      IDProvider
	Clock           func() time.Time
	MaxReportLength int
	Logger          *zap.Logger
}

// Service is the local-first capture path for reports, photos, and location
// samples. Every capture succeeds immediately regardless of connectivity;
// upload happens later through the sync lanes.
type Service struct {
	store      *records.Store
	engine     *geofence.Engine
	dispatcher *events.Dispatcher
	ids        IDProvider
	clock      func() time.Time
	maxReport  int
	logger     *zap.Logger
}

// NewService constructs the capture service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("capture: %w", errMissingStore)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("capture: %w", errMissingEngine)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("capture: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	maxReport := cfg.MaxReportLength
	if maxReport <= 0 {
		maxReport = 4000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		engine:     cfg.Engine,
		dispatcher: dispatcher,
		ids:        cfg.IDProvider,
		clock:      clock,
		maxReport:  maxReport,
		logger:     logger,
	}, nil
}

// CaptureReport validates and persists an activity report as pending.
func (s *Service) CaptureReport(ctx context.Context, text string, position records.Coordinates) (records.Report, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return records.Report{}, fmt.Errorf("%w: empty", records.ErrInvalidReportText)
	}
	if len(trimmed) > s.maxReport {
		return records.Report{}, fmt.Errorf("%w: exceeds %d characters", records.ErrInvalidReportText, s.maxReport)
	}

	localID, err := s.ids.NewID()
	if err != nil {
		return records.Report{}, fmt.Errorf("capture: generate id: %w", err)
	}
	now := s.clock().UTC()
	report := records.Report{
		SyncEnvelope:     records.NewEnvelope(localID, now),
		Text:             trimmed,
		Coordinates:      position,
		TimestampSeconds: now.Unix(),
	}
	if err := s.store.Save(ctx, &report); err != nil {
		return records.Report{}, err
	}
	return report, nil
}

// RegisterPhoto records a photo the camera layer has already written to
// disk. The file stays where it is until upload.
func (s *Service) RegisterPhoto(ctx context.Context, filePath string, position records.Coordinates) (records.Photo, error) {
	if strings.TrimSpace(filePath) == "" {
		return records.Photo{}, fmt.Errorf("%w: empty path", records.ErrInvalidFileReference)
	}

	localID, err := s.ids.NewID()
	if err != nil {
		return records.Photo{}, fmt.Errorf("capture: generate id: %w", err)
	}
	now := s.clock().UTC()
	photo := records.Photo{
		SyncEnvelope:     records.NewEnvelope(localID, now),
		FilePath:         filePath,
		Coordinates:      position,
		TimestampSeconds: now.Unix(),
	}
	if err := s.store.Save(ctx, &photo); err != nil {
		return records.Photo{}, err
	}
	return photo, nil
}

// DeletePhoto removes a never-synced photo and its file immediately, with no
// network involved. Synced or in-flight photos are refused.
func (s *Service) DeletePhoto(ctx context.Context, localID string) error {
	photo, err := s.store.PhotoByLocalID(ctx, localID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePending(ctx, records.KindPhoto, localID); err != nil {
		return err
	}
	if err := os.Remove(photo.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("photo file removal failed",
			zap.String("local_id", localID),
			zap.String("path", photo.FilePath),
			zap.Error(err))
	}
	return nil
}

// RecordLocation persists a tracking sample and feeds it to the geofence
// engine, publishing any proximity transitions it causes.
func (s *Service) RecordLocation(ctx context.Context, position records.Coordinates, accuracyMeters float64) (records.LocationSample, []geofence.Transition, error) {
	localID, err := s.ids.NewID()
	if err != nil {
		return records.LocationSample{}, nil, fmt.Errorf("capture: generate id: %w", err)
	}
	now := s.clock().UTC()
	sample := records.LocationSample{
		SyncEnvelope:     records.NewEnvelope(localID, now),
		Coordinates:      position,
		AccuracyMeters:   accuracyMeters,
		TimestampSeconds: now.Unix(),
	}
	if err := s.store.Save(ctx, &sample); err != nil {
		return records.LocationSample{}, nil, err
	}

	transitions := s.engine.Observe(position)
	for _, transition := range transitions {
		s.dispatcher.Publish(events.Event{
			Type:           events.TypeProximityChanged,
			CheckpointID:   transition.CheckpointID,
			DistanceMeters: transition.DistanceMeters,
			InRange:        transition.InRange,
		})
	}
	return sample, transitions, nil
}
