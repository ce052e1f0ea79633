package syncer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/records"
	"github.com/fieldops/patrolsync/internal/transport"
	"go.uber.org/zap"
)

// PhotoTransport uploads one photo body with progress reporting.
type PhotoTransport interface {
	UploadPhoto(ctx context.Context, photo records.Photo, body io.Reader, size int64, progress func(percent int)) (transport.ItemResult, error)
}

// PhotoFS opens captured photo files. Swappable in tests.
type PhotoFS interface {
	Open(path string) (fs.File, error)
}

type osPhotoFS struct{}

func (osPhotoFS) Open(path string) (fs.File, error) { return os.Open(path) }

// NewPhotoStrategy uploads photos one item per transport call: payload size
// and progress reporting are per photo, so photos never share a batch call.
func NewPhotoStrategy(store *records.Store, client PhotoTransport, dispatcher *events.Dispatcher, logger *zap.Logger, batchSize int) Strategy {
	if logger == nil {
		logger = noOpLogger
	}
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	return &photoStrategy{
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		logger:     logger,
		fs:         osPhotoFS{},
		batchSize:  batchSize,
	}
}

type photoStrategy struct {
	store      *records.Store
	client     PhotoTransport
	dispatcher *events.Dispatcher
	logger     *zap.Logger
	fs         PhotoFS
	batchSize  int
}

func (s *photoStrategy) Kind() records.Kind { return records.KindPhoto }
func (s *photoStrategy) BatchSize() int     { return s.batchSize }

func (s *photoStrategy) FetchPending(ctx context.Context, limit int) (Batch, error) {
	photos, err := s.store.PendingPhotos(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(photos) == 0 {
		return nil, nil
	}
	return &photoBatch{strategy: s, photos: photos}, nil
}

type photoBatch struct {
	strategy *photoStrategy
	photos   []records.Photo
}

func (b *photoBatch) IDs() []string {
	ids := make([]string, 0, len(b.photos))
	for _, photo := range b.photos {
		ids = append(ids, photo.LocalID)
	}
	return ids
}

func (b *photoBatch) Submit(ctx context.Context) (Outcome, error) {
	outcome := Outcome{Synced: make(map[string]string, len(b.photos))}
	for i, photo := range b.photos {
		if ctx.Err() != nil {
			for _, rest := range b.photos[i:] {
				outcome.Retry = append(outcome.Retry, rest.LocalID)
			}
			break
		}
		b.strategy.uploadOne(ctx, photo, &outcome)
	}
	return outcome, nil
}

func (s *photoStrategy) uploadOne(ctx context.Context, photo records.Photo, outcome *Outcome) {
	file, err := s.fs.Open(photo.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		// The backing file is gone; no retry can ever succeed.
		s.logger.Warn("photo file missing, parking record",
			zap.String("local_id", photo.LocalID),
			zap.String("path", photo.FilePath))
		outcome.Failed = append(outcome.Failed, photo.LocalID)
		return
	}
	if err != nil {
		s.logger.Warn("photo file open failed", zap.String("local_id", photo.LocalID), zap.Error(err))
		outcome.Retry = append(outcome.Retry, photo.LocalID)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		outcome.Retry = append(outcome.Retry, photo.LocalID)
		return
	}

	progress := func(percent int) {
		if err := s.store.SetPhotoProgress(ctx, photo.LocalID, percent); err != nil {
			s.logger.Debug("photo progress write failed", zap.String("local_id", photo.LocalID), zap.Error(err))
		}
		s.dispatcher.Publish(events.Event{
			Type:     events.TypePhotoProgress,
			Kind:     records.KindPhoto,
			LocalID:  photo.LocalID,
			Progress: percent,
		})
	}

	result, err := s.client.UploadPhoto(ctx, photo, file, info.Size(), progress)
	if err != nil || !result.Accepted {
		if err != nil {
			s.logger.Warn("photo upload failed", zap.String("local_id", photo.LocalID), zap.Error(err))
		}
		outcome.Retry = append(outcome.Retry, photo.LocalID)
		return
	}
	// The transport reports 100 only after server acceptance; the record is
	// marked synced by the orchestrator after this returns.
	outcome.Synced[photo.LocalID] = result.RemoteID
}
