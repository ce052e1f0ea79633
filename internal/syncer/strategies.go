package syncer

import (
	"context"

	"github.com/fieldops/patrolsync/internal/records"
	"github.com/fieldops/patrolsync/internal/transport"
)

// LocationTransport is the batch half of the remote API.
type LocationTransport interface {
	SubmitLocationBatch(ctx context.Context, samples []records.LocationSample) (transport.BatchResult, error)
}

// ItemTransport is the single-item half of the remote API.
type ItemTransport interface {
	SubmitTimeRecord(ctx context.Context, record records.TimeRecord) (transport.ItemResult, error)
	SubmitReport(ctx context.Context, report records.Report) (transport.ItemResult, error)
	SubmitVerification(ctx context.Context, verification records.CheckpointVerification) (transport.ItemResult, error)
}

// NewLocationStrategy syncs location samples through the batch endpoint,
// honoring the server's split accepted/rejected verdict.
func NewLocationStrategy(store *records.Store, client LocationTransport, batchSize int) Strategy {
	return &locationStrategy{store: store, client: client, batchSize: batchSize}
}

type locationStrategy struct {
	store     *records.Store
	client    LocationTransport
	batchSize int
}

func (s *locationStrategy) Kind() records.Kind { return records.KindLocationSample }
func (s *locationStrategy) BatchSize() int     { return s.batchSize }

func (s *locationStrategy) FetchPending(ctx context.Context, limit int) (Batch, error) {
	samples, err := s.store.PendingLocationSamples(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &locationBatch{client: s.client, samples: samples}, nil
}

type locationBatch struct {
	client  LocationTransport
	samples []records.LocationSample
}

func (b *locationBatch) IDs() []string {
	ids := make([]string, 0, len(b.samples))
	for _, sample := range b.samples {
		ids = append(ids, sample.LocalID)
	}
	return ids
}

func (b *locationBatch) Submit(ctx context.Context) (Outcome, error) {
	result, err := b.client.SubmitLocationBatch(ctx, b.samples)
	if err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Synced: make(map[string]string, len(result.AcceptedIDs))}
	for _, localID := range result.AcceptedIDs {
		outcome.Synced[localID] = result.RemoteIDs[localID]
	}
	outcome.Retry = append(outcome.Retry, result.RejectedIDs...)
	return outcome, nil
}

// singleItemBatch submits items one call at a time. A failed item leaves
// exactly that item pending; the rest of the cycle proceeds.
type singleItemBatch struct {
	ids     []string
	submits []func(ctx context.Context) (transport.ItemResult, error)
}

func (b *singleItemBatch) IDs() []string { return b.ids }

func (b *singleItemBatch) Submit(ctx context.Context) (Outcome, error) {
	outcome := Outcome{Synced: make(map[string]string, len(b.ids))}
	for i, localID := range b.ids {
		if ctx.Err() != nil {
			outcome.Retry = append(outcome.Retry, b.ids[i:]...)
			break
		}
		result, err := b.submits[i](ctx)
		if err != nil || !result.Accepted {
			outcome.Retry = append(outcome.Retry, localID)
			continue
		}
		outcome.Synced[localID] = result.RemoteID
	}
	return outcome, nil
}

// NewTimeRecordStrategy syncs clock events one at a time.
func NewTimeRecordStrategy(store *records.Store, client ItemTransport, batchSize int) Strategy {
	return &timeRecordStrategy{store: store, client: client, batchSize: batchSize}
}

type timeRecordStrategy struct {
	store     *records.Store
	client    ItemTransport
	batchSize int
}

func (s *timeRecordStrategy) Kind() records.Kind { return records.KindTimeRecord }
func (s *timeRecordStrategy) BatchSize() int     { return s.batchSize }

func (s *timeRecordStrategy) FetchPending(ctx context.Context, limit int) (Batch, error) {
	rows, err := s.store.PendingTimeRecords(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &singleItemBatch{}
	for _, row := range rows {
		record := row
		batch.ids = append(batch.ids, record.LocalID)
		batch.submits = append(batch.submits, func(ctx context.Context) (transport.ItemResult, error) {
			return s.client.SubmitTimeRecord(ctx, record)
		})
	}
	return batch, nil
}

// NewReportStrategy syncs activity reports one at a time.
func NewReportStrategy(store *records.Store, client ItemTransport, batchSize int) Strategy {
	return &reportStrategy{store: store, client: client, batchSize: batchSize}
}

type reportStrategy struct {
	store     *records.Store
	client    ItemTransport
	batchSize int
}

func (s *reportStrategy) Kind() records.Kind { return records.KindReport }
func (s *reportStrategy) BatchSize() int     { return s.batchSize }

func (s *reportStrategy) FetchPending(ctx context.Context, limit int) (Batch, error) {
	rows, err := s.store.PendingReports(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &singleItemBatch{}
	for _, row := range rows {
		report := row
		batch.ids = append(batch.ids, report.LocalID)
		batch.submits = append(batch.submits, func(ctx context.Context) (transport.ItemResult, error) {
			return s.client.SubmitReport(ctx, report)
		})
	}
	return batch, nil
}

// NewVerificationStrategy syncs checkpoint verifications one at a time.
func NewVerificationStrategy(store *records.Store, client ItemTransport, batchSize int) Strategy {
	return &verificationStrategy{store: store, client: client, batchSize: batchSize}
}

type verificationStrategy struct {
	store     *records.Store
	client    ItemTransport
	batchSize int
}

func (s *verificationStrategy) Kind() records.Kind { return records.KindVerification }
func (s *verificationStrategy) BatchSize() int     { return s.batchSize }

func (s *verificationStrategy) FetchPending(ctx context.Context, limit int) (Batch, error) {
	rows, err := s.store.PendingVerifications(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &singleItemBatch{}
	for _, row := range rows {
		verification := row
		batch.ids = append(batch.ids, verification.LocalID)
		batch.submits = append(batch.submits, func(ctx context.Context) (transport.ItemResult, error) {
			return s.client.SubmitVerification(ctx, verification)
		})
	}
	return batch, nil
}
