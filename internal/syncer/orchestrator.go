package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldops/patrolsync/internal/connectivity"
	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("record store is required")
	errMissingOracle   = errors.New("connectivity oracle is required")
	errMissingStrategy = errors.New("sync strategy is required")
	noOpLogger         = zap.NewNop()
)

// Outcome reports per-item results of one batch submission keyed by local id.
// Every submitted id must land in exactly one bucket; ids missing from all
// three are reverted to pending by the orchestrator.
type Outcome struct {
	// Synced maps accepted local ids to their server-assigned identifiers.
	Synced map[string]string
	// Retry holds ids that stay local and re-enter the next cycle.
	Retry []string
	// Failed holds ids that can never sync and are parked permanently.
	Failed []string
}

// Batch is one in-flight working set produced by a strategy.
type Batch interface {
	IDs() []string
	// Submit pushes the batch remotely. A returned error means the whole
	// batch failed with no structured per-item result.
	Submit(ctx context.Context) (Outcome, error)
}

// Strategy supplies the kind-specific halves of a sync cycle: what to fetch
// and how to submit it. The orchestrator owns everything else.
type Strategy interface {
	Kind() records.Kind
	BatchSize() int
	// FetchPending loads the oldest pending records, up to limit. A nil
	// batch means no work.
	FetchPending(ctx context.Context, limit int) (Batch, error)
}

// OrchestratorConfig describes the dependencies of one sync lane.
type OrchestratorConfig struct {
	Store      *records.Store
	Oracle     connectivity.Oracle
	Strategy   Strategy
	Dispatcher *events.Dispatcher
	Logger     *zap.Logger
}

// Orchestrator moves one record kind from pending to synced with at most one
// batch in flight. Different kinds run on independent orchestrators.
type Orchestrator struct {
	store      *records.Store
	oracle     connectivity.Oracle
	strategy   Strategy
	dispatcher *events.Dispatcher
	logger     *zap.Logger
	guard      sync.Mutex
}

// NewOrchestrator constructs a sync lane for one record kind.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Oracle == nil {
		return nil, errMissingOracle
	}
	if cfg.Strategy == nil {
		return nil, errMissingStrategy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	return &Orchestrator{
		store:      cfg.Store,
		oracle:     cfg.Oracle,
		strategy:   cfg.Strategy,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Kind reports which record kind this orchestrator serves.
func (o *Orchestrator) Kind() records.Kind {
	return o.strategy.Kind()
}

// Sync runs one cycle. CycleClean means every pending record progressed to
// synced or there was nothing to do. A deferral (oracle said no, or a cycle
// for this kind is already running) reports CycleDeferred: the records stay
// pending and the lane must not be penalized for it.
func (o *Orchestrator) Sync(ctx context.Context) CycleResult {
	if !o.guard.TryLock() {
		return CycleDeferred
	}
	defer o.guard.Unlock()

	kind := o.strategy.Kind()
	if !o.oracle.ShouldAttempt(kind) {
		o.logger.Debug("sync deferred", zap.String("kind", string(kind)))
		return CycleDeferred
	}

	batch, err := o.strategy.FetchPending(ctx, o.strategy.BatchSize())
	if err != nil {
		o.logger.Error("fetch pending failed", zap.String("kind", string(kind)), zap.Error(err))
		return CycleFailed
	}
	if batch == nil || len(batch.IDs()) == 0 {
		return CycleClean
	}

	ids := batch.IDs()
	if err := o.store.MarkInFlight(ctx, kind, ids); err != nil {
		o.logger.Error("mark in-flight failed", zap.String("kind", string(kind)), zap.Error(err))
		return CycleFailed
	}

	outcome, err := batch.Submit(ctx)
	if err != nil {
		o.revert(kind, ids)
		o.logger.Warn("batch submit failed",
			zap.String("kind", string(kind)),
			zap.Int("count", len(ids)),
			zap.Error(err))
		o.publishCycle(kind, false)
		return CycleFailed
	}

	if o.apply(kind, ids, outcome) {
		o.publishCycle(kind, true)
		return CycleClean
	}
	o.publishCycle(kind, false)
	return CycleFailed
}

func (o *Orchestrator) apply(kind records.Kind, ids []string, outcome Outcome) bool {
	// Apply-state updates run on a fresh context: a cancelled cycle must
	// still release its in-flight records.
	ctx := context.Background()

	resolved := make(map[string]struct{}, len(ids))
	success := true

	for localID, remoteID := range outcome.Synced {
		if err := o.store.MarkSynced(ctx, kind, localID, remoteID); err != nil {
			o.logger.Error("mark synced failed",
				zap.String("kind", string(kind)),
				zap.String("local_id", localID),
				zap.Error(err))
			success = false
			continue
		}
		resolved[localID] = struct{}{}
		o.dispatcher.Publish(events.Event{
			Type:      events.TypeSyncStateChanged,
			Kind:      kind,
			LocalID:   localID,
			SyncState: string(records.StateSynced),
		})
	}

	for _, localID := range outcome.Failed {
		if err := o.store.MarkFailed(ctx, kind, localID); err != nil {
			o.logger.Error("mark failed failed",
				zap.String("kind", string(kind)),
				zap.String("local_id", localID),
				zap.Error(err))
		} else {
			resolved[localID] = struct{}{}
			o.dispatcher.Publish(events.Event{
				Type:      events.TypeSyncStateChanged,
				Kind:      kind,
				LocalID:   localID,
				SyncState: string(records.StateFailed),
			})
		}
		success = false
	}

	var retry []string
	for _, localID := range outcome.Retry {
		retry = append(retry, localID)
		resolved[localID] = struct{}{}
	}
	// Anything the strategy did not account for is retried as well; no
	// record is ever left in flight.
	for _, localID := range ids {
		if _, ok := resolved[localID]; !ok {
			retry = append(retry, localID)
		}
	}
	if len(retry) > 0 {
		success = false
		o.revert(kind, retry)
	}
	return success
}

func (o *Orchestrator) revert(kind records.Kind, ids []string) {
	if err := o.store.RevertToPending(context.Background(), kind, ids); err != nil {
		o.logger.Error("revert to pending failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (o *Orchestrator) publishCycle(kind records.Kind, success bool) {
	ok := success
	o.dispatcher.Publish(events.Event{
		Type:    events.TypeSyncCycleFinished,
		Kind:    kind,
		Success: &ok,
	})
}
