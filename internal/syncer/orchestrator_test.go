package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/records"
	"github.com/fieldops/patrolsync/internal/transport"
)

// fakeLocationTransport scripts batch verdicts per call.
type fakeLocationTransport struct {
	mu      sync.Mutex
	results []func(samples []records.LocationSample) (transport.BatchResult, error)
	calls   int
	block   chan struct{}
}

func (f *fakeLocationTransport) SubmitLocationBatch(ctx context.Context, samples []records.LocationSample) (transport.BatchResult, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transport.BatchResult{}, ctx.Err()
		}
	}
	if call >= len(f.results) {
		return transport.BatchResult{}, errors.New("unexpected call")
	}
	return f.results[call](samples)
}

func acceptAll(samples []records.LocationSample) (transport.BatchResult, error) {
	result := transport.BatchResult{RemoteIDs: make(map[string]string, len(samples))}
	for _, sample := range samples {
		result.AcceptedIDs = append(result.AcceptedIDs, sample.LocalID)
		result.RemoteIDs[sample.LocalID] = "srv-" + sample.LocalID
	}
	return result, nil
}

func newLocationOrchestrator(t *testing.T, store *records.Store, client LocationTransport, oracle fakeOracle, dispatcher *events.Dispatcher) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Store:      store,
		Oracle:     oracle,
		Strategy:   NewLocationStrategy(store, client, 50),
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orchestrator
}

func TestSyncReportsCleanWithNothingPending(t *testing.T) {
	store, _ := newSyncStore(t)
	client := &fakeLocationTransport{}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleClean {
		t.Fatalf("expected empty sync to report a clean cycle, got %v", result)
	}
	if client.calls != 0 {
		t.Fatalf("expected no transport call, got %d", client.calls)
	}
}

func TestSyncDefersWhileOffline(t *testing.T) {
	store, db := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	client := &fakeLocationTransport{}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: false}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleDeferred {
		t.Fatalf("expected offline cycle to report a deferral, got %v", result)
	}
	if client.calls != 0 {
		t.Fatalf("expected no transport call while offline, got %d", client.calls)
	}
	if state := sampleState(t, db, "sample-1"); state != records.StatePending {
		t.Fatalf("expected record untouched by deferral, got %s", state)
	}
}

func TestSyncMarksAcceptedRecordsSynced(t *testing.T) {
	store, db := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	saveSample(t, store, "sample-2", 1700000001)
	client := &fakeLocationTransport{results: []func([]records.LocationSample) (transport.BatchResult, error){acceptAll}}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleClean {
		t.Fatalf("expected a clean cycle, got %v", result)
	}
	for _, localID := range []string{"sample-1", "sample-2"} {
		if state := sampleState(t, db, localID); state != records.StateSynced {
			t.Fatalf("expected %s synced, got %s", localID, state)
		}
	}
}

func TestSyncAppliesPartialBatchVerdict(t *testing.T) {
	store, db := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	saveSample(t, store, "sample-2", 1700000001)
	client := &fakeLocationTransport{results: []func([]records.LocationSample) (transport.BatchResult, error){
		func(samples []records.LocationSample) (transport.BatchResult, error) {
			return transport.BatchResult{
				AcceptedIDs: []string{"sample-1"},
				RejectedIDs: []string{"sample-2"},
				RemoteIDs:   map[string]string{"sample-1": "srv-1"},
			}, nil
		},
	}}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleFailed {
		t.Fatalf("expected partial progress to report failure, got %v", result)
	}
	if state := sampleState(t, db, "sample-1"); state != records.StateSynced {
		t.Fatalf("expected accepted sample synced, got %s", state)
	}
	if state := sampleState(t, db, "sample-2"); state != records.StatePending {
		t.Fatalf("expected rejected sample back in pending, got %s", state)
	}
}

func TestSyncRevertsWholeBatchOnTransportError(t *testing.T) {
	store, db := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	saveSample(t, store, "sample-2", 1700000001)
	client := &fakeLocationTransport{results: []func([]records.LocationSample) (transport.BatchResult, error){
		func(samples []records.LocationSample) (transport.BatchResult, error) {
			return transport.BatchResult{}, transport.ErrTransport
		},
	}}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleFailed {
		t.Fatalf("expected transport error to report failure, got %v", result)
	}
	for _, localID := range []string{"sample-1", "sample-2"} {
		if state := sampleState(t, db, localID); state != records.StatePending {
			t.Fatalf("expected %s reverted to pending, got %s", localID, state)
		}
	}
}

func TestSyncRevertsIDsMissingFromOutcome(t *testing.T) {
	store, db := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	saveSample(t, store, "sample-2", 1700000001)
	client := &fakeLocationTransport{results: []func([]records.LocationSample) (transport.BatchResult, error){
		func(samples []records.LocationSample) (transport.BatchResult, error) {
			// The server forgot to mention sample-2 entirely.
			return transport.BatchResult{
				AcceptedIDs: []string{"sample-1"},
				RemoteIDs:   map[string]string{"sample-1": "srv-1"},
			}, nil
		},
	}}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	if result := orchestrator.Sync(context.Background()); result != CycleFailed {
		t.Fatalf("expected incomplete verdict to report failure, got %v", result)
	}
	if state := sampleState(t, db, "sample-2"); state != records.StatePending {
		t.Fatalf("expected unaccounted sample reverted to pending, got %s", state)
	}
}

func TestSyncRefusesConcurrentCyclesForSameKind(t *testing.T) {
	store, _ := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	block := make(chan struct{})
	client := &fakeLocationTransport{
		results: []func([]records.LocationSample) (transport.BatchResult, error){acceptAll},
		block:   block,
	}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, nil)

	firstDone := make(chan CycleResult, 1)
	go func() {
		firstDone <- orchestrator.Sync(context.Background())
	}()

	// Wait until the first cycle holds the guard inside Submit.
	deadline := time.After(time.Second)
	for {
		client.mu.Lock()
		started := client.calls > 0
		client.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first cycle never reached the transport")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if result := orchestrator.Sync(context.Background()); result != CycleDeferred {
		t.Fatalf("expected overlapping cycle to be deferred, got %v", result)
	}
	close(block)

	if result := <-firstDone; result != CycleClean {
		t.Fatalf("expected first cycle to finish clean, got %v", result)
	}
}

func TestSyncPublishesCycleAndStateEvents(t *testing.T) {
	store, _ := newSyncStore(t)
	saveSample(t, store, "sample-1", 1700000000)
	dispatcher := events.NewDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	client := &fakeLocationTransport{results: []func([]records.LocationSample) (transport.BatchResult, error){acceptAll}}
	orchestrator := newLocationOrchestrator(t, store, client, fakeOracle{connected: true}, dispatcher)

	if result := orchestrator.Sync(context.Background()); result != CycleClean {
		t.Fatalf("expected a clean cycle, got %v", result)
	}

	sawStateChange := false
	sawCycleFinished := false
	timeout := time.After(time.Second)
	for !sawStateChange || !sawCycleFinished {
		select {
		case event := <-stream:
			switch event.Type {
			case events.TypeSyncStateChanged:
				if event.LocalID == "sample-1" && event.SyncState == string(records.StateSynced) {
					sawStateChange = true
				}
			case events.TypeSyncCycleFinished:
				if event.Success == nil || !*event.Success {
					t.Fatalf("expected successful cycle event, got %+v", event)
				}
				sawCycleFinished = true
			}
		case <-timeout:
			t.Fatalf("missing events: state=%v cycle=%v", sawStateChange, sawCycleFinished)
		}
	}
}
