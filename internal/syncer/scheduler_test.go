package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
)

type fakeRunner struct {
	kind    records.Kind
	results []CycleResult
	mu      sync.Mutex
	calls   int
}

func (r *fakeRunner) Kind() records.Kind { return r.kind }

func (r *fakeRunner) Sync(_ context.Context) CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := r.calls
	r.calls++
	if call >= len(r.results) {
		return CycleClean
	}
	return r.results[call]
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSyncNowRunsEveryLane(t *testing.T) {
	first := &fakeRunner{kind: records.KindReport, results: []CycleResult{CycleClean}}
	second := &fakeRunner{kind: records.KindPhoto, results: []CycleResult{CycleClean}}
	scheduler := NewScheduler(SchedulerConfig{
		Interval: time.Minute,
		Runners:  []Runner{first, second},
	})

	if !scheduler.SyncNow(context.Background()) {
		t.Fatalf("expected aggregate success")
	}
	if first.callCount() != 1 || second.callCount() != 1 {
		t.Fatalf("expected one run per lane, got %d and %d", first.callCount(), second.callCount())
	}
}

func TestSyncNowAggregatesFailure(t *testing.T) {
	first := &fakeRunner{kind: records.KindReport, results: []CycleResult{CycleClean}}
	second := &fakeRunner{kind: records.KindPhoto, results: []CycleResult{CycleFailed}}
	scheduler := NewScheduler(SchedulerConfig{
		Interval: time.Minute,
		Runners:  []Runner{first, second},
	})

	if scheduler.SyncNow(context.Background()) {
		t.Fatalf("expected aggregate failure when any lane fails")
	}
}

func TestSyncNowIgnoresBackoff(t *testing.T) {
	runner := &fakeRunner{kind: records.KindReport, results: []CycleResult{CycleFailed, CycleClean}}
	scheduler := NewScheduler(SchedulerConfig{
		Interval: time.Minute,
		Runners:  []Runner{runner},
	})

	if scheduler.SyncNow(context.Background()) {
		t.Fatalf("expected first run to fail")
	}
	// The lane is now backing off for the periodic path.
	if scheduler.due(records.KindReport, time.Now()) {
		t.Fatalf("expected lane to be backing off")
	}
	if !scheduler.SyncNow(context.Background()) {
		t.Fatalf("expected explicit sync to bypass backoff")
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected both runs to reach the lane, got %d", runner.callCount())
	}
}

func TestDeferralCarriesNoBackoffPenalty(t *testing.T) {
	// An offline period or a policy-suppressed kind is not a failure; the
	// lane must stay eligible for the very next scheduled cycle.
	runner := &fakeRunner{kind: records.KindPhoto, results: []CycleResult{CycleDeferred, CycleClean}}
	scheduler := NewScheduler(SchedulerConfig{
		Interval: time.Minute,
		Runners:  []Runner{runner},
	})

	scheduler.runDue(context.Background())
	if runner.callCount() != 1 {
		t.Fatalf("expected first cycle to reach the lane, got %d", runner.callCount())
	}
	if _, ok := scheduler.backoff[records.KindPhoto]; ok {
		t.Fatalf("expected no backoff state after a deferral")
	}
	if !scheduler.due(records.KindPhoto, time.Now()) {
		t.Fatalf("expected lane still due after a deferral")
	}

	scheduler.runDue(context.Background())
	if runner.callCount() != 2 {
		t.Fatalf("expected next scheduled cycle to retry the lane, got %d", runner.callCount())
	}
}

func TestFailureDelaysPeriodicRuns(t *testing.T) {
	scheduler := NewScheduler(SchedulerConfig{
		Interval:   time.Minute,
		BackoffCap: 5 * time.Minute,
	})

	scheduler.observe(records.KindReport, CycleFailed)
	if scheduler.due(records.KindReport, time.Now()) {
		t.Fatalf("expected lane delayed after failure")
	}
	if !scheduler.due(records.KindReport, time.Now().Add(6*time.Second)) {
		t.Fatalf("expected first delay of roughly five seconds")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	ceiling := 20 * time.Second
	scheduler := NewScheduler(SchedulerConfig{
		Interval:   time.Minute,
		BackoffCap: ceiling,
	})

	// 5s, 10s, 20s, then capped at 20s.
	expected := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second}
	for i, delay := range expected {
		scheduler.observe(records.KindPhoto, CycleFailed)
		state := scheduler.backoff[records.KindPhoto]
		remaining := time.Until(state.nextAttempt)
		if remaining > delay || remaining < delay-time.Second {
			t.Fatalf("failure %d: expected delay near %v, got %v", i+1, delay, remaining)
		}
	}
}

func TestSuccessClearsBackoff(t *testing.T) {
	scheduler := NewScheduler(SchedulerConfig{Interval: time.Minute})

	scheduler.observe(records.KindReport, CycleFailed)
	scheduler.observe(records.KindReport, CycleClean)
	if !scheduler.due(records.KindReport, time.Now()) {
		t.Fatalf("expected success to clear the delay")
	}
	if _, ok := scheduler.backoff[records.KindReport]; ok {
		t.Fatalf("expected backoff state removed after success")
	}
}

func TestResetBackoffClearsEveryLane(t *testing.T) {
	scheduler := NewScheduler(SchedulerConfig{Interval: time.Minute})

	scheduler.observe(records.KindReport, CycleFailed)
	scheduler.observe(records.KindPhoto, CycleFailed)
	scheduler.ResetBackoff()

	for _, kind := range []records.Kind{records.KindReport, records.KindPhoto} {
		if !scheduler.due(kind, time.Now()) {
			t.Fatalf("expected %s due after reset", kind)
		}
	}
}

func TestBackoffIsPerKind(t *testing.T) {
	scheduler := NewScheduler(SchedulerConfig{Interval: time.Minute})

	scheduler.observe(records.KindPhoto, CycleFailed)
	if scheduler.due(records.KindPhoto, time.Now()) {
		t.Fatalf("expected failing lane delayed")
	}
	if !scheduler.due(records.KindReport, time.Now()) {
		t.Fatalf("expected unrelated lane unaffected")
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	runner := &fakeRunner{kind: records.KindReport}
	scheduler := NewScheduler(SchedulerConfig{
		Interval: 10 * time.Millisecond,
		Runners:  []Runner{runner},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for runner.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected periodic runs to start")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after cancellation")
	}
}
