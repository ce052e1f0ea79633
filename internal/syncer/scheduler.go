package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

const baseBackoff = 5 * time.Second

// CycleResult classifies one sync cycle for backoff bookkeeping.
type CycleResult int

const (
	// CycleClean means every pending record progressed, or there was
	// nothing to do.
	CycleClean CycleResult = iota
	// CycleDeferred means no attempt was made: the oracle suppressed the
	// kind, or a cycle for the same kind was already running. A deferral
	// never counts against the lane.
	CycleDeferred
	// CycleFailed means an attempt was made and at least one record did
	// not progress.
	CycleFailed
)

// Runner is one sync lane the scheduler drives. *Orchestrator implements it.
type Runner interface {
	Kind() records.Kind
	Sync(ctx context.Context) CycleResult
}

// SchedulerConfig configures the periodic sync driver.
type SchedulerConfig struct {
	Interval   time.Duration
	BackoffCap time.Duration
	Runners    []Runner
	Logger     *zap.Logger
}

// Scheduler triggers every sync lane periodically and on demand. Lanes for
// different kinds run concurrently; the same kind never runs twice at once
// (the orchestrator's own guard enforces that).
type Scheduler struct {
	interval   time.Duration
	backoffCap time.Duration
	runners    []Runner
	logger     *zap.Logger

	mu      sync.Mutex
	backoff map[records.Kind]*backoffState
}

type backoffState struct {
	failures    int
	nextAttempt time.Time
}

// NewScheduler constructs the sync scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ceiling := cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		interval:   interval,
		backoffCap: ceiling,
		runners:    cfg.Runners,
		logger:     logger,
		backoff:    make(map[records.Kind]*backoffState),
	}
}

// Run drives periodic sync until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	var wg sync.WaitGroup
	for _, runner := range s.runners {
		if !s.due(runner.Kind(), now) {
			continue
		}
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			s.observe(r.Kind(), r.Sync(ctx))
		}(runner)
	}
	wg.Wait()
}

// SyncNow runs every lane immediately, ignoring backoff, and waits for all
// of them. It returns true only when every lane reports full success.
func (s *Scheduler) SyncNow(ctx context.Context) bool {
	results := make([]CycleResult, len(s.runners))
	var wg sync.WaitGroup
	for i, runner := range s.runners {
		wg.Add(1)
		go func(slot int, r Runner) {
			defer wg.Done()
			result := r.Sync(ctx)
			s.observe(r.Kind(), result)
			results[slot] = result
		}(i, runner)
	}
	wg.Wait()

	for _, result := range results {
		if result != CycleClean {
			return false
		}
	}
	return true
}

// ResetBackoff clears all failure delays, typically when connectivity
// returns.
func (s *Scheduler) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = make(map[records.Kind]*backoffState)
}

func (s *Scheduler) due(kind records.Kind, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.backoff[kind]
	if !ok {
		return true
	}
	return !now.Before(state.nextAttempt)
}

func (s *Scheduler) observe(kind records.Kind, result CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case CycleClean:
		delete(s.backoff, kind)
		return
	case CycleDeferred:
		// No attempt was made, so there is nothing to penalize. The lane
		// stays eligible for the next scheduled cycle.
		return
	}
	state, ok := s.backoff[kind]
	if !ok {
		state = &backoffState{}
		s.backoff[kind] = state
	}
	state.failures++
	delay := baseBackoff << (state.failures - 1)
	if delay > s.backoffCap || delay <= 0 {
		delay = s.backoffCap
	}
	state.nextAttempt = time.Now().Add(delay)
	s.logger.Debug("sync lane backing off",
		zap.String("kind", string(kind)),
		zap.Int("failures", state.failures),
		zap.Duration("delay", delay))
}
