package patrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/geofence"
	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

// State names the patrol lifecycle phases.
type State string

const (
	StateNoActivePatrol State = "no_active_patrol"
	StatePatrolActive   State = "patrol_active"
	StatePatrolComplete State = "patrol_complete"
)

var (
	// ErrPatrolAlreadyActive indicates StartPatrol during an active patrol.
	ErrPatrolAlreadyActive = errors.New("patrol: a patrol is already active")
	// ErrNoActivePatrol indicates a verification without an active patrol.
	ErrNoActivePatrol = errors.New("patrol: no active patrol")
	// ErrNoCheckpoints indicates a location that cannot host a patrol.
	ErrNoCheckpoints = errors.New("patrol: location has no checkpoints")
	// ErrInvalidCheckpointID indicates a non-positive checkpoint id.
	ErrInvalidCheckpointID = errors.New("patrol: invalid checkpoint id")
	// ErrUnknownCheckpoint indicates a checkpoint outside the active set.
	ErrUnknownCheckpoint = errors.New("patrol: checkpoint not part of active patrol")
	// ErrCheckpointOutOfRange indicates a verification attempted outside the geofence.
	ErrCheckpointOutOfRange = errors.New("patrol: checkpoint not in range")

	errMissingStore  = errors.New("record store is required")
	errMissingEngine = errors.New("geofence engine is required")
	noOpLogger       = zap.NewNop()
)

// Status is the derived progress view of the current (or just-ended) patrol.
type Status struct {
	LocationID          int64
	TotalCheckpoints    int
	VerifiedCheckpoints int
	StartTime           time.Time
	EndTime             time.Time
}

// IsComplete reports whether every checkpoint has been verified.
func (s Status) IsComplete() bool {
	return s.TotalCheckpoints > 0 && s.VerifiedCheckpoints == s.TotalCheckpoints
}

// CompletionPercentage returns verification progress as 0-100.
func (s Status) CompletionPercentage() float64 {
	if s.TotalCheckpoints == 0 {
		return 0
	}
	return 100 * float64(s.VerifiedCheckpoints) / float64(s.TotalCheckpoints)
}

// IDProvider issues local record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// MachineConfig describes the dependencies of the patrol state machine.
type MachineConfig struct {
	Store      *records.Store
	Engine     *geofence.Engine
	Dispatcher *events.Dispatcher
	IDProvider IDProvider
	Clock      func() time.Time
	UserID     records.UserID
	Logger     *zap.Logger
}

// Machine drives one patrol at a time through
// NoActivePatrol -> PatrolActive -> PatrolComplete. Verifications it creates
// are queued for sync; completing them remotely is never a precondition for
// local progress.
type Machine struct {
	store      *records.Store
	engine     *geofence.Engine
	dispatcher *events.Dispatcher
	ids        IDProvider
	clock      func() time.Time
	userID     records.UserID
	logger     *zap.Logger

	mu         sync.Mutex
	state      State
	locationID int64
	total      int
	verified   map[int64]bool
	known      map[int64]bool
	startTime  time.Time
	endTime    time.Time
}

// NewMachine constructs the patrol state machine.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("patrol: %w", errMissingStore)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("patrol: %w", errMissingEngine)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("patrol: id provider is required")
	}
	if cfg.UserID.String() == "" {
		return nil, fmt.Errorf("patrol: %w", records.ErrInvalidUserID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Machine{
		store:      cfg.Store,
		engine:     cfg.Engine,
		dispatcher: dispatcher,
		ids:        cfg.IDProvider,
		clock:      clock,
		userID:     cfg.UserID,
		logger:     logger,
		state:      StateNoActivePatrol,
	}, nil
}

// State returns the current lifecycle phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the derived progress snapshot.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Machine) statusLocked() Status {
	return Status{
		LocationID:          m.locationID,
		TotalCheckpoints:    m.total,
		VerifiedCheckpoints: len(m.verified),
		StartTime:           m.startTime,
		EndTime:             m.endTime,
	}
}

// StartPatrol begins a patrol at the location. It rejects locations with no
// checkpoints and rejects starting while another patrol is active.
func (m *Machine) StartPatrol(ctx context.Context, locationID int64) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateNoActivePatrol {
		return Status{}, ErrPatrolAlreadyActive
	}

	checkpoints, err := m.store.CheckpointsForLocation(ctx, locationID)
	if err != nil {
		return Status{}, err
	}
	if len(checkpoints) == 0 {
		return Status{}, fmt.Errorf("%w: location %d", ErrNoCheckpoints, locationID)
	}

	m.engine.SetCheckpoints(checkpoints)
	m.state = StatePatrolActive
	m.locationID = locationID
	m.total = len(checkpoints)
	m.verified = make(map[int64]bool, len(checkpoints))
	m.known = make(map[int64]bool, len(checkpoints))
	for _, checkpoint := range checkpoints {
		m.known[checkpoint.ID] = true
	}
	m.startTime = m.clock().UTC()
	m.endTime = time.Time{}

	m.publishStateLocked()
	m.logger.Info("patrol started",
		zap.Int64("location_id", locationID),
		zap.Int("checkpoints", m.total))
	return m.statusLocked(), nil
}

// VerifyCheckpoint confirms an in-range checkpoint visit. Preconditions are
// checked in order: positive id, active patrol, known checkpoint, geofence
// membership. Re-verifying an already-verified checkpoint that is still in
// range succeeds without double counting. The verification record is queued
// for sync before return, never uploaded inline.
func (m *Machine) VerifyCheckpoint(ctx context.Context, checkpointID int64) (Status, error) {
	if checkpointID <= 0 {
		return Status{}, fmt.Errorf("%w: %d", ErrInvalidCheckpointID, checkpointID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePatrolActive {
		return Status{}, ErrNoActivePatrol
	}
	if !m.known[checkpointID] {
		return Status{}, fmt.Errorf("%w: %d", ErrUnknownCheckpoint, checkpointID)
	}
	if !m.engine.InRange(checkpointID) {
		return Status{}, fmt.Errorf("%w: %d", ErrCheckpointOutOfRange, checkpointID)
	}
	if m.verified[checkpointID] {
		return m.statusLocked(), nil
	}

	localID, err := m.ids.NewID()
	if err != nil {
		return Status{}, fmt.Errorf("patrol: generate verification id: %w", err)
	}
	now := m.clock().UTC()
	position, _ := m.engine.LastPosition()
	verification := records.CheckpointVerification{
		SyncEnvelope:     records.NewEnvelope(localID, now),
		CheckpointID:     checkpointID,
		UserID:           m.userID.String(),
		TimestampSeconds: now.Unix(),
		Coordinates:      position,
	}
	if err := m.store.Save(ctx, &verification); err != nil {
		return Status{}, err
	}

	m.verified[checkpointID] = true
	m.logger.Info("checkpoint verified",
		zap.Int64("checkpoint_id", checkpointID),
		zap.Int("verified", len(m.verified)),
		zap.Int("total", m.total))

	if len(m.verified) == m.total {
		m.state = StatePatrolComplete
		m.publishStateLocked()
		m.logger.Info("patrol complete", zap.Int64("location_id", m.locationID))
	}
	return m.statusLocked(), nil
}

// EndPatrol closes the active or completed patrol and returns its final
// status. With no patrol in progress it returns nil without error.
func (m *Machine) EndPatrol(ctx context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateNoActivePatrol {
		return nil, nil
	}

	m.endTime = m.clock().UTC()
	final := m.statusLocked()

	m.state = StateNoActivePatrol
	m.locationID = 0
	m.total = 0
	m.verified = nil
	m.known = nil
	m.startTime = time.Time{}
	m.endTime = time.Time{}
	m.engine.SetCheckpoints(nil)

	m.publishStateLocked()
	m.logger.Info("patrol ended", zap.Int64("location_id", final.LocationID))
	return &final, nil
}

func (m *Machine) publishStateLocked() {
	m.dispatcher.Publish(events.Event{
		Type:        events.TypePatrolStateChanged,
		PatrolState: string(m.state),
	})
}
