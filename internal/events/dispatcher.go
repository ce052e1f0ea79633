package events

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/patrolsync/internal/records"
)

// Type names the state transitions the core announces to observers.
type Type string

const (
	TypeSyncStateChanged   Type = "sync-state-changed"
	TypeSyncCycleFinished  Type = "sync-cycle-finished"
	TypePatrolStateChanged Type = "patrol-state-changed"
	TypeProximityChanged   Type = "proximity-changed"
	TypePhotoProgress      Type = "photo-progress"
)

// Event is one state-transition notification. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type           Type         `json:"type"`
	Timestamp      time.Time    `json:"timestamp"`
	Kind           records.Kind `json:"kind,omitempty"`
	LocalID        string       `json:"local_id,omitempty"`
	SyncState      string       `json:"sync_state,omitempty"`
	Success        *bool        `json:"success,omitempty"`
	CheckpointID   int64        `json:"checkpoint_id,omitempty"`
	DistanceMeters float64      `json:"distance_m,omitempty"`
	InRange        bool         `json:"in_range,omitempty"`
	Progress       int          `json:"progress,omitempty"`
	PatrolState    string       `json:"patrol_state,omitempty"`
}

// Dispatcher fans events out to subscribers. Slow consumers drop events
// rather than block the sync core.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers an observer. The subscription ends when ctx is done or
// the returned cancel function runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
