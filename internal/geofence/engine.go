package geofence

import (
	"math"
	"sync"

	"github.com/fieldops/patrolsync/internal/records"
)

const earthRadiusMeters = 6371000.0

// Transition reports a change in geofence membership for one checkpoint.
type Transition struct {
	CheckpointID   int64
	DistanceMeters float64
	InRange        bool
}

// Engine computes checkpoint proximity from a location sample stream. It
// holds no sync state: membership is a pure function of the active
// checkpoint set and the latest observed position.
type Engine struct {
	mu           sync.Mutex
	radiusMeters float64
	checkpoints  map[int64]records.Checkpoint
	inRange      map[int64]bool
	lastPosition *records.Coordinates
}

// NewEngine constructs an engine with a fixed proximity radius in meters.
func NewEngine(radiusMeters float64) *Engine {
	return &Engine{
		radiusMeters: radiusMeters,
		checkpoints:  make(map[int64]records.Checkpoint),
		inRange:      make(map[int64]bool),
	}
}

// SetCheckpoints replaces the active checkpoint set and resets membership.
// Passing an empty slice clears the engine.
func (e *Engine) SetCheckpoints(checkpoints []records.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoints = make(map[int64]records.Checkpoint, len(checkpoints))
	e.inRange = make(map[int64]bool, len(checkpoints))
	for _, checkpoint := range checkpoints {
		e.checkpoints[checkpoint.ID] = checkpoint
	}
}

// Observe folds a new position into the engine and returns one transition
// per checkpoint whose membership changed.
func (e *Engine) Observe(position records.Coordinates) []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPosition = &position

	var transitions []Transition
	for id, checkpoint := range e.checkpoints {
		distance := Haversine(position, checkpoint.Coordinates)
		within := distance <= e.radiusMeters
		if within != e.inRange[id] {
			e.inRange[id] = within
			transitions = append(transitions, Transition{
				CheckpointID:   id,
				DistanceMeters: distance,
				InRange:        within,
			})
		}
	}
	return transitions
}

// InRange reports whether the checkpoint is currently inside its geofence.
// Unknown checkpoints are never in range.
func (e *Engine) InRange(checkpointID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inRange[checkpointID]
}

// LastPosition returns the most recently observed position, if any.
func (e *Engine) LastPosition() (records.Coordinates, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPosition == nil {
		return records.Coordinates{}, false
	}
	return *e.lastPosition, true
}

// Haversine returns the great-circle distance between two positions in meters.
func Haversine(a, b records.Coordinates) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	deltaLat := (b.Latitude - a.Latitude) * math.Pi / 180
	deltaLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
