package geofence

import (
	"math"
	"testing"

	"github.com/fieldops/patrolsync/internal/records"
)

// Roughly 111 meters of latitude per 0.001 degree at the equator.
func TestHaversineMatchesKnownDistance(t *testing.T) {
	a := records.Coordinates{Latitude: 0, Longitude: 0}
	b := records.Coordinates{Latitude: 0.001, Longitude: 0}

	distance := Haversine(a, b)
	if math.Abs(distance-111.2) > 1 {
		t.Fatalf("expected roughly 111 meters, got %f", distance)
	}
}

func TestHaversineZeroForSamePoint(t *testing.T) {
	p := records.Coordinates{Latitude: 40.7128, Longitude: -74.0060}
	if distance := Haversine(p, p); distance != 0 {
		t.Fatalf("expected zero distance, got %f", distance)
	}
}

func TestObserveReportsEntryTransition(t *testing.T) {
	engine := NewEngine(75)
	engine.SetCheckpoints([]records.Checkpoint{
		{ID: 1, LocationID: 10, Coordinates: records.Coordinates{Latitude: 0, Longitude: 0}},
	})

	transitions := engine.Observe(records.Coordinates{Latitude: 0.01, Longitude: 0})
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions while far away, got %d", len(transitions))
	}
	if engine.InRange(1) {
		t.Fatalf("expected checkpoint out of range")
	}

	transitions = engine.Observe(records.Coordinates{Latitude: 0.0001, Longitude: 0})
	if len(transitions) != 1 {
		t.Fatalf("expected one entry transition, got %d", len(transitions))
	}
	if !transitions[0].InRange || transitions[0].CheckpointID != 1 {
		t.Fatalf("unexpected transition: %+v", transitions[0])
	}
	if !engine.InRange(1) {
		t.Fatalf("expected checkpoint in range after entry")
	}
}

func TestObserveReportsExitTransition(t *testing.T) {
	engine := NewEngine(75)
	engine.SetCheckpoints([]records.Checkpoint{
		{ID: 1, LocationID: 10, Coordinates: records.Coordinates{Latitude: 0, Longitude: 0}},
	})

	engine.Observe(records.Coordinates{Latitude: 0.0001, Longitude: 0})
	transitions := engine.Observe(records.Coordinates{Latitude: 0.01, Longitude: 0})
	if len(transitions) != 1 {
		t.Fatalf("expected one exit transition, got %d", len(transitions))
	}
	if transitions[0].InRange {
		t.Fatalf("expected exit transition, got entry")
	}
	if engine.InRange(1) {
		t.Fatalf("expected checkpoint out of range after exit")
	}
}

func TestObserveIsQuietWithoutMembershipChange(t *testing.T) {
	engine := NewEngine(75)
	engine.SetCheckpoints([]records.Checkpoint{
		{ID: 1, LocationID: 10, Coordinates: records.Coordinates{Latitude: 0, Longitude: 0}},
	})

	engine.Observe(records.Coordinates{Latitude: 0.0001, Longitude: 0})
	transitions := engine.Observe(records.Coordinates{Latitude: 0.0002, Longitude: 0})
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions while staying in range, got %d", len(transitions))
	}
}

func TestSetCheckpointsResetsMembership(t *testing.T) {
	engine := NewEngine(75)
	engine.SetCheckpoints([]records.Checkpoint{
		{ID: 1, LocationID: 10, Coordinates: records.Coordinates{Latitude: 0, Longitude: 0}},
	})
	engine.Observe(records.Coordinates{Latitude: 0.0001, Longitude: 0})
	if !engine.InRange(1) {
		t.Fatalf("expected checkpoint in range")
	}

	engine.SetCheckpoints(nil)
	if engine.InRange(1) {
		t.Fatalf("expected membership cleared after checkpoint swap")
	}
}

func TestInRangeUnknownCheckpointIsFalse(t *testing.T) {
	engine := NewEngine(75)
	if engine.InRange(99) {
		t.Fatalf("expected unknown checkpoint to be out of range")
	}
}

func TestLastPositionTracksLatestObservation(t *testing.T) {
	engine := NewEngine(75)
	if _, ok := engine.LastPosition(); ok {
		t.Fatalf("expected no position before first observation")
	}

	engine.Observe(records.Coordinates{Latitude: 1, Longitude: 2})
	engine.Observe(records.Coordinates{Latitude: 3, Longitude: 4})
	position, ok := engine.LastPosition()
	if !ok || position.Latitude != 3 || position.Longitude != 4 {
		t.Fatalf("expected latest position, got %+v %v", position, ok)
	}
}
