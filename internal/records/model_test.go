package records

import (
	"errors"
	"testing"
	"time"
)

func TestNewUserIDRejectsEmpty(t *testing.T) {
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
}

func TestNewUserIDTrimsWhitespace(t *testing.T) {
	id, err := NewUserID("  guard-7  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "guard-7" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestNewCoordinatesRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name      string
		latitude  float64
		longitude float64
	}{
		{name: "latitude too high", latitude: 90.01, longitude: 0},
		{name: "latitude too low", latitude: -90.01, longitude: 0},
		{name: "longitude too high", latitude: 0, longitude: 180.01},
		{name: "longitude too low", latitude: 0, longitude: -180.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCoordinates(tc.latitude, tc.longitude); !errors.Is(err, ErrInvalidCoordinates) {
				t.Fatalf("expected invalid coordinates error, got %v", err)
			}
		})
	}
}

func TestNewCoordinatesAcceptsBoundaries(t *testing.T) {
	if _, err := NewCoordinates(90, -180); err != nil {
		t.Fatalf("unexpected error at boundary: %v", err)
	}
	if _, err := NewCoordinates(-90, 180); err != nil {
		t.Fatalf("unexpected error at boundary: %v", err)
	}
}

func TestRemoteRefDistinguishesSyncedFromUnsynced(t *testing.T) {
	if id, ok := UnsyncedRef().ID(); ok || id != "" {
		t.Fatalf("expected unsynced ref to carry no id, got %q %v", id, ok)
	}
	id, ok := SyncedRef("srv-42").ID()
	if !ok || id != "srv-42" {
		t.Fatalf("expected synced ref to carry id, got %q %v", id, ok)
	}
	if _, ok := SyncedRef("").ID(); ok {
		t.Fatalf("expected empty id to stay unsynced")
	}
}

func TestEnvelopeRemoteReflectsStoredID(t *testing.T) {
	envelope := NewEnvelope("local-1", time.Unix(1700000000, 0))
	if envelope.SyncState != StatePending {
		t.Fatalf("expected new envelope to be pending, got %s", envelope.SyncState)
	}
	if _, ok := envelope.Remote().ID(); ok {
		t.Fatalf("expected new envelope to have no remote id")
	}

	remoteID := "srv-1"
	envelope.RemoteID = &remoteID
	id, ok := envelope.Remote().ID()
	if !ok || id != "srv-1" {
		t.Fatalf("expected remote id to surface, got %q %v", id, ok)
	}
}

func TestKindsCoversEverySyncableModel(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 5 {
		t.Fatalf("expected 5 record kinds, got %d", len(kinds))
	}
	for _, kind := range kinds {
		if _, err := modelForKind(kind); err != nil {
			t.Fatalf("expected model for kind %s: %v", kind, err)
		}
	}
	if _, err := modelForKind(Kind("bogus")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}
