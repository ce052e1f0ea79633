package records

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one syncable record family. Each kind has its own remote
// endpoint and its own single-flight sync lane.
type Kind string

const (
	KindTimeRecord     Kind = "time_record"
	KindLocationSample Kind = "location_sample"
	KindPhoto          Kind = "photo"
	KindReport         Kind = "report"
	KindVerification   Kind = "checkpoint_verification"
)

// Kinds lists every syncable record kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindTimeRecord,
		KindLocationSample,
		KindPhoto,
		KindReport,
		KindVerification,
	}
}

// SyncState tracks a record's lifecycle with respect to the remote service.
type SyncState string

const (
	// StatePending marks a record created locally and awaiting upload.
	StatePending SyncState = "pending"
	// StateInFlight marks a record included in a submission currently running.
	StateInFlight SyncState = "in_flight"
	// StateSynced marks a record accepted by the server. Terminal.
	StateSynced SyncState = "synced"
	// StateFailed marks a record rejected permanently. Transient transport
	// failures never produce it; rejected batch items go back to pending.
	StateFailed SyncState = "failed"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("records: invalid user id")
	// ErrInvalidCoordinates indicates latitude/longitude outside the valid range.
	ErrInvalidCoordinates = errors.New("records: invalid coordinates")
	// ErrInvalidReportText indicates empty or oversized report text.
	ErrInvalidReportText = errors.New("records: invalid report text")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("records: invalid unix timestamp")
	// ErrInvalidFileReference indicates an empty photo file reference.
	ErrInvalidFileReference = errors.New("records: invalid file reference")
)

// UserID represents a validated operator identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Coordinates carries a WGS84 position.
type Coordinates struct {
	Latitude  float64 `gorm:"column:latitude;not null"`
	Longitude float64 `gorm:"column:longitude;not null"`
}

// NewCoordinates validates latitude/longitude bounds.
func NewCoordinates(latitude, longitude float64) (Coordinates, error) {
	if latitude < -90 || latitude > 90 {
		return Coordinates{}, fmt.Errorf("%w: latitude %f", ErrInvalidCoordinates, latitude)
	}
	if longitude < -180 || longitude > 180 {
		return Coordinates{}, fmt.Errorf("%w: longitude %f", ErrInvalidCoordinates, longitude)
	}
	return Coordinates{Latitude: latitude, Longitude: longitude}, nil
}

// RemoteRef is the tagged server-identifier variant: either unsynced or
// synced with a non-empty server-assigned id. It replaces a bare nullable
// string so callers cannot read an id before the record has synced.
type RemoteRef struct {
	id     string
	synced bool
}

// SyncedRef returns a RemoteRef carrying a server-assigned identifier.
func SyncedRef(id string) RemoteRef {
	return RemoteRef{id: id, synced: id != ""}
}

// UnsyncedRef returns the zero remote reference.
func UnsyncedRef() RemoteRef {
	return RemoteRef{}
}

// ID returns the server identifier and whether the record has one.
func (r RemoteRef) ID() (string, bool) {
	return r.id, r.synced
}

// SyncEnvelope carries the bookkeeping fields shared by every syncable record.
type SyncEnvelope struct {
	LocalID          string    `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID         *string   `gorm:"column:remote_id;size:190"`
	SyncState        SyncState `gorm:"column:sync_state;size:32;not null;index"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;index"`
}

// Remote exposes the server identifier as a tagged variant.
func (e SyncEnvelope) Remote() RemoteRef {
	if e.RemoteID == nil {
		return UnsyncedRef()
	}
	return SyncedRef(*e.RemoteID)
}

// TimeRecordKind distinguishes clock-in from clock-out events.
type TimeRecordKind string

const (
	ClockIn  TimeRecordKind = "clock_in"
	ClockOut TimeRecordKind = "clock_out"
)

// TimeRecord models one clock event. Clock-in and clock-out must alternate
// per user; the timeclock service enforces the invariant before creation.
type TimeRecord struct {
	SyncEnvelope     `gorm:"embedded"`
	UserID           string         `gorm:"column:user_id;size:190;not null;index"`
	Kind             TimeRecordKind `gorm:"column:kind;size:32;not null"`
	TimestampSeconds int64          `gorm:"column:timestamp_s;not null"`
	Coordinates      `gorm:"embedded"`
}

// TableName provides the explicit table binding for GORM.
func (TimeRecord) TableName() string {
	return "time_records"
}

// LocationSample models one position fix captured while tracking is active.
type LocationSample struct {
	SyncEnvelope     `gorm:"embedded"`
	Coordinates      `gorm:"embedded"`
	AccuracyMeters   float64 `gorm:"column:accuracy_m;not null"`
	TimestampSeconds int64   `gorm:"column:timestamp_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocationSample) TableName() string {
	return "location_samples"
}

// Photo models a captured photo awaiting upload. The file itself lives on
// disk at FilePath; only the reference is persisted.
type Photo struct {
	SyncEnvelope     `gorm:"embedded"`
	FilePath         string `gorm:"column:file_path;size:512;not null"`
	Coordinates      `gorm:"embedded"`
	TimestampSeconds int64 `gorm:"column:timestamp_s;not null"`
	UploadProgress   int   `gorm:"column:upload_progress;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Photo) TableName() string {
	return "photos"
}

// Report models a free-text activity report.
type Report struct {
	SyncEnvelope     `gorm:"embedded"`
	Text             string `gorm:"column:text;type:text;not null"`
	Coordinates      `gorm:"embedded"`
	TimestampSeconds int64 `gorm:"column:timestamp_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// PatrolLocation is catalog data refreshed from the server and cached locally.
type PatrolLocation struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	Name        string `gorm:"column:name;size:190;not null"`
	Coordinates `gorm:"embedded"`
}

// TableName provides the explicit table binding for GORM.
func (PatrolLocation) TableName() string {
	return "patrol_locations"
}

// Checkpoint belongs to a patrol location and anchors a geofence.
type Checkpoint struct {
	ID          int64 `gorm:"column:id;primaryKey"`
	LocationID  int64 `gorm:"column:location_id;not null;index"`
	Coordinates `gorm:"embedded"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "checkpoints"
}

// CheckpointVerification records a confirmed in-range checkpoint visit.
type CheckpointVerification struct {
	SyncEnvelope     `gorm:"embedded"`
	CheckpointID     int64  `gorm:"column:checkpoint_id;not null;index"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null"`
	Coordinates      `gorm:"embedded"`
}

// TableName provides the explicit table binding for GORM.
func (CheckpointVerification) TableName() string {
	return "checkpoint_verifications"
}
