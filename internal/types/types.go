package types

import "time"

// SyncStatus represents the local record's position relative to the remote side.
type SyncStatus string

const (
	// SyncPending means at least one queued operation for this record has not
	// yet been confirmed by the remote side.
	SyncPending SyncStatus = "pending"
	// SyncSynced means the record's version equals the last version
	// acknowledged by the remote side.
	SyncSynced SyncStatus = "synced"
	// SyncError means the remote call succeeded but the local merge failed.
	SyncError SyncStatus = "error"
	// SyncFailed means delivery of the record's mutation failed terminally.
	SyncFailed SyncStatus = "failed"
	// SyncConflicted means local and remote state diverged in a way that
	// requires out-of-band resolution. Never auto-retried.
	SyncConflicted SyncStatus = "conflicted"
)

// EntityType identifies a syncable record table.
type EntityType string

const (
	EntityMeter      EntityType = "meter"
	EntityReading    EntityType = "reading"
	EntityIncident   EntityType = "incident"
	EntityRoute      EntityType = "route"
	EntityRouteMeter EntityType = "route_meter"
	EntitySetting    EntityType = "setting"
)

// MeterStatus values accepted by the remote side.
const (
	MeterActive   = "active"
	MeterInactive = "inactive"
	MeterRemoved  = "removed"
)

// Meter represents a metering point in the field.
type Meter struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id,omitempty"`
	SerialNumber string     `json:"serial_number"`
	Address      string     `json:"address,omitempty"`
	Latitude     float64    `json:"latitude,omitempty"`
	Longitude    float64    `json:"longitude,omitempty"`
	RouteID      string     `json:"route_id,omitempty"`
	Status       string     `json:"status"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
}

// Reading represents a single meter reading captured in the field.
type Reading struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id,omitempty"`
	MeterID      string     `json:"meter_id"`
	Value        float64    `json:"value"`
	ReadAt       time.Time  `json:"read_at"`
	Source       string     `json:"source"`
	Notes        string     `json:"notes,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
}

// Incident represents a field-reported problem, optionally tied to a meter.
type Incident struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id,omitempty"`
	MeterID      string     `json:"meter_id,omitempty"`
	Category     string     `json:"category"`
	Description  string     `json:"description,omitempty"`
	Severity     string     `json:"severity"`
	Status       string     `json:"status"`
	ReportedAt   time.Time  `json:"reported_at"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
}

// Route represents an ordered collection run assigned to a field worker.
type Route struct {
	ID            string     `json:"id"`
	ServerID      string     `json:"server_id,omitempty"`
	Name          string     `json:"name"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	ScheduledDate string     `json:"scheduled_date,omitempty"`
	Status        string     `json:"status"`
	SyncStatus    SyncStatus `json:"sync_status"`
	Version       int64      `json:"version"`
	LastModified  time.Time  `json:"last_modified"`
}

// RouteMeter assigns a meter to a route at a visit sequence position.
type RouteMeter struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id,omitempty"`
	RouteID      string     `json:"route_id"`
	MeterID      string     `json:"meter_id"`
	Sequence     int        `json:"sequence"`
	Visited      bool       `json:"visited"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
}

// Setting is a key-value preference replicated to the remote side.
// The key doubles as the record identifier; settings have no server-assigned id.
type Setting struct {
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
}
