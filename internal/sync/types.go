// Package sync contains the offline operation queue types and the orchestrator
// that drains queued mutations against the remote field-service API.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gridworks/fieldsync/internal/types"
)

// OperationType is the tagged union of entity kind and mutation kind. The
// payload type carried by a queue item is statically tied to the tag; see
// DecodePayload.
type OperationType string

const (
	OpCreateMeter OperationType = "create_meter"
	OpUpdateMeter OperationType = "update_meter"
	OpDeleteMeter OperationType = "delete_meter"

	OpCreateReading OperationType = "create_reading"
	OpUpdateReading OperationType = "update_reading"
	OpDeleteReading OperationType = "delete_reading"

	OpCreateIncident OperationType = "create_incident"
	OpUpdateIncident OperationType = "update_incident"
	OpDeleteIncident OperationType = "delete_incident"

	OpCreateRoute OperationType = "create_route"
	OpUpdateRoute OperationType = "update_route"
	OpDeleteRoute OperationType = "delete_route"

	OpBatchUpdateRouteMeterSequence OperationType = "batch_update_route_meter_sequence"
	OpBatchDeleteRouteMeters        OperationType = "batch_delete_route_meters"

	OpUpdateSetting OperationType = "update_setting"
)

// Entity returns the entity kind the operation mutates.
func (op OperationType) Entity() types.EntityType {
	switch op {
	case OpCreateMeter, OpUpdateMeter, OpDeleteMeter:
		return types.EntityMeter
	case OpCreateReading, OpUpdateReading, OpDeleteReading:
		return types.EntityReading
	case OpCreateIncident, OpUpdateIncident, OpDeleteIncident:
		return types.EntityIncident
	case OpCreateRoute, OpUpdateRoute, OpDeleteRoute:
		return types.EntityRoute
	case OpBatchUpdateRouteMeterSequence, OpBatchDeleteRouteMeters:
		return types.EntityRouteMeter
	case OpUpdateSetting:
		return types.EntitySetting
	}
	return ""
}

// IsCreate reports whether the operation creates a new remote resource.
func (op OperationType) IsCreate() bool {
	switch op {
	case OpCreateMeter, OpCreateReading, OpCreateIncident, OpCreateRoute:
		return true
	}
	return false
}

// IsDelete reports whether the operation removes a remote resource.
func (op OperationType) IsDelete() bool {
	switch op {
	case OpDeleteMeter, OpDeleteReading, OpDeleteIncident, OpDeleteRoute, OpBatchDeleteRouteMeters:
		return true
	}
	return false
}

// IsBatch reports whether the operation affects multiple child records at once.
func (op OperationType) IsBatch() bool {
	return op == OpBatchUpdateRouteMeterSequence || op == OpBatchDeleteRouteMeters
}

// Valid reports whether op is a known operation type.
func (op OperationType) Valid() bool {
	return op.Entity() != ""
}

// Status is the delivery state of a queue item.
type Status string

const (
	// StatusPending marks an item that has never been attempted.
	StatusPending Status = "pending"
	// StatusProcessing marks the item currently being dispatched.
	StatusProcessing Status = "processing"
	// StatusRetrying marks an item whose last attempt hit a transport failure;
	// it is retried automatically once its backoff window elapses.
	StatusRetrying Status = "retrying"
	// StatusFailed marks a protocol failure (unparseable payload, unknown
	// operation, missing local id). Terminal until explicitly reset.
	StatusFailed Status = "failed"
	// StatusAbandoned marks an item that exhausted its attempt budget.
	// Terminal until explicitly reset.
	StatusAbandoned Status = "abandoned"
	// StatusCompleted marks a delivered and reconciled item, purged at the
	// end of the pass.
	StatusCompleted Status = "completed"
)

// ErrorDetails records the most recent delivery failure for a queue item.
type ErrorDetails struct {
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code,omitempty"`
	IsTimeout  bool      `json:"is_timeout,omitempty"`
	Retryable  bool      `json:"retryable"`
	OccurredAt time.Time `json:"occurred_at"`
}

// QueueItem is one durable, to-be-delivered mutation. The payload is an
// immutable snapshot captured at enqueue time; only status, attempts,
// scheduling, and error fields change afterward.
type QueueItem struct {
	Seq               int64            `json:"seq"`
	ID                string           `json:"id"`
	Operation         OperationType    `json:"operation"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	EntityID          string           `json:"entity_id,omitempty"`
	EntityType        types.EntityType `json:"entity_type,omitempty"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	RelatedEntityType types.EntityType `json:"related_entity_type,omitempty"`
	Status            Status           `json:"status"`
	Attempts          int              `json:"attempts"`
	NextAttemptAt     time.Time        `json:"next_attempt_at"`
	CreatedAt         time.Time        `json:"created_at"`
	LastAttemptAt     *time.Time       `json:"last_attempt_at,omitempty"`
	ErrorDetails      *ErrorDetails    `json:"error_details,omitempty"`
}

// PartitionKey groups operations that must be delivered in enqueue order
// relative to each other: operations scoped under a parent share the parent's
// partition, everything else partitions by the entity itself.
func (i *QueueItem) PartitionKey() string {
	if i.RelatedEntityID != "" {
		return string(i.RelatedEntityType) + ":" + i.RelatedEntityID
	}
	return string(i.EntityType) + ":" + i.EntityID
}

// NewQueueItem builds a pending queue item for the given operation. The
// payload is serialized immediately so later local edits cannot leak into an
// already-recorded mutation. A nil payload is allowed for delete operations.
// relatedEntityID scopes the operation under a parent (a reading's meter, a
// route-meter's route) and may be empty.
func NewQueueItem(op OperationType, payload any, entityID string, relatedEntityType types.EntityType, relatedEntityID string) (*QueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation type %q", op)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	now := time.Now().UTC()
	item := &QueueItem{
		ID:            ulid.Make().String(),
		Operation:     op,
		Payload:       raw,
		EntityID:      entityID,
		EntityType:    op.Entity(),
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if relatedEntityID != "" {
		item.RelatedEntityID = relatedEntityID
		item.RelatedEntityType = relatedEntityType
	}
	return item, nil
}

// DeletePayload identifies the remote resource targeted by a delete. ServerID
// is included when known so the remote resource can still be addressed after
// the local record is gone.
type DeletePayload struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// MeterPayload is the replayable snapshot for meter create/update operations.
type MeterPayload struct {
	ID           string  `json:"id"`
	ServerID     string  `json:"server_id,omitempty"`
	SerialNumber string  `json:"serial_number"`
	Address      string  `json:"address,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	RouteID      string  `json:"route_id,omitempty"`
	Status       string  `json:"status"`
	Version      int64   `json:"version,omitempty"`
}

// ReadingPayload is the replayable snapshot for reading create/update operations.
type ReadingPayload struct {
	ID       string    `json:"id"`
	ServerID string    `json:"server_id,omitempty"`
	MeterID  string    `json:"meter_id"`
	Value    float64   `json:"value"`
	ReadAt   time.Time `json:"read_at"`
	Source   string    `json:"source"`
	Notes    string    `json:"notes,omitempty"`
	Version  int64     `json:"version,omitempty"`
}

// IncidentPayload is the replayable snapshot for incident create/update operations.
type IncidentPayload struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"server_id,omitempty"`
	MeterID     string    `json:"meter_id,omitempty"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	ReportedAt  time.Time `json:"reported_at"`
	Version     int64     `json:"version,omitempty"`
}

// RoutePayload is the replayable snapshot for route create/update operations.
type RoutePayload struct {
	ID            string `json:"id"`
	ServerID      string `json:"server_id,omitempty"`
	Name          string `json:"name"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	ScheduledDate string `json:"scheduled_date,omitempty"`
	Status        string `json:"status"`
	Version       int64  `json:"version,omitempty"`
}

// SequenceItem is one meter position within a route re-sequencing batch.
type SequenceItem struct {
	RouteMeterID string `json:"route_meter_id"`
	MeterID      string `json:"meter_id"`
	Sequence     int    `json:"sequence"`
}

// RouteMeterSequencePayload re-orders the meters assigned to a route.
type RouteMeterSequencePayload struct {
	RouteID string         `json:"route_id"`
	Items   []SequenceItem `json:"items"`
}

// RouteMeterDeletePayload removes a set of meter assignments from a route.
type RouteMeterDeletePayload struct {
	RouteID  string   `json:"route_id"`
	MeterIDs []string `json:"meter_ids"`
}

// SettingPayload is the replayable snapshot for a setting write.
type SettingPayload struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version int64  `json:"version,omitempty"`
}

// DecodePayload parses a queue item's raw payload into the typed structure
// tied to its operation. Delete operations decode to *DeletePayload.
// An unknown operation type is a programming-error class failure.
func DecodePayload(op OperationType, raw json.RawMessage) (any, error) {
	decode := func(v any) (any, error) {
		if len(raw) == 0 {
			return nil, fmt.Errorf("operation %s requires a payload", op)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", op, err)
		}
		return v, nil
	}

	switch op {
	case OpCreateMeter, OpUpdateMeter:
		return decode(&MeterPayload{})
	case OpCreateReading, OpUpdateReading:
		return decode(&ReadingPayload{})
	case OpCreateIncident, OpUpdateIncident:
		return decode(&IncidentPayload{})
	case OpCreateRoute, OpUpdateRoute:
		return decode(&RoutePayload{})
	case OpBatchUpdateRouteMeterSequence:
		return decode(&RouteMeterSequencePayload{})
	case OpBatchDeleteRouteMeters:
		return decode(&RouteMeterDeletePayload{})
	case OpUpdateSetting:
		return decode(&SettingPayload{})
	case OpDeleteMeter, OpDeleteReading, OpDeleteIncident, OpDeleteRoute:
		return decode(&DeletePayload{})
	}
	return nil, fmt.Errorf("unknown operation type %q", op)
}

// RemoteRecord carries the server-authoritative identity fields present in
// every successful entity response.
type RemoteRecord struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteMeter is the server's representation of a meter.
type RemoteMeter struct {
	RemoteRecord
	SerialNumber string  `json:"serial_number"`
	Address      string  `json:"address"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RouteID      string  `json:"route_id"`
	Status       string  `json:"status"`
}

// RemoteReading is the server's representation of a reading.
type RemoteReading struct {
	RemoteRecord
	MeterID string    `json:"meter_id"`
	Value   float64   `json:"value"`
	ReadAt  time.Time `json:"read_at"`
	Source  string    `json:"source"`
	Notes   string    `json:"notes"`
}

// RemoteIncident is the server's representation of an incident.
type RemoteIncident struct {
	RemoteRecord
	MeterID     string    `json:"meter_id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	ReportedAt  time.Time `json:"reported_at"`
}

// RemoteRoute is the server's representation of a route.
type RemoteRoute struct {
	RemoteRecord
	Name          string `json:"name"`
	AssignedTo    string `json:"assigned_to"`
	ScheduledDate string `json:"scheduled_date"`
	Status        string `json:"status"`
}

// RemoteRouteMeter is the server's representation of a route-meter assignment.
type RemoteRouteMeter struct {
	RemoteRecord
	RouteID  string `json:"route_id"`
	MeterID  string `json:"meter_id"`
	Sequence int    `json:"sequence"`
	Visited  bool   `json:"visited"`
}

// RemoteSetting is the server's representation of a setting.
type RemoteSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteBatch is the server's response to a batch operation. Items may be
// empty when the server acknowledges success without itemizing results.
type RemoteBatch struct {
	Items []RemoteRouteMeter `json:"items"`
}

// ReportStatus is the consumer-facing state of the sync engine.
type ReportStatus string

const (
	ReportIdle    ReportStatus = "idle"
	ReportSyncing ReportStatus = "syncing"
	ReportSuccess ReportStatus = "success"
	ReportError   ReportStatus = "error"
)

// Report summarizes one sync pass. It is retained in memory for status
// queries, never persisted.
type Report struct {
	PassID     string       `json:"pass_id"`
	Status     ReportStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	Processed  int          `json:"processed"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Abandoned  int          `json:"abandoned"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
