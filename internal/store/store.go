package store

import (
	"context"
	"time"

	"github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

// Store defines the interface contract for the local record store and the
// durable operation queue. Every UI-originated write both mutates its record
// and enqueues a queue item inside one transaction; the reconciliation
// primitives (Get/Upsert/Delete/SetSyncStatus) never enqueue.
type Store interface {
	// Operation queue. Items enter only through the combined
	// write-and-enqueue operations below.
	GetOperation(ctx context.Context, id string) (*sync.QueueItem, error)
	ListOperations(ctx context.Context, limit int) ([]sync.QueueItem, error)
	ListReadyOperations(ctx context.Context, now time.Time, limit int) ([]sync.QueueItem, error)
	MarkOperationStatus(ctx context.Context, id string, status sync.Status, attemptsDelta int, details *sync.ErrorDetails, nextAttemptAt time.Time) error
	DeleteCompletedOperations(ctx context.Context) (int64, error)
	ResetTerminalOperations(ctx context.Context) (int64, error)
	CountOperationsByStatus(ctx context.Context) (map[sync.Status]int64, error)

	// Combined write-and-enqueue operations used by the UI layer.
	CreateMeter(ctx context.Context, m *types.Meter) (*sync.QueueItem, error)
	UpdateMeter(ctx context.Context, m *types.Meter) (*sync.QueueItem, error)
	DeleteMeter(ctx context.Context, id string) (*sync.QueueItem, error)
	CreateReading(ctx context.Context, r *types.Reading) (*sync.QueueItem, error)
	UpdateReading(ctx context.Context, r *types.Reading) (*sync.QueueItem, error)
	DeleteReading(ctx context.Context, id string) (*sync.QueueItem, error)
	CreateIncident(ctx context.Context, in *types.Incident) (*sync.QueueItem, error)
	UpdateIncident(ctx context.Context, in *types.Incident) (*sync.QueueItem, error)
	DeleteIncident(ctx context.Context, id string) (*sync.QueueItem, error)
	CreateRoute(ctx context.Context, rt *types.Route) (*sync.QueueItem, error)
	UpdateRoute(ctx context.Context, rt *types.Route) (*sync.QueueItem, error)
	DeleteRoute(ctx context.Context, id string) (*sync.QueueItem, error)
	UpdateRouteMeterSequence(ctx context.Context, routeID string, items []sync.SequenceItem) (*sync.QueueItem, error)
	RemoveRouteMeters(ctx context.Context, routeID string, meterIDs []string) (*sync.QueueItem, error)
	PutSetting(ctx context.Context, key, value string) (*sync.QueueItem, error)

	// Reconciliation primitives.
	GetMeter(ctx context.Context, id string) (*types.Meter, error)
	GetMeterByServerID(ctx context.Context, serverID string) (*types.Meter, error)
	SaveMeter(ctx context.Context, m *types.Meter) error
	DeleteMeterLocal(ctx context.Context, id string) error
	SetMeterSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetReading(ctx context.Context, id string) (*types.Reading, error)
	GetReadingByServerID(ctx context.Context, serverID string) (*types.Reading, error)
	SaveReading(ctx context.Context, r *types.Reading) error
	DeleteReadingLocal(ctx context.Context, id string) error
	SetReadingSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetIncident(ctx context.Context, id string) (*types.Incident, error)
	GetIncidentByServerID(ctx context.Context, serverID string) (*types.Incident, error)
	SaveIncident(ctx context.Context, in *types.Incident) error
	DeleteIncidentLocal(ctx context.Context, id string) error
	SetIncidentSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetRoute(ctx context.Context, id string) (*types.Route, error)
	GetRouteByServerID(ctx context.Context, serverID string) (*types.Route, error)
	SaveRoute(ctx context.Context, rt *types.Route) error
	DeleteRouteLocal(ctx context.Context, id string) error
	SetRouteSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetRouteMeter(ctx context.Context, id string) (*types.RouteMeter, error)
	GetRouteMeterByServerID(ctx context.Context, serverID string) (*types.RouteMeter, error)
	ListRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error)
	ListPendingRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error)
	SaveRouteMeter(ctx context.Context, rm *types.RouteMeter) error
	DeleteRouteMeterLocal(ctx context.Context, id string) error
	SetRouteMeterSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetSetting(ctx context.Context, key string) (*types.Setting, error)
	SaveSetting(ctx context.Context, s *types.Setting) error
	SetSettingSyncStatus(ctx context.Context, key string, status types.SyncStatus) error

	// Snapshot support for off-device backup.
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)

	Close() error
}
