// Package reconcile merges remote API responses back into the local record
// store after a queued operation is delivered. Reconciliation is idempotent:
// replaying a response after a crash converges on the same local state.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridworks/fieldsync/internal/store"
	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

// Store is the subset of the record store the reconciler needs. None of these
// enqueue operations.
type Store interface {
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

	GetRouteMeterByServerID(ctx context.Context, serverID string) (*types.RouteMeter, error)
	ListRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error)
	ListPendingRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error)
	SaveRouteMeter(ctx context.Context, rm *types.RouteMeter) error
	SetRouteMeterSyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	GetSetting(ctx context.Context, key string) (*types.Setting, error)
	SaveSetting(ctx context.Context, s *types.Setting) error
	SetSettingSyncStatus(ctx context.Context, key string, status types.SyncStatus) error
}

// Reconciler applies remote responses to the local store.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// New creates a Reconciler.
func New(st Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  st,
		logger: logger.With("component", "reconcile"),
	}
}

// ReconcileCreated adopts the server-assigned identity after a successful
// create. If another local record already owns the returned server id the
// local record is marked conflicted for out-of-band resolution; the delivery
// itself still counts as complete.
func (r *Reconciler) ReconcileCreated(ctx context.Context, op syncpkg.OperationType, localID string, remote json.RawMessage) error {
	switch op.Entity() {
	case types.EntityMeter:
		return r.reconcileMeter(ctx, localID, remote, true)
	case types.EntityReading:
		return r.reconcileReading(ctx, localID, remote, true)
	case types.EntityIncident:
		return r.reconcileIncident(ctx, localID, remote, true)
	case types.EntityRoute:
		return r.reconcileRoute(ctx, localID, remote, true)
	}
	return fmt.Errorf("reconcile created: unsupported operation %q", op)
}

// ReconcileUpdated applies the server's authoritative record after a
// successful update.
func (r *Reconciler) ReconcileUpdated(ctx context.Context, op syncpkg.OperationType, localID string, remote json.RawMessage) error {
	switch op.Entity() {
	case types.EntityMeter:
		return r.reconcileMeter(ctx, localID, remote, false)
	case types.EntityReading:
		return r.reconcileReading(ctx, localID, remote, false)
	case types.EntityIncident:
		return r.reconcileIncident(ctx, localID, remote, false)
	case types.EntityRoute:
		return r.reconcileRoute(ctx, localID, remote, false)
	case types.EntitySetting:
		return r.reconcileSetting(ctx, localID, remote)
	}
	return fmt.Errorf("reconcile updated: unsupported operation %q", op)
}

// ReconcileDeleted removes whatever trace of the record remains locally.
// The local row is usually already gone; absence is fine.
func (r *Reconciler) ReconcileDeleted(ctx context.Context, op syncpkg.OperationType, localID string) error {
	switch op.Entity() {
	case types.EntityMeter:
		return r.store.DeleteMeterLocal(ctx, localID)
	case types.EntityReading:
		return r.store.DeleteReadingLocal(ctx, localID)
	case types.EntityIncident:
		return r.store.DeleteIncidentLocal(ctx, localID)
	case types.EntityRoute:
		return r.store.DeleteRouteLocal(ctx, localID)
	}
	return fmt.Errorf("reconcile deleted: unsupported operation %q", op)
}

// ReconcileBatch applies the response to a route-meter batch. An itemized
// response confirms each assignment individually; a bare acknowledgement
// falls back to marking the route's pending assignments synced, which loses
// per-item confirmation and is called out in the log.
func (r *Reconciler) ReconcileBatch(ctx context.Context, op syncpkg.OperationType, routeID string, remote json.RawMessage) error {
	if op == syncpkg.OpBatchDeleteRouteMeters {
		// Local rows were removed at enqueue time; the acknowledgement is all
		// that is needed.
		return nil
	}
	if op != syncpkg.OpBatchUpdateRouteMeterSequence {
		return fmt.Errorf("reconcile batch: unsupported operation %q", op)
	}

	var batch syncpkg.RemoteBatch
	if len(remote) > 0 {
		if err := json.Unmarshal(remote, &batch); err != nil {
			return fmt.Errorf("decode batch response: %w", err)
		}
	}

	if len(batch.Items) == 0 {
		pending, err := r.store.ListPendingRouteMeters(ctx, routeID)
		if err != nil {
			return fmt.Errorf("list pending route meters: %w", err)
		}
		for _, rm := range pending {
			if err := r.store.SetRouteMeterSyncStatus(ctx, rm.ID, types.SyncSynced); err != nil {
				return fmt.Errorf("mark route meter synced: %w", err)
			}
		}
		r.logger.Warn("batch response carried no items; marked pending assignments synced without per-item confirmation",
			"route_id", routeID,
			"assignments", len(pending),
		)
		return nil
	}

	assignments, err := r.store.ListRouteMeters(ctx, routeID)
	if err != nil {
		return fmt.Errorf("list route meters: %w", err)
	}
	byMeter := make(map[string]types.RouteMeter, len(assignments))
	for _, rm := range assignments {
		byMeter[rm.MeterID] = rm
	}

	for _, item := range batch.Items {
		local, err := r.store.GetRouteMeterByServerID(ctx, item.ID)
		if errors.Is(err, store.ErrNotFound) {
			if match, ok := byMeter[item.MeterID]; ok {
				local = &match
				err = nil
			}
		}
		if errors.Is(err, store.ErrNotFound) {
			local = &types.RouteMeter{ID: item.ID, RouteID: routeID}
			err = nil
		}
		if err != nil {
			return fmt.Errorf("find route meter: %w", err)
		}

		r.warnVersionRegression(types.EntityRouteMeter, local.ID, local.Version, item.Version)
		local.ServerID = item.ID
		local.MeterID = item.MeterID
		local.Sequence = item.Sequence
		local.Visited = item.Visited
		local.Version = item.Version
		local.SyncStatus = types.SyncSynced
		local.LastModified = remoteTimestamp(item.UpdatedAt)
		if err := r.store.SaveRouteMeter(ctx, local); err != nil {
			r.markError(ctx, types.EntityRouteMeter, local.ID)
			return fmt.Errorf("save route meter: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileMeter(ctx context.Context, localID string, remote json.RawMessage, created bool) error {
	var rm syncpkg.RemoteMeter
	if err := json.Unmarshal(remote, &rm); err != nil {
		return fmt.Errorf("decode meter response: %w", err)
	}

	if created {
		owner, err := r.store.GetMeterByServerID(ctx, rm.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check server id ownership: %w", err)
		}
		if err == nil && owner.ID != localID {
			return r.markConflicted(ctx, types.EntityMeter, localID, rm.ID, owner.ID)
		}
	}

	local, err := r.store.GetMeter(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		local = &types.Meter{ID: localID}
	} else if err != nil {
		return fmt.Errorf("get meter: %w", err)
	} else if skipStale(created, local.Version, local.SyncStatus, local.LastModified, rm.Version, rm.UpdatedAt) {
		return nil
	}

	r.warnVersionRegression(types.EntityMeter, localID, local.Version, rm.Version)
	local.ServerID = rm.ID
	local.SerialNumber = rm.SerialNumber
	local.Address = rm.Address
	local.Latitude = rm.Latitude
	local.Longitude = rm.Longitude
	local.RouteID = rm.RouteID
	local.Status = rm.Status
	local.Version = rm.Version
	local.SyncStatus = types.SyncSynced
	local.LastModified = remoteTimestamp(rm.UpdatedAt)
	if err := r.store.SaveMeter(ctx, local); err != nil {
		r.markError(ctx, types.EntityMeter, localID)
		return fmt.Errorf("save meter: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileReading(ctx context.Context, localID string, remote json.RawMessage, created bool) error {
	var rr syncpkg.RemoteReading
	if err := json.Unmarshal(remote, &rr); err != nil {
		return fmt.Errorf("decode reading response: %w", err)
	}

	if created {
		owner, err := r.store.GetReadingByServerID(ctx, rr.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check server id ownership: %w", err)
		}
		if err == nil && owner.ID != localID {
			return r.markConflicted(ctx, types.EntityReading, localID, rr.ID, owner.ID)
		}
	}

	local, err := r.store.GetReading(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		local = &types.Reading{ID: localID}
	} else if err != nil {
		return fmt.Errorf("get reading: %w", err)
	} else if skipStale(created, local.Version, local.SyncStatus, local.LastModified, rr.Version, rr.UpdatedAt) {
		return nil
	}

	r.warnVersionRegression(types.EntityReading, localID, local.Version, rr.Version)
	local.ServerID = rr.ID
	if local.MeterID == "" {
		local.MeterID = rr.MeterID
	}
	local.Value = rr.Value
	local.ReadAt = rr.ReadAt
	local.Source = rr.Source
	local.Notes = rr.Notes
	local.Version = rr.Version
	local.SyncStatus = types.SyncSynced
	local.LastModified = remoteTimestamp(rr.UpdatedAt)
	if err := r.store.SaveReading(ctx, local); err != nil {
		r.markError(ctx, types.EntityReading, localID)
		return fmt.Errorf("save reading: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileIncident(ctx context.Context, localID string, remote json.RawMessage, created bool) error {
	var ri syncpkg.RemoteIncident
	if err := json.Unmarshal(remote, &ri); err != nil {
		return fmt.Errorf("decode incident response: %w", err)
	}

	if created {
		owner, err := r.store.GetIncidentByServerID(ctx, ri.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check server id ownership: %w", err)
		}
		if err == nil && owner.ID != localID {
			return r.markConflicted(ctx, types.EntityIncident, localID, ri.ID, owner.ID)
		}
	}

	local, err := r.store.GetIncident(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		local = &types.Incident{ID: localID}
	} else if err != nil {
		return fmt.Errorf("get incident: %w", err)
	} else if skipStale(created, local.Version, local.SyncStatus, local.LastModified, ri.Version, ri.UpdatedAt) {
		return nil
	}

	r.warnVersionRegression(types.EntityIncident, localID, local.Version, ri.Version)
	local.ServerID = ri.ID
	local.MeterID = ri.MeterID
	local.Category = ri.Category
	local.Description = ri.Description
	local.Severity = ri.Severity
	local.Status = ri.Status
	local.ReportedAt = ri.ReportedAt
	local.Version = ri.Version
	local.SyncStatus = types.SyncSynced
	local.LastModified = remoteTimestamp(ri.UpdatedAt)
	if err := r.store.SaveIncident(ctx, local); err != nil {
		r.markError(ctx, types.EntityIncident, localID)
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileRoute(ctx context.Context, localID string, remote json.RawMessage, created bool) error {
	var rr syncpkg.RemoteRoute
	if err := json.Unmarshal(remote, &rr); err != nil {
		return fmt.Errorf("decode route response: %w", err)
	}

	if created {
		owner, err := r.store.GetRouteByServerID(ctx, rr.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check server id ownership: %w", err)
		}
		if err == nil && owner.ID != localID {
			return r.markConflicted(ctx, types.EntityRoute, localID, rr.ID, owner.ID)
		}
	}

	local, err := r.store.GetRoute(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		local = &types.Route{ID: localID}
	} else if err != nil {
		return fmt.Errorf("get route: %w", err)
	} else if skipStale(created, local.Version, local.SyncStatus, local.LastModified, rr.Version, rr.UpdatedAt) {
		return nil
	}

	r.warnVersionRegression(types.EntityRoute, localID, local.Version, rr.Version)
	local.ServerID = rr.ID
	local.Name = rr.Name
	local.AssignedTo = rr.AssignedTo
	local.ScheduledDate = rr.ScheduledDate
	local.Status = rr.Status
	local.Version = rr.Version
	local.SyncStatus = types.SyncSynced
	local.LastModified = remoteTimestamp(rr.UpdatedAt)
	if err := r.store.SaveRoute(ctx, local); err != nil {
		r.markError(ctx, types.EntityRoute, localID)
		return fmt.Errorf("save route: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileSetting(ctx context.Context, key string, remote json.RawMessage) error {
	var rs syncpkg.RemoteSetting
	if err := json.Unmarshal(remote, &rs); err != nil {
		return fmt.Errorf("decode setting response: %w", err)
	}
	if rs.Key == "" {
		rs.Key = key
	}

	local, err := r.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		local = &types.Setting{Key: key}
	} else if err != nil {
		return fmt.Errorf("get setting: %w", err)
	} else if skipStale(false, local.Version, local.SyncStatus, local.LastModified, rs.Version, rs.UpdatedAt) {
		return nil
	}

	r.warnVersionRegression(types.EntitySetting, key, local.Version, rs.Version)
	local.Value = rs.Value
	local.Version = rs.Version
	local.SyncStatus = types.SyncSynced
	local.LastModified = remoteTimestamp(rs.UpdatedAt)
	if err := r.store.SaveSetting(ctx, local); err != nil {
		r.markError(ctx, types.EntitySetting, key)
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}

// skipStale reports whether an update response should be ignored: the record
// was already confirmed at this exact version and has since been edited
// locally, so applying the response would clobber the newer local edit.
func skipStale(created bool, localVersion int64, status types.SyncStatus, localModified time.Time, remoteVersion int64, remoteUpdated time.Time) bool {
	if created {
		return false
	}
	return remoteVersion == localVersion &&
		status == types.SyncSynced &&
		localModified.After(remoteUpdated)
}

// warnVersionRegression logs when the server returns a version older than the
// one already stored. Server data is applied regardless; the server is
// authoritative even when its counter moves backwards.
func (r *Reconciler) warnVersionRegression(entity types.EntityType, id string, localVersion, remoteVersion int64) {
	if remoteVersion < localVersion {
		r.logger.Warn("remote version regressed; applying server data anyway",
			"entity_type", string(entity),
			"id", id,
			"local_version", localVersion,
			"remote_version", remoteVersion,
		)
	}
}

func (r *Reconciler) markConflicted(ctx context.Context, entity types.EntityType, localID, serverID, ownerID string) error {
	r.logger.Warn("server id already owned by another local record; marking conflicted",
		"entity_type", string(entity),
		"id", localID,
		"server_id", serverID,
		"owner_id", ownerID,
	)
	if err := r.setSyncStatus(ctx, entity, localID, types.SyncConflicted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark conflicted: %w", err)
	}
	return nil
}

// markError flags the entity after a failed merge. Best effort: the original
// failure is what propagates.
func (r *Reconciler) markError(ctx context.Context, entity types.EntityType, id string) {
	if err := r.setSyncStatus(ctx, entity, id, types.SyncError); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("failed to flag entity after merge failure",
			"entity_type", string(entity),
			"id", id,
			"error", err,
		)
	}
}

func (r *Reconciler) setSyncStatus(ctx context.Context, entity types.EntityType, id string, status types.SyncStatus) error {
	switch entity {
	case types.EntityMeter:
		return r.store.SetMeterSyncStatus(ctx, id, status)
	case types.EntityReading:
		return r.store.SetReadingSyncStatus(ctx, id, status)
	case types.EntityIncident:
		return r.store.SetIncidentSyncStatus(ctx, id, status)
	case types.EntityRoute:
		return r.store.SetRouteSyncStatus(ctx, id, status)
	case types.EntityRouteMeter:
		return r.store.SetRouteMeterSyncStatus(ctx, id, status)
	case types.EntitySetting:
		return r.store.SetSettingSyncStatus(ctx, id, status)
	}
	return fmt.Errorf("unknown entity type %q", entity)
}

// remoteTimestamp normalizes the server's updated-at, falling back to now
// when the server omitted it.
func remoteTimestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
