package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

// The combined write operations below mutate a record and enqueue its
// mutation inside one transaction, so a crash can never leave a local edit
// without its queued delivery or vice versa.

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateMeter persists a new meter and enqueues its creation. The meter id is
// assigned here when the caller left it empty.
func (s *SQLiteStore) CreateMeter(ctx context.Context, m *types.Meter) (*syncpkg.QueueItem, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.ServerID = ""
	m.SyncStatus = types.SyncPending
	m.Version = 0
	m.LastModified = time.Now().UTC()

	item, err := syncpkg.NewQueueItem(syncpkg.OpCreateMeter, meterPayload(m), m.ID, "", "")
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMeterTx(ctx, tx, m); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateMeter persists an edit to an existing meter and enqueues it. The
// stored server id and version are authoritative and survive the edit.
func (s *SQLiteStore) UpdateMeter(ctx context.Context, m *types.Meter) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMeterTx(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		m.ServerID = existing.ServerID
		m.Version = existing.Version
		m.SyncStatus = types.SyncPending
		m.LastModified = time.Now().UTC()

		item, err = syncpkg.NewQueueItem(syncpkg.OpUpdateMeter, meterPayload(m), m.ID, "", "")
		if err != nil {
			return err
		}
		if err := insertMeterTx(ctx, tx, m); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteMeter removes a meter locally and enqueues the remote delete. The
// server id is captured before the row disappears so the remote resource can
// still be addressed.
func (s *SQLiteStore) DeleteMeter(ctx context.Context, id string) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMeterTx(ctx, tx, id)
		if err != nil {
			return err
		}
		item, err = syncpkg.NewQueueItem(syncpkg.OpDeleteMeter,
			&syncpkg.DeletePayload{ID: id, ServerID: existing.ServerID}, id, "", "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM meters WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete meter: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateReading persists a new reading and enqueues its creation, scoped
// under its meter so deliveries for one meter stay ordered.
func (s *SQLiteStore) CreateReading(ctx context.Context, r *types.Reading) (*syncpkg.QueueItem, error) {
	if r.MeterID == "" {
		return nil, fmt.Errorf("create reading: meter id is required")
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = time.Now().UTC()
	}
	if r.Source == "" {
		r.Source = "manual"
	}
	r.ServerID = ""
	r.SyncStatus = types.SyncPending
	r.Version = 0
	r.LastModified = time.Now().UTC()

	item, err := syncpkg.NewQueueItem(syncpkg.OpCreateReading, readingPayload(r),
		r.ID, types.EntityMeter, r.MeterID)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertReadingTx(ctx, tx, r); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateReading persists an edit to an existing reading and enqueues it.
func (s *SQLiteStore) UpdateReading(ctx context.Context, r *types.Reading) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getReadingTx(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		r.ServerID = existing.ServerID
		r.MeterID = existing.MeterID
		r.Version = existing.Version
		r.SyncStatus = types.SyncPending
		r.LastModified = time.Now().UTC()

		item, err = syncpkg.NewQueueItem(syncpkg.OpUpdateReading, readingPayload(r),
			r.ID, types.EntityMeter, r.MeterID)
		if err != nil {
			return err
		}
		if err := insertReadingTx(ctx, tx, r); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteReading removes a reading locally and enqueues the remote delete.
func (s *SQLiteStore) DeleteReading(ctx context.Context, id string) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getReadingTx(ctx, tx, id)
		if err != nil {
			return err
		}
		item, err = syncpkg.NewQueueItem(syncpkg.OpDeleteReading,
			&syncpkg.DeletePayload{ID: id, ServerID: existing.ServerID, ParentID: existing.MeterID},
			id, types.EntityMeter, existing.MeterID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete reading: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateIncident persists a new incident and enqueues its creation.
func (s *SQLiteStore) CreateIncident(ctx context.Context, in *types.Incident) (*syncpkg.QueueItem, error) {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	if in.ReportedAt.IsZero() {
		in.ReportedAt = time.Now().UTC()
	}
	in.ServerID = ""
	in.SyncStatus = types.SyncPending
	in.Version = 0
	in.LastModified = time.Now().UTC()

	item, err := syncpkg.NewQueueItem(syncpkg.OpCreateIncident, incidentPayload(in), in.ID, "", "")
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertIncidentTx(ctx, tx, in); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateIncident persists an edit to an existing incident and enqueues it.
func (s *SQLiteStore) UpdateIncident(ctx context.Context, in *types.Incident) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getIncidentTx(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		in.ServerID = existing.ServerID
		in.Version = existing.Version
		in.SyncStatus = types.SyncPending
		in.LastModified = time.Now().UTC()

		item, err = syncpkg.NewQueueItem(syncpkg.OpUpdateIncident, incidentPayload(in), in.ID, "", "")
		if err != nil {
			return err
		}
		if err := insertIncidentTx(ctx, tx, in); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteIncident removes an incident locally and enqueues the remote delete.
func (s *SQLiteStore) DeleteIncident(ctx context.Context, id string) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getIncidentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		item, err = syncpkg.NewQueueItem(syncpkg.OpDeleteIncident,
			&syncpkg.DeletePayload{ID: id, ServerID: existing.ServerID}, id, "", "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM incidents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete incident: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateRoute persists a new route and enqueues its creation.
func (s *SQLiteStore) CreateRoute(ctx context.Context, rt *types.Route) (*syncpkg.QueueItem, error) {
	if rt.ID == "" {
		rt.ID = ulid.Make().String()
	}
	rt.ServerID = ""
	rt.SyncStatus = types.SyncPending
	rt.Version = 0
	rt.LastModified = time.Now().UTC()

	item, err := syncpkg.NewQueueItem(syncpkg.OpCreateRoute, routePayload(rt), rt.ID, "", "")
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertRouteTx(ctx, tx, rt); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateRoute persists an edit to an existing route and enqueues it.
func (s *SQLiteStore) UpdateRoute(ctx context.Context, rt *types.Route) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRouteTx(ctx, tx, rt.ID)
		if err != nil {
			return err
		}
		rt.ServerID = existing.ServerID
		rt.Version = existing.Version
		rt.SyncStatus = types.SyncPending
		rt.LastModified = time.Now().UTC()

		item, err = syncpkg.NewQueueItem(syncpkg.OpUpdateRoute, routePayload(rt), rt.ID, "", "")
		if err != nil {
			return err
		}
		if err := insertRouteTx(ctx, tx, rt); err != nil {
			return err
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteRoute removes a route and its meter assignments locally and enqueues
// the remote delete. The remote side cascades assignments itself.
func (s *SQLiteStore) DeleteRoute(ctx context.Context, id string) (*syncpkg.QueueItem, error) {
	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRouteTx(ctx, tx, id)
		if err != nil {
			return err
		}
		item, err = syncpkg.NewQueueItem(syncpkg.OpDeleteRoute,
			&syncpkg.DeletePayload{ID: id, ServerID: existing.ServerID}, id, "", "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_meters WHERE route_id = ?`, id); err != nil {
			return fmt.Errorf("delete route meters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete route: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateRouteMeterSequence re-orders a route's meter assignments locally and
// enqueues one batch operation for the whole re-ordering. The batch is
// partitioned under the route so it serializes with other route operations.
func (s *SQLiteStore) UpdateRouteMeterSequence(ctx context.Context, routeID string, items []syncpkg.SequenceItem) (*syncpkg.QueueItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("update route meter sequence: empty batch")
	}

	payload := &syncpkg.RouteMeterSequencePayload{RouteID: routeID, Items: items}
	item, err := syncpkg.NewQueueItem(syncpkg.OpBatchUpdateRouteMeterSequence, payload,
		"", types.EntityRoute, routeID)
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRouteTx(ctx, tx, routeID); err != nil {
			return err
		}
		for _, si := range items {
			result, err := tx.ExecContext(ctx, `
				UPDATE route_meters
				SET sequence = ?, sync_status = ?, last_modified = ?
				WHERE id = ? AND route_id = ?`,
				si.Sequence, string(types.SyncPending), now, si.RouteMeterID, routeID)
			if err != nil {
				return fmt.Errorf("update route meter sequence: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				return fmt.Errorf("route meter %s: %w", si.RouteMeterID, ErrNotFound)
			}
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveRouteMeters removes a set of meter assignments from a route locally
// and enqueues one batch delete for them.
func (s *SQLiteStore) RemoveRouteMeters(ctx context.Context, routeID string, meterIDs []string) (*syncpkg.QueueItem, error) {
	if len(meterIDs) == 0 {
		return nil, fmt.Errorf("remove route meters: empty batch")
	}

	payload := &syncpkg.RouteMeterDeletePayload{RouteID: routeID, MeterIDs: meterIDs}
	item, err := syncpkg.NewQueueItem(syncpkg.OpBatchDeleteRouteMeters, payload,
		"", types.EntityRoute, routeID)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRouteTx(ctx, tx, routeID); err != nil {
			return err
		}
		placeholders := strings.Repeat(",?", len(meterIDs))[1:]
		args := make([]any, 0, len(meterIDs)+1)
		args = append(args, routeID)
		for _, id := range meterIDs {
			args = append(args, id)
		}
		query := `DELETE FROM route_meters WHERE route_id = ? AND meter_id IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("remove route meters: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PutSetting writes a setting locally and enqueues its replication. The
// stored version survives across writes to the same key.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) (*syncpkg.QueueItem, error) {
	if key == "" {
		return nil, fmt.Errorf("put setting: key is required")
	}

	var item *syncpkg.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int64
		row := tx.QueryRowContext(ctx, `SELECT version FROM settings WHERE key = ?`, key)
		if err := row.Scan(&version); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("get setting version: %w", err)
		}

		payload := &syncpkg.SettingPayload{Key: key, Value: value, Version: version}
		var err error
		item, err = syncpkg.NewQueueItem(syncpkg.OpUpdateSetting, payload, key, "", "")
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, sync_status, version, last_modified)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				sync_status = excluded.sync_status,
				last_modified = excluded.last_modified`,
			key, value, string(types.SyncPending), version, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("put setting: %w", err)
		}
		return enqueueOperationTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// --- transaction-scoped record helpers ---

func getMeterTx(ctx context.Context, tx *sql.Tx, id string) (*types.Meter, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+meterColumns+` FROM meters WHERE id = ?`, id)
	m, err := scanMeter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meter: %w", err)
	}
	return m, nil
}

func insertMeterTx(ctx context.Context, tx *sql.Tx, m *types.Meter) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meters (`+meterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			serial_number = excluded.serial_number,
			address = excluded.address,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			route_id = excluded.route_id,
			status = excluded.status,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		m.ID, m.ServerID, m.SerialNumber, m.Address,
		m.Latitude, m.Longitude, m.RouteID, m.Status,
		string(m.SyncStatus), m.Version, formatTime(m.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save meter: %w", err)
	}
	return nil
}

func getReadingTx(ctx context.Context, tx *sql.Tx, id string) (*types.Reading, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reading: %w", err)
	}
	return r, nil
}

func insertReadingTx(ctx context.Context, tx *sql.Tx, r *types.Reading) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			meter_id = excluded.meter_id,
			value = excluded.value,
			read_at = excluded.read_at,
			source = excluded.source,
			notes = excluded.notes,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		r.ID, r.ServerID, r.MeterID, r.Value,
		formatTime(r.ReadAt), r.Source, r.Notes,
		string(r.SyncStatus), r.Version, formatTime(r.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	return nil
}

func getIncidentTx(ctx context.Context, tx *sql.Tx, id string) (*types.Incident, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	in, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return in, nil
}

func insertIncidentTx(ctx context.Context, tx *sql.Tx, in *types.Incident) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			meter_id = excluded.meter_id,
			category = excluded.category,
			description = excluded.description,
			severity = excluded.severity,
			status = excluded.status,
			reported_at = excluded.reported_at,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		in.ID, in.ServerID, in.MeterID, in.Category,
		in.Description, in.Severity, in.Status, formatTime(in.ReportedAt),
		string(in.SyncStatus), in.Version, formatTime(in.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

func getRouteTx(ctx context.Context, tx *sql.Tx, id string) (*types.Route, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	rt, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	return rt, nil
}

func insertRouteTx(ctx context.Context, tx *sql.Tx, rt *types.Route) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO routes (`+routeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			name = excluded.name,
			assigned_to = excluded.assigned_to,
			scheduled_date = excluded.scheduled_date,
			status = excluded.status,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		rt.ID, rt.ServerID, rt.Name, rt.AssignedTo,
		rt.ScheduledDate, rt.Status,
		string(rt.SyncStatus), rt.Version, formatTime(rt.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save route: %w", err)
	}
	return nil
}

// --- payload builders ---

func meterPayload(m *types.Meter) *syncpkg.MeterPayload {
	return &syncpkg.MeterPayload{
		ID:           m.ID,
		ServerID:     m.ServerID,
		SerialNumber: m.SerialNumber,
		Address:      m.Address,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		RouteID:      m.RouteID,
		Status:       m.Status,
		Version:      m.Version,
	}
}

func readingPayload(r *types.Reading) *syncpkg.ReadingPayload {
	return &syncpkg.ReadingPayload{
		ID:       r.ID,
		ServerID: r.ServerID,
		MeterID:  r.MeterID,
		Value:    r.Value,
		ReadAt:   r.ReadAt,
		Source:   r.Source,
		Notes:    r.Notes,
		Version:  r.Version,
	}
}

func incidentPayload(in *types.Incident) *syncpkg.IncidentPayload {
	return &syncpkg.IncidentPayload{
		ID:          in.ID,
		ServerID:    in.ServerID,
		MeterID:     in.MeterID,
		Category:    in.Category,
		Description: in.Description,
		Severity:    in.Severity,
		Status:      in.Status,
		ReportedAt:  in.ReportedAt,
		Version:     in.Version,
	}
}

func routePayload(rt *types.Route) *syncpkg.RoutePayload {
	return &syncpkg.RoutePayload{
		ID:            rt.ID,
		ServerID:      rt.ServerID,
		Name:          rt.Name,
		AssignedTo:    rt.AssignedTo,
		ScheduledDate: rt.ScheduledDate,
		Status:        rt.Status,
		Version:       rt.Version,
	}
}
