package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gridworks/fieldsync/internal/types"
)

// --- Meters ---

const meterColumns = `id, server_id, serial_number, address, latitude, longitude, route_id, status, sync_status, version, last_modified`

func scanMeter(scanner interface{ Scan(...any) error }) (*types.Meter, error) {
	var m types.Meter
	var syncStatus, lastModified string
	err := scanner.Scan(
		&m.ID, &m.ServerID, &m.SerialNumber, &m.Address,
		&m.Latitude, &m.Longitude, &m.RouteID, &m.Status,
		&syncStatus, &m.Version, &lastModified,
	)
	if err != nil {
		return nil, err
	}
	m.SyncStatus = types.SyncStatus(syncStatus)
	m.LastModified = parseTime(lastModified)
	return &m, nil
}

// GetMeter returns a meter by its local id.
func (s *SQLiteStore) GetMeter(ctx context.Context, id string) (*types.Meter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meterColumns+` FROM meters WHERE id = ?`, id)
	m, err := scanMeter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meter: %w", err)
	}
	return m, nil
}

// GetMeterByServerID returns the meter owning the given remote id, if any.
func (s *SQLiteStore) GetMeterByServerID(ctx context.Context, serverID string) (*types.Meter, error) {
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meterColumns+` FROM meters WHERE server_id = ?`, serverID)
	m, err := scanMeter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meter by server id: %w", err)
	}
	return m, nil
}

// SaveMeter inserts or fully replaces a meter row. Used by reconciliation;
// does not enqueue.
func (s *SQLiteStore) SaveMeter(ctx context.Context, m *types.Meter) error {
	_, err := s.db.ExecContext(ctx, `
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

// DeleteMeterLocal removes a meter row. Absence is not an error.
func (s *SQLiteStore) DeleteMeterLocal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete meter: %w", err)
	}
	return nil
}

// SetMeterSyncStatus updates only the sync status of a meter.
func (s *SQLiteStore) SetMeterSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "meters", "id", id, status)
}

// --- Readings ---

const readingColumns = `id, server_id, meter_id, value, read_at, source, notes, sync_status, version, last_modified`

func scanReading(scanner interface{ Scan(...any) error }) (*types.Reading, error) {
	var r types.Reading
	var readAt, syncStatus, lastModified string
	err := scanner.Scan(
		&r.ID, &r.ServerID, &r.MeterID, &r.Value,
		&readAt, &r.Source, &r.Notes,
		&syncStatus, &r.Version, &lastModified,
	)
	if err != nil {
		return nil, err
	}
	r.ReadAt = parseTime(readAt)
	r.SyncStatus = types.SyncStatus(syncStatus)
	r.LastModified = parseTime(lastModified)
	return &r, nil
}

// GetReading returns a reading by its local id.
func (s *SQLiteStore) GetReading(ctx context.Context, id string) (*types.Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reading: %w", err)
	}
	return r, nil
}

// GetReadingByServerID returns the reading owning the given remote id, if any.
func (s *SQLiteStore) GetReadingByServerID(ctx context.Context, serverID string) (*types.Reading, error) {
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE server_id = ?`, serverID)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reading by server id: %w", err)
	}
	return r, nil
}

// SaveReading inserts or fully replaces a reading row.
func (s *SQLiteStore) SaveReading(ctx context.Context, r *types.Reading) error {
	_, err := s.db.ExecContext(ctx, `
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

// DeleteReadingLocal removes a reading row. Absence is not an error.
func (s *SQLiteStore) DeleteReadingLocal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reading: %w", err)
	}
	return nil
}

// SetReadingSyncStatus updates only the sync status of a reading.
func (s *SQLiteStore) SetReadingSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "readings", "id", id, status)
}

// --- Incidents ---

const incidentColumns = `id, server_id, meter_id, category, description, severity, status, reported_at, sync_status, version, last_modified`

func scanIncident(scanner interface{ Scan(...any) error }) (*types.Incident, error) {
	var in types.Incident
	var reportedAt, syncStatus, lastModified string
	err := scanner.Scan(
		&in.ID, &in.ServerID, &in.MeterID, &in.Category,
		&in.Description, &in.Severity, &in.Status, &reportedAt,
		&syncStatus, &in.Version, &lastModified,
	)
	if err != nil {
		return nil, err
	}
	in.ReportedAt = parseTime(reportedAt)
	in.SyncStatus = types.SyncStatus(syncStatus)
	in.LastModified = parseTime(lastModified)
	return &in, nil
}

// GetIncident returns an incident by its local id.
func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	in, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return in, nil
}

// GetIncidentByServerID returns the incident owning the given remote id, if any.
func (s *SQLiteStore) GetIncidentByServerID(ctx context.Context, serverID string) (*types.Incident, error) {
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE server_id = ?`, serverID)
	in, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident by server id: %w", err)
	}
	return in, nil
}

// SaveIncident inserts or fully replaces an incident row.
func (s *SQLiteStore) SaveIncident(ctx context.Context, in *types.Incident) error {
	_, err := s.db.ExecContext(ctx, `
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

// DeleteIncidentLocal removes an incident row. Absence is not an error.
func (s *SQLiteStore) DeleteIncidentLocal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete incident: %w", err)
	}
	return nil
}

// SetIncidentSyncStatus updates only the sync status of an incident.
func (s *SQLiteStore) SetIncidentSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "incidents", "id", id, status)
}

// --- Routes ---

const routeColumns = `id, server_id, name, assigned_to, scheduled_date, status, sync_status, version, last_modified`

func scanRoute(scanner interface{ Scan(...any) error }) (*types.Route, error) {
	var rt types.Route
	var syncStatus, lastModified string
	err := scanner.Scan(
		&rt.ID, &rt.ServerID, &rt.Name, &rt.AssignedTo,
		&rt.ScheduledDate, &rt.Status,
		&syncStatus, &rt.Version, &lastModified,
	)
	if err != nil {
		return nil, err
	}
	rt.SyncStatus = types.SyncStatus(syncStatus)
	rt.LastModified = parseTime(lastModified)
	return &rt, nil
}

// GetRoute returns a route by its local id.
func (s *SQLiteStore) GetRoute(ctx context.Context, id string) (*types.Route, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	rt, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	return rt, nil
}

// GetRouteByServerID returns the route owning the given remote id, if any.
func (s *SQLiteStore) GetRouteByServerID(ctx context.Context, serverID string) (*types.Route, error) {
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE server_id = ?`, serverID)
	rt, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route by server id: %w", err)
	}
	return rt, nil
}

// SaveRoute inserts or fully replaces a route row.
func (s *SQLiteStore) SaveRoute(ctx context.Context, rt *types.Route) error {
	_, err := s.db.ExecContext(ctx, `
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

// DeleteRouteLocal removes a route row. Absence is not an error.
func (s *SQLiteStore) DeleteRouteLocal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	return nil
}

// SetRouteSyncStatus updates only the sync status of a route.
func (s *SQLiteStore) SetRouteSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "routes", "id", id, status)
}

// --- Route meters ---

const routeMeterColumns = `id, server_id, route_id, meter_id, sequence, visited, sync_status, version, last_modified`

func scanRouteMeter(scanner interface{ Scan(...any) error }) (*types.RouteMeter, error) {
	var rm types.RouteMeter
	var visited int
	var syncStatus, lastModified string
	err := scanner.Scan(
		&rm.ID, &rm.ServerID, &rm.RouteID, &rm.MeterID,
		&rm.Sequence, &visited,
		&syncStatus, &rm.Version, &lastModified,
	)
	if err != nil {
		return nil, err
	}
	rm.Visited = visited != 0
	rm.SyncStatus = types.SyncStatus(syncStatus)
	rm.LastModified = parseTime(lastModified)
	return &rm, nil
}

// GetRouteMeter returns a route-meter assignment by its local id.
func (s *SQLiteStore) GetRouteMeter(ctx context.Context, id string) (*types.RouteMeter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeMeterColumns+` FROM route_meters WHERE id = ?`, id)
	rm, err := scanRouteMeter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route meter: %w", err)
	}
	return rm, nil
}

// GetRouteMeterByServerID returns the assignment owning the given remote id, if any.
func (s *SQLiteStore) GetRouteMeterByServerID(ctx context.Context, serverID string) (*types.RouteMeter, error) {
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeMeterColumns+` FROM route_meters WHERE server_id = ?`, serverID)
	rm, err := scanRouteMeter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route meter by server id: %w", err)
	}
	return rm, nil
}

// ListRouteMeters returns all assignments of a route in visit order.
func (s *SQLiteStore) ListRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error) {
	return s.listRouteMeters(ctx,
		`SELECT `+routeMeterColumns+` FROM route_meters WHERE route_id = ? ORDER BY sequence ASC`,
		routeID)
}

// ListPendingRouteMeters returns the route's assignments still awaiting
// remote confirmation.
func (s *SQLiteStore) ListPendingRouteMeters(ctx context.Context, routeID string) ([]types.RouteMeter, error) {
	return s.listRouteMeters(ctx,
		`SELECT `+routeMeterColumns+` FROM route_meters WHERE route_id = ? AND sync_status = ? ORDER BY sequence ASC`,
		routeID, string(types.SyncPending))
}

func (s *SQLiteStore) listRouteMeters(ctx context.Context, query string, args ...any) ([]types.RouteMeter, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list route meters: %w", err)
	}
	defer rows.Close()

	result := make([]types.RouteMeter, 0)
	for rows.Next() {
		rm, err := scanRouteMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route meter: %w", err)
		}
		result = append(result, *rm)
	}
	return result, rows.Err()
}

// SaveRouteMeter inserts or fully replaces a route-meter assignment row.
func (s *SQLiteStore) SaveRouteMeter(ctx context.Context, rm *types.RouteMeter) error {
	visited := 0
	if rm.Visited {
		visited = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_meters (`+routeMeterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			route_id = excluded.route_id,
			meter_id = excluded.meter_id,
			sequence = excluded.sequence,
			visited = excluded.visited,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		rm.ID, rm.ServerID, rm.RouteID, rm.MeterID,
		rm.Sequence, visited,
		string(rm.SyncStatus), rm.Version, formatTime(rm.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save route meter: %w", err)
	}
	return nil
}

// DeleteRouteMeterLocal removes an assignment row. Absence is not an error.
func (s *SQLiteStore) DeleteRouteMeterLocal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM route_meters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete route meter: %w", err)
	}
	return nil
}

// SetRouteMeterSyncStatus updates only the sync status of an assignment.
func (s *SQLiteStore) SetRouteMeterSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "route_meters", "id", id, status)
}

// --- Settings ---

const settingColumns = `key, value, sync_status, version, last_modified`

func scanSetting(scanner interface{ Scan(...any) error }) (*types.Setting, error) {
	var st types.Setting
	var syncStatus, lastModified string
	err := scanner.Scan(&st.Key, &st.Value, &syncStatus, &st.Version, &lastModified)
	if err != nil {
		return nil, err
	}
	st.SyncStatus = types.SyncStatus(syncStatus)
	st.LastModified = parseTime(lastModified)
	return &st, nil
}

// GetSetting returns a setting by key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (*types.Setting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM settings WHERE key = ?`, key)
	st, err := scanSetting(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return st, nil
}

// SaveSetting inserts or fully replaces a setting row.
func (s *SQLiteStore) SaveSetting(ctx context.Context, st *types.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (`+settingColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			sync_status = excluded.sync_status,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		st.Key, st.Value, string(st.SyncStatus), st.Version, formatTime(st.LastModified),
	)
	if err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}

// SetSettingSyncStatus updates only the sync status of a setting.
func (s *SQLiteStore) SetSettingSyncStatus(ctx context.Context, key string, status types.SyncStatus) error {
	return s.setSyncStatus(ctx, "settings", "key", key, status)
}

// setSyncStatus updates the sync_status column of one row. The table and key
// column names are always compile-time constants, never user input.
func (s *SQLiteStore) setSyncStatus(ctx context.Context, table, keyColumn, key string, status types.SyncStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = ?, last_modified = ? WHERE `+keyColumn+` = ?`,
		string(status), formatTime(time.Now()), key,
	)
	if err != nil {
		return fmt.Errorf("set %s sync status: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
