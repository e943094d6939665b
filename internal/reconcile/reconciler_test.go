package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gridworks/fieldsync/internal/store"
	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

type mockStore struct {
	meters      map[string]*types.Meter
	readings    map[string]*types.Reading
	incidents   map[string]*types.Incident
	routes      map[string]*types.Route
	routeMeters map[string]*types.RouteMeter
	settings    map[string]*types.Setting

	saveErr error
	deletes []string
}

func newMockStore() *mockStore {
	return &mockStore{
		meters:      make(map[string]*types.Meter),
		readings:    make(map[string]*types.Reading),
		incidents:   make(map[string]*types.Incident),
		routes:      make(map[string]*types.Route),
		routeMeters: make(map[string]*types.RouteMeter),
		settings:    make(map[string]*types.Setting),
	}
}

func (s *mockStore) GetMeter(_ context.Context, id string) (*types.Meter, error) {
	m, ok := s.meters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *mockStore) GetMeterByServerID(_ context.Context, serverID string) (*types.Meter, error) {
	for _, m := range s.meters {
		if m.ServerID == serverID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) SaveMeter(_ context.Context, m *types.Meter) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *m
	s.meters[m.ID] = &cp
	return nil
}

func (s *mockStore) DeleteMeterLocal(_ context.Context, id string) error {
	s.deletes = append(s.deletes, "meter:"+id)
	delete(s.meters, id)
	return nil
}

func (s *mockStore) SetMeterSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	m, ok := s.meters[id]
	if !ok {
		return store.ErrNotFound
	}
	m.SyncStatus = status
	return nil
}

func (s *mockStore) GetReading(_ context.Context, id string) (*types.Reading, error) {
	r, ok := s.readings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) GetReadingByServerID(_ context.Context, serverID string) (*types.Reading, error) {
	for _, r := range s.readings {
		if r.ServerID == serverID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) SaveReading(_ context.Context, r *types.Reading) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *r
	s.readings[r.ID] = &cp
	return nil
}

func (s *mockStore) DeleteReadingLocal(_ context.Context, id string) error {
	s.deletes = append(s.deletes, "reading:"+id)
	delete(s.readings, id)
	return nil
}

func (s *mockStore) SetReadingSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	r, ok := s.readings[id]
	if !ok {
		return store.ErrNotFound
	}
	r.SyncStatus = status
	return nil
}

func (s *mockStore) GetIncident(_ context.Context, id string) (*types.Incident, error) {
	in, ok := s.incidents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *mockStore) GetIncidentByServerID(_ context.Context, serverID string) (*types.Incident, error) {
	for _, in := range s.incidents {
		if in.ServerID == serverID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) SaveIncident(_ context.Context, in *types.Incident) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *in
	s.incidents[in.ID] = &cp
	return nil
}

func (s *mockStore) DeleteIncidentLocal(_ context.Context, id string) error {
	s.deletes = append(s.deletes, "incident:"+id)
	delete(s.incidents, id)
	return nil
}

func (s *mockStore) SetIncidentSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	in, ok := s.incidents[id]
	if !ok {
		return store.ErrNotFound
	}
	in.SyncStatus = status
	return nil
}

func (s *mockStore) GetRoute(_ context.Context, id string) (*types.Route, error) {
	rt, ok := s.routes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (s *mockStore) GetRouteByServerID(_ context.Context, serverID string) (*types.Route, error) {
	for _, rt := range s.routes {
		if rt.ServerID == serverID {
			cp := *rt
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) SaveRoute(_ context.Context, rt *types.Route) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rt
	s.routes[rt.ID] = &cp
	return nil
}

func (s *mockStore) DeleteRouteLocal(_ context.Context, id string) error {
	s.deletes = append(s.deletes, "route:"+id)
	delete(s.routes, id)
	return nil
}

func (s *mockStore) SetRouteSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	rt, ok := s.routes[id]
	if !ok {
		return store.ErrNotFound
	}
	rt.SyncStatus = status
	return nil
}

func (s *mockStore) GetRouteMeterByServerID(_ context.Context, serverID string) (*types.RouteMeter, error) {
	for _, rm := range s.routeMeters {
		if rm.ServerID == serverID {
			cp := *rm
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) ListRouteMeters(_ context.Context, routeID string) ([]types.RouteMeter, error) {
	var out []types.RouteMeter
	for _, rm := range s.routeMeters {
		if rm.RouteID == routeID {
			out = append(out, *rm)
		}
	}
	return out, nil
}

func (s *mockStore) ListPendingRouteMeters(_ context.Context, routeID string) ([]types.RouteMeter, error) {
	var out []types.RouteMeter
	for _, rm := range s.routeMeters {
		if rm.RouteID == routeID && rm.SyncStatus == types.SyncPending {
			out = append(out, *rm)
		}
	}
	return out, nil
}

func (s *mockStore) SaveRouteMeter(_ context.Context, rm *types.RouteMeter) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rm
	s.routeMeters[rm.ID] = &cp
	return nil
}

func (s *mockStore) SetRouteMeterSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	rm, ok := s.routeMeters[id]
	if !ok {
		return store.ErrNotFound
	}
	rm.SyncStatus = status
	return nil
}

func (s *mockStore) GetSetting(_ context.Context, key string) (*types.Setting, error) {
	st, ok := s.settings[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *mockStore) SaveSetting(_ context.Context, st *types.Setting) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *st
	s.settings[st.Key] = &cp
	return nil
}

func (s *mockStore) SetSettingSyncStatus(_ context.Context, key string, status types.SyncStatus) error {
	st, ok := s.settings[key]
	if !ok {
		return store.ErrNotFound
	}
	st.SyncStatus = status
	return nil
}

func remoteMeterJSON(t *testing.T, rm syncpkg.RemoteMeter) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(rm)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestReconciler_Created_AdoptsServerIdentity(t *testing.T) {
	st := newMockStore()
	st.meters["m-1"] = &types.Meter{ID: "m-1", SerialNumber: "SN-1", Status: "active", SyncStatus: types.SyncPending}
	r := New(st, nil)

	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 1, UpdatedAt: time.Now().UTC()},
		SerialNumber: "SN-1",
		Status:       "active",
	})

	if err := r.ReconcileCreated(context.Background(), syncpkg.OpCreateMeter, "m-1", remote); err != nil {
		t.Fatal(err)
	}

	m := st.meters["m-1"]
	if m.ServerID != "srv-1" {
		t.Errorf("expected server id adopted, got %q", m.ServerID)
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.SyncStatus != types.SyncSynced {
		t.Errorf("expected synced, got %s", m.SyncStatus)
	}
}

func TestReconciler_Created_DuplicateServerIDMarksConflicted(t *testing.T) {
	st := newMockStore()
	st.meters["m-owner"] = &types.Meter{ID: "m-owner", ServerID: "srv-1", SyncStatus: types.SyncSynced}
	st.meters["m-dup"] = &types.Meter{ID: "m-dup", SyncStatus: types.SyncPending}
	r := New(st, nil)

	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 1},
	})

	// The delivery still succeeds; conflict resolution is out of band.
	if err := r.ReconcileCreated(context.Background(), syncpkg.OpCreateMeter, "m-dup", remote); err != nil {
		t.Fatal(err)
	}

	if st.meters["m-dup"].SyncStatus != types.SyncConflicted {
		t.Errorf("expected conflicted, got %s", st.meters["m-dup"].SyncStatus)
	}
	if st.meters["m-owner"].SyncStatus != types.SyncSynced {
		t.Error("owning record should be untouched")
	}
}

func TestReconciler_Created_VanishedLocalInsertsFresh(t *testing.T) {
	st := newMockStore()
	r := New(st, nil)

	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 1},
		SerialNumber: "SN-1",
		Status:       "active",
	})

	if err := r.ReconcileCreated(context.Background(), syncpkg.OpCreateMeter, "m-gone", remote); err != nil {
		t.Fatal(err)
	}

	m, ok := st.meters["m-gone"]
	if !ok {
		t.Fatal("expected record re-inserted from server data")
	}
	if m.ServerID != "srv-1" || m.SerialNumber != "SN-1" || m.SyncStatus != types.SyncSynced {
		t.Errorf("unexpected record %+v", m)
	}
}

func TestReconciler_Updated_VersionRegressionStillApplies(t *testing.T) {
	st := newMockStore()
	st.meters["m-1"] = &types.Meter{ID: "m-1", ServerID: "srv-1", Version: 5, SyncStatus: types.SyncPending}
	r := New(st, nil)

	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 3, UpdatedAt: time.Now().UTC()},
		SerialNumber: "SN-1",
		Status:       "inactive",
	})

	if err := r.ReconcileUpdated(context.Background(), syncpkg.OpUpdateMeter, "m-1", remote); err != nil {
		t.Fatal(err)
	}

	m := st.meters["m-1"]
	if m.Version != 3 {
		t.Errorf("server version should win even when older, got %d", m.Version)
	}
	if m.Status != "inactive" {
		t.Errorf("expected server field applied, got %q", m.Status)
	}
}

func TestReconciler_Updated_SkipsStaleResponse(t *testing.T) {
	localEdit := time.Now().UTC()
	st := newMockStore()
	st.meters["m-1"] = &types.Meter{
		ID:           "m-1",
		ServerID:     "srv-1",
		SerialNumber: "SN-edited",
		Version:      2,
		SyncStatus:   types.SyncSynced,
		LastModified: localEdit,
	}
	r := New(st, nil)

	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 2, UpdatedAt: localEdit.Add(-time.Minute)},
		SerialNumber: "SN-old",
	})

	if err := r.ReconcileUpdated(context.Background(), syncpkg.OpUpdateMeter, "m-1", remote); err != nil {
		t.Fatal(err)
	}

	if st.meters["m-1"].SerialNumber != "SN-edited" {
		t.Error("stale response should not clobber a newer local edit")
	}
}

func TestReconciler_Updated_SaveFailureMarksError(t *testing.T) {
	st := newMockStore()
	st.meters["m-1"] = &types.Meter{ID: "m-1", ServerID: "srv-1", Version: 1, SyncStatus: types.SyncPending}
	r := New(st, nil)

	st.saveErr = errors.New("disk full")
	remote := remoteMeterJSON(t, syncpkg.RemoteMeter{
		RemoteRecord: syncpkg.RemoteRecord{ID: "srv-1", Version: 2, UpdatedAt: time.Now().UTC()},
	})

	err := r.ReconcileUpdated(context.Background(), syncpkg.OpUpdateMeter, "m-1", remote)
	if err == nil {
		t.Fatal("expected save failure to propagate")
	}
	if st.meters["m-1"].SyncStatus != types.SyncError {
		t.Errorf("expected error status, got %s", st.meters["m-1"].SyncStatus)
	}
}

func TestReconciler_Deleted_IsIdempotent(t *testing.T) {
	st := newMockStore()
	st.incidents["i-1"] = &types.Incident{ID: "i-1"}
	r := New(st, nil)

	if err := r.ReconcileDeleted(context.Background(), syncpkg.OpDeleteIncident, "i-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.incidents["i-1"]; ok {
		t.Fatal("expected incident removed")
	}

	// Second delivery of the same response finds nothing to do.
	if err := r.ReconcileDeleted(context.Background(), syncpkg.OpDeleteIncident, "i-1"); err != nil {
		t.Fatal(err)
	}
}

func TestReconciler_Updated_Setting(t *testing.T) {
	st := newMockStore()
	st.settings["display.units"] = &types.Setting{Key: "display.units", Value: "imperial", Version: 1, SyncStatus: types.SyncPending}
	r := New(st, nil)

	remote, _ := json.Marshal(syncpkg.RemoteSetting{Key: "display.units", Value: "metric", Version: 2, UpdatedAt: time.Now().UTC()})

	if err := r.ReconcileUpdated(context.Background(), syncpkg.OpUpdateSetting, "display.units", remote); err != nil {
		t.Fatal(err)
	}

	got := st.settings["display.units"]
	if got.Value != "metric" || got.Version != 2 || got.SyncStatus != types.SyncSynced {
		t.Errorf("unexpected setting %+v", got)
	}
}

func TestReconciler_Batch_ItemizedConfirmsEachAssignment(t *testing.T) {
	st := newMockStore()
	st.routeMeters["rm-1"] = &types.RouteMeter{ID: "rm-1", ServerID: "srv-rm-1", RouteID: "rt-1", MeterID: "m-1", Sequence: 2, SyncStatus: types.SyncPending}
	st.routeMeters["rm-2"] = &types.RouteMeter{ID: "rm-2", RouteID: "rt-1", MeterID: "m-2", Sequence: 1, SyncStatus: types.SyncPending}
	r := New(st, nil)

	remote, _ := json.Marshal(syncpkg.RemoteBatch{Items: []syncpkg.RemoteRouteMeter{
		{RemoteRecord: syncpkg.RemoteRecord{ID: "srv-rm-1", Version: 2}, RouteID: "rt-1", MeterID: "m-1", Sequence: 2},
		{RemoteRecord: syncpkg.RemoteRecord{ID: "srv-rm-2", Version: 1}, RouteID: "rt-1", MeterID: "m-2", Sequence: 1},
	}})

	if err := r.ReconcileBatch(context.Background(), syncpkg.OpBatchUpdateRouteMeterSequence, "rt-1", remote); err != nil {
		t.Fatal(err)
	}

	if got := st.routeMeters["rm-1"]; got.SyncStatus != types.SyncSynced || got.Version != 2 {
		t.Errorf("rm-1 not confirmed: %+v", got)
	}
	// rm-2 had no server id yet; it is matched by meter and adopts one.
	if got := st.routeMeters["rm-2"]; got.ServerID != "srv-rm-2" || got.SyncStatus != types.SyncSynced {
		t.Errorf("rm-2 not confirmed: %+v", got)
	}
}

func TestReconciler_Batch_BareAckMarksPendingSynced(t *testing.T) {
	st := newMockStore()
	st.routeMeters["rm-1"] = &types.RouteMeter{ID: "rm-1", RouteID: "rt-1", MeterID: "m-1", SyncStatus: types.SyncPending}
	st.routeMeters["rm-other"] = &types.RouteMeter{ID: "rm-other", RouteID: "rt-2", MeterID: "m-9", SyncStatus: types.SyncPending}
	r := New(st, nil)

	if err := r.ReconcileBatch(context.Background(), syncpkg.OpBatchUpdateRouteMeterSequence, "rt-1", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	if st.routeMeters["rm-1"].SyncStatus != types.SyncSynced {
		t.Error("expected pending assignment on the route marked synced")
	}
	if st.routeMeters["rm-other"].SyncStatus != types.SyncPending {
		t.Error("assignments on other routes must be untouched")
	}
}

func TestReconciler_Batch_DeleteIsAckOnly(t *testing.T) {
	st := newMockStore()
	r := New(st, nil)

	if err := r.ReconcileBatch(context.Background(), syncpkg.OpBatchDeleteRouteMeters, "rt-1", nil); err != nil {
		t.Fatal(err)
	}
	if len(st.deletes) != 0 {
		t.Errorf("batch delete must not touch local rows, got %v", st.deletes)
	}
}

func TestReconciler_Created_MalformedResponse(t *testing.T) {
	st := newMockStore()
	r := New(st, nil)

	err := r.ReconcileCreated(context.Background(), syncpkg.OpCreateMeter, "m-1", json.RawMessage(`{broken`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestReconciler_UnsupportedOperation(t *testing.T) {
	st := newMockStore()
	r := New(st, nil)

	for _, fn := range []func() error{
		func() error {
			return r.ReconcileCreated(context.Background(), syncpkg.OpUpdateSetting, "k", json.RawMessage(`{}`))
		},
		func() error {
			return r.ReconcileDeleted(context.Background(), syncpkg.OpUpdateSetting, "k")
		},
	} {
		if err := fn(); err == nil {
			t.Error("expected unsupported-operation error")
		}
	}
}
