package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_NewSQLiteStore(t *testing.T) {
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
}

func TestStore_CreateMeter_PersistsRecordAndEnqueues(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	item, err := db.CreateMeter(ctx, &types.Meter{
		SerialNumber: "SN-1001",
		Address:      "12 Elm St",
		Status:       types.MeterActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	if item.Operation != syncpkg.OpCreateMeter {
		t.Errorf("expected operation %s, got %s", syncpkg.OpCreateMeter, item.Operation)
	}
	if item.Seq == 0 {
		t.Error("expected queue sequence to be assigned")
	}

	m, err := db.GetMeter(ctx, item.EntityID)
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != types.SyncPending {
		t.Errorf("expected sync status pending, got %s", m.SyncStatus)
	}
	if m.SerialNumber != "SN-1001" {
		t.Errorf("expected serial number SN-1001, got %s", m.SerialNumber)
	}

	queued, err := db.GetOperation(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != syncpkg.StatusPending {
		t.Errorf("expected status pending, got %s", queued.Status)
	}
}

func TestStore_UpdateMeter_PreservesServerIDAndVersion(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	item, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-1", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a completed reconciliation assigning server identity.
	m, _ := db.GetMeter(ctx, item.EntityID)
	m.ServerID = "srv-42"
	m.Version = 3
	m.SyncStatus = types.SyncSynced
	if err := db.SaveMeter(ctx, m); err != nil {
		t.Fatal(err)
	}

	_, err = db.UpdateMeter(ctx, &types.Meter{
		ID:           m.ID,
		SerialNumber: "SN-1",
		Address:      "new address",
		Status:       types.MeterActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := db.GetMeter(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ServerID != "srv-42" {
		t.Errorf("expected server id to survive the edit, got %q", updated.ServerID)
	}
	if updated.Version != 3 {
		t.Errorf("expected version 3, got %d", updated.Version)
	}
	if updated.SyncStatus != types.SyncPending {
		t.Errorf("expected sync status pending after edit, got %s", updated.SyncStatus)
	}
}

func TestStore_UpdateMeter_UnknownIDReturnsNotFound(t *testing.T) {
	db := newTestStore(t)

	_, err := db.UpdateMeter(context.Background(), &types.Meter{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteMeter_CapturesServerIDInPayload(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	item, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-2", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMeter(ctx, item.EntityID)
	m.ServerID = "srv-7"
	if err := db.SaveMeter(ctx, m); err != nil {
		t.Fatal(err)
	}

	delItem, err := db.DeleteMeter(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}

	payload, err := syncpkg.DecodePayload(delItem.Operation, delItem.Payload)
	if err != nil {
		t.Fatal(err)
	}
	dp := payload.(*syncpkg.DeletePayload)
	if dp.ServerID != "srv-7" {
		t.Errorf("expected server id srv-7 in delete payload, got %q", dp.ServerID)
	}

	if _, err := db.GetMeter(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected meter to be gone, got %v", err)
	}
}

func TestStore_CreateReading_PartitionsUnderMeter(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	meterItem, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-3", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}

	readingItem, err := db.CreateReading(ctx, &types.Reading{
		MeterID: meterItem.EntityID,
		Value:   1042.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := string(types.EntityMeter) + ":" + meterItem.EntityID
	if got := readingItem.PartitionKey(); got != want {
		t.Errorf("expected partition key %q, got %q", want, got)
	}
}

func TestStore_CreateReading_RequiresMeterID(t *testing.T) {
	db := newTestStore(t)

	_, err := db.CreateReading(context.Background(), &types.Reading{Value: 10})
	if err == nil {
		t.Fatal("expected error for reading without meter id")
	}
}

func TestStore_ListReadyOperations_PerPartitionFIFO(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	meterItem, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-4", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMeter(ctx, meterItem.EntityID)
	m.Address = "edited"
	updateItem, err := db.UpdateMeter(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	otherItem, err := db.CreateIncident(ctx, &types.Incident{Category: "leak", Severity: "high", Status: "open"})
	if err != nil {
		t.Fatal(err)
	}

	// Both meter operations are deliverable, so the whole run is ready in
	// enqueue order; the incident partition interleaves by sequence.
	ready, err := db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready operations, got %d", len(ready))
	}
	if ready[0].ID != meterItem.ID || ready[1].ID != updateItem.ID || ready[2].ID != otherItem.ID {
		t.Errorf("unexpected ready order: %s, %s, %s", ready[0].ID, ready[1].ID, ready[2].ID)
	}

	// A head that is mid-delivery blocks the rest of its partition.
	if err := db.MarkOperationStatus(ctx, meterItem.ID, syncpkg.StatusProcessing, 1, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	ready, err = db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != otherItem.ID {
		t.Fatalf("expected only the incident while the meter head is in flight, got %d", len(ready))
	}

	// Completing the head releases the update again.
	if err := db.MarkOperationStatus(ctx, meterItem.ID, syncpkg.StatusCompleted, 0, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	ready, err = db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, item := range ready {
		if item.ID == updateItem.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected meter update to be ready after the create completed")
	}
}

func TestStore_ListReadyOperations_FailedHeadBlocksPartition(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	createItem, err := db.CreateRoute(ctx, &types.Route{Name: "North loop", Status: "planned"})
	if err != nil {
		t.Fatal(err)
	}
	rt, _ := db.GetRoute(ctx, createItem.EntityID)
	rt.Name = "North loop v2"
	if _, err := db.UpdateRoute(ctx, rt); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkOperationStatus(ctx, createItem.ID, syncpkg.StatusFailed, 1,
		&syncpkg.ErrorDetails{Reason: "bad request", Retryable: false, OccurredAt: time.Now()},
		time.Now()); err != nil {
		t.Fatal(err)
	}

	ready, err := db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Errorf("expected failed head to block the partition, got %d ready", len(ready))
	}

	// Resetting terminal operations unblocks it.
	reset, err := db.ResetTerminalOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reset != 1 {
		t.Errorf("expected 1 reset operation, got %d", reset)
	}
	ready, err = db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != createItem.ID {
		t.Fatalf("expected the reset create to head the partition's run again, got %d ready", len(ready))
	}
	if ready[0].Attempts != 0 {
		t.Errorf("expected attempt budget to be reset, got %d", ready[0].Attempts)
	}
}

func TestStore_ListReadyOperations_RespectsBackoffWindow(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	item, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-5", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMeter(ctx, item.EntityID)
	m.Address = "edited while the create backs off"
	if _, err := db.UpdateMeter(ctx, m); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	if err := db.MarkOperationStatus(ctx, item.ID, syncpkg.StatusRetrying, 1,
		&syncpkg.ErrorDetails{Reason: "timeout", IsTimeout: true, Retryable: true, OccurredAt: time.Now()},
		future); err != nil {
		t.Fatal(err)
	}

	// The backing-off head also holds back the update queued behind it.
	ready, err := db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Errorf("expected no ready operations before the backoff elapses, got %d", len(ready))
	}

	ready, err = db.ListReadyOperations(ctx, future.Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != item.ID {
		t.Errorf("expected the partition's run after the window, got %d", len(ready))
	}
}

func TestStore_Reopen_RecoversInFlightOperations(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fieldsync.db")

	db, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	createItem, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-9", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMeter(ctx, createItem.EntityID)
	m.Address = "edited"
	updateItem, err := db.UpdateMeter(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-delivery: the head is in flight when the process
	// dies.
	if err := db.MarkOperationStatus(ctx, createItem.ID, syncpkg.StatusProcessing, 1, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ready, err := db.ListReadyOperations(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != createItem.ID || ready[1].ID != updateItem.ID {
		t.Fatalf("expected the interrupted item and its partition back in delivery order, got %d ready", len(ready))
	}
	if ready[0].Status != syncpkg.StatusPending {
		t.Errorf("expected interrupted item returned to pending, got %s", ready[0].Status)
	}
	if ready[0].Attempts != 1 {
		t.Errorf("expected the interrupted attempt to stay counted, got %d", ready[0].Attempts)
	}
}

func TestStore_MarkOperationStatus_RecordsAttemptAndDetails(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	item, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-6", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}

	details := &syncpkg.ErrorDetails{
		Reason:     "connection refused",
		Retryable:  true,
		OccurredAt: time.Now().UTC(),
	}
	if err := db.MarkOperationStatus(ctx, item.ID, syncpkg.StatusRetrying, 1, details, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetOperation(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.LastAttemptAt == nil {
		t.Error("expected last attempt timestamp to be set")
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Reason != "connection refused" {
		t.Errorf("expected error details to round-trip, got %+v", got.ErrorDetails)
	}

	// Completing clears the details.
	if err := db.MarkOperationStatus(ctx, item.ID, syncpkg.StatusCompleted, 0, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetOperation(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorDetails != nil {
		t.Errorf("expected error details cleared, got %+v", got.ErrorDetails)
	}
}

func TestStore_MarkOperationStatus_UnknownID(t *testing.T) {
	db := newTestStore(t)

	err := db.MarkOperationStatus(context.Background(), "missing", syncpkg.StatusCompleted, 0, nil, time.Now())
	if !errors.Is(err, ErrQueueItemNotFound) {
		t.Errorf("expected ErrQueueItemNotFound, got %v", err)
	}
}

func TestStore_DeleteCompletedOperations(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	a, err := db.CreateMeter(ctx, &types.Meter{SerialNumber: "SN-7", Status: types.MeterActive})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateIncident(ctx, &types.Incident{Category: "damage", Severity: "low", Status: "open"}); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkOperationStatus(ctx, a.ID, syncpkg.StatusCompleted, 1, nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	purged, err := db.DeleteCompletedOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged operation, got %d", purged)
	}

	counts, err := db.CountOperationsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[syncpkg.StatusPending] != 1 {
		t.Errorf("expected 1 pending operation left, got %d", counts[syncpkg.StatusPending])
	}
	if counts[syncpkg.StatusCompleted] != 0 {
		t.Errorf("expected no completed operations left, got %d", counts[syncpkg.StatusCompleted])
	}
}

func TestStore_PutSetting_PreservesVersionAcrossWrites(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if _, err := db.PutSetting(ctx, "display.units", "metric"); err != nil {
		t.Fatal(err)
	}

	st, err := db.GetSetting(ctx, "display.units")
	if err != nil {
		t.Fatal(err)
	}
	st.Version = 4
	st.SyncStatus = types.SyncSynced
	if err := db.SaveSetting(ctx, st); err != nil {
		t.Fatal(err)
	}

	item, err := db.PutSetting(ctx, "display.units", "imperial")
	if err != nil {
		t.Fatal(err)
	}

	payload, err := syncpkg.DecodePayload(item.Operation, item.Payload)
	if err != nil {
		t.Fatal(err)
	}
	sp := payload.(*syncpkg.SettingPayload)
	if sp.Version != 4 {
		t.Errorf("expected payload to carry version 4, got %d", sp.Version)
	}

	got, err := db.GetSetting(ctx, "display.units")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "imperial" {
		t.Errorf("expected value imperial, got %s", got.Value)
	}
	if got.Version != 4 {
		t.Errorf("expected stored version 4, got %d", got.Version)
	}
	if got.SyncStatus != types.SyncPending {
		t.Errorf("expected sync status pending, got %s", got.SyncStatus)
	}
}

func TestStore_UpdateRouteMeterSequence(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	routeItem, err := db.CreateRoute(ctx, &types.Route{Name: "East loop", Status: "planned"})
	if err != nil {
		t.Fatal(err)
	}
	routeID := routeItem.EntityID

	rm1 := &types.RouteMeter{ID: "rm-1", RouteID: routeID, MeterID: "m-1", Sequence: 1, SyncStatus: types.SyncSynced, LastModified: time.Now()}
	rm2 := &types.RouteMeter{ID: "rm-2", RouteID: routeID, MeterID: "m-2", Sequence: 2, SyncStatus: types.SyncSynced, LastModified: time.Now()}
	if err := db.SaveRouteMeter(ctx, rm1); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveRouteMeter(ctx, rm2); err != nil {
		t.Fatal(err)
	}

	item, err := db.UpdateRouteMeterSequence(ctx, routeID, []syncpkg.SequenceItem{
		{RouteMeterID: "rm-1", MeterID: "m-1", Sequence: 2},
		{RouteMeterID: "rm-2", MeterID: "m-2", Sequence: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.Operation != syncpkg.OpBatchUpdateRouteMeterSequence {
		t.Errorf("unexpected operation %s", item.Operation)
	}

	ordered, err := db.ListRouteMeters(ctx, routeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(ordered))
	}
	if ordered[0].ID != "rm-2" || ordered[1].ID != "rm-1" {
		t.Errorf("expected re-ordered assignments, got %s then %s", ordered[0].ID, ordered[1].ID)
	}
	if ordered[0].SyncStatus != types.SyncPending {
		t.Errorf("expected re-sequenced assignments pending, got %s", ordered[0].SyncStatus)
	}

	pending, err := db.ListPendingRouteMeters(ctx, routeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending assignments, got %d", len(pending))
	}
}

func TestStore_UpdateRouteMeterSequence_UnknownAssignmentRollsBack(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	routeItem, err := db.CreateRoute(ctx, &types.Route{Name: "West loop", Status: "planned"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.UpdateRouteMeterSequence(ctx, routeItem.EntityID, []syncpkg.SequenceItem{
		{RouteMeterID: "nope", MeterID: "m-9", Sequence: 1},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The failed batch must not leave a queue item behind.
	counts, err := db.CountOperationsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[syncpkg.StatusPending] != 1 {
		t.Errorf("expected only the route create queued, got %d pending", counts[syncpkg.StatusPending])
	}
}

func TestStore_RemoveRouteMeters(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	routeItem, err := db.CreateRoute(ctx, &types.Route{Name: "South loop", Status: "planned"})
	if err != nil {
		t.Fatal(err)
	}
	routeID := routeItem.EntityID

	for i, id := range []string{"rm-a", "rm-b", "rm-c"} {
		rm := &types.RouteMeter{ID: id, RouteID: routeID, MeterID: "m-" + id, Sequence: i + 1, SyncStatus: types.SyncSynced, LastModified: time.Now()}
		if err := db.SaveRouteMeter(ctx, rm); err != nil {
			t.Fatal(err)
		}
	}

	item, err := db.RemoveRouteMeters(ctx, routeID, []string{"m-rm-a", "m-rm-c"})
	if err != nil {
		t.Fatal(err)
	}
	if item.Operation != syncpkg.OpBatchDeleteRouteMeters {
		t.Errorf("unexpected operation %s", item.Operation)
	}

	left, err := db.ListRouteMeters(ctx, routeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != "rm-b" {
		t.Errorf("expected only rm-b to remain, got %d assignments", len(left))
	}
}

func TestStore_GetMeterByServerID(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	m := &types.Meter{ID: "m-1", ServerID: "srv-1", SerialNumber: "SN-8", Status: types.MeterActive, SyncStatus: types.SyncSynced, LastModified: time.Now()}
	if err := db.SaveMeter(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMeterByServerID(ctx, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m-1" {
		t.Errorf("expected m-1, got %s", got.ID)
	}

	// Empty server id never matches, even though unsynced rows store ''.
	if _, err := db.GetMeterByServerID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty server id, got %v", err)
	}
}

func TestStore_SetSyncStatus(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	m := &types.Meter{ID: "m-2", SerialNumber: "SN-9", Status: types.MeterActive, SyncStatus: types.SyncPending, LastModified: time.Now()}
	if err := db.SaveMeter(ctx, m); err != nil {
		t.Fatal(err)
	}

	if err := db.SetMeterSyncStatus(ctx, "m-2", types.SyncConflicted); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMeter(ctx, "m-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != types.SyncConflicted {
		t.Errorf("expected conflicted, got %s", got.SyncStatus)
	}

	if err := db.SetMeterSyncStatus(ctx, "missing", types.SyncSynced); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_GenerateSnapshot(t *testing.T) {
	dir := t.TempDir()
	db, err := NewSQLiteStore(filepath.Join(dir, "fieldsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if _, err := db.GetSnapshotPath(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before first snapshot, got %v", err)
	}

	if err := db.GenerateSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	path, err := db.GetSnapshotPath(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Error("expected snapshot path")
	}

	// A second snapshot replaces the first.
	if err := db.GenerateSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
}
