package types

import (
	"encoding/json"
	"strings"
	"testing"
)

// The enum strings are stored in SQLite and sent over the wire; changing one
// silently breaks existing databases.
func TestSyncStatus_WireValues(t *testing.T) {
	want := map[SyncStatus]string{
		SyncPending:    "pending",
		SyncSynced:     "synced",
		SyncError:      "error",
		SyncFailed:     "failed",
		SyncConflicted: "conflicted",
	}
	for status, value := range want {
		if string(status) != value {
			t.Errorf("SyncStatus %q changed from %q", status, value)
		}
	}
}

func TestEntityType_WireValues(t *testing.T) {
	want := map[EntityType]string{
		EntityMeter:      "meter",
		EntityReading:    "reading",
		EntityIncident:   "incident",
		EntityRoute:      "route",
		EntityRouteMeter: "route_meter",
		EntitySetting:    "setting",
	}
	for entity, value := range want {
		if string(entity) != value {
			t.Errorf("EntityType %q changed from %q", entity, value)
		}
	}
}

func TestMeter_OmitsEmptyServerID(t *testing.T) {
	data, err := json.Marshal(Meter{ID: "m-1", SerialNumber: "SN-1", Status: MeterActive})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "server_id") {
		t.Errorf("unsynced record should omit server_id, got %s", data)
	}
}
