package activestate

import (
	"testing"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
)

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	s := New()
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1"})
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L2"})
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L3"})

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	want := []string{"L1", "L2", "L3"}
	for i, w := range want {
		if snap[i].CorrelationID != w {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].CorrelationID, w)
		}
	}
}

func TestUpsertUpdatesWithoutReordering(t *testing.T) {
	s := New()
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1", State: "ringing"})
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L2", State: "ringing"})
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1", State: "connected"})

	snap := s.Snapshot()
	if snap[0].CorrelationID != "L1" || snap[0].State != "connected" {
		t.Errorf("expected L1 updated in place, got %+v", snap[0])
	}
	if snap[1].CorrelationID != "L2" {
		t.Errorf("expected L2 second, got %+v", snap[1])
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	s := New()
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1"})
	s.Remove("L1")

	if len(s.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after remove")
	}
	if s.ActiveCallCount() != 0 {
		t.Fatal("expected zero active call count after remove")
	}
}

func TestResetClearsActiveCallsButNotPresence(t *testing.T) {
	s := New()
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1"})
	s.SetPresence("1000", "INUSE")

	s.Reset()

	if len(s.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after reset")
	}
	if s.Presence()["1000"] != "INUSE" {
		t.Error("expected presence to survive reset (it is not part of per-session call state)")
	}
}

func TestSnapshotReturnsCopyNotAlias(t *testing.T) {
	s := New()
	s.Upsert(correlator.CallSnapshot{CorrelationID: "L1", Extensions: []string{"1000"}})

	snap := s.Snapshot()
	snap[0].Extensions[0] = "mutated"

	fresh := s.Snapshot()
	if fresh[0].Extensions[0] == "mutated" {
		t.Error("snapshot should not let callers mutate internal state")
	}
}

func TestPresenceReturnsCopy(t *testing.T) {
	s := New()
	s.SetPresence("1000", "NOT_INUSE")

	p := s.Presence()
	p["1000"] = "mutated"

	if s.Presence()["1000"] == "mutated" {
		t.Error("presence map should be a defensive copy")
	}
}
