package threads

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return New(ws, nil)
}

func TestListOnEmptyWorkspaceReturnsNil(t *testing.T) {
	tr := newTestTracker(t)
	if got := tr.List(); got != nil {
		t.Fatalf("List() = %+v, want nil", got)
	}
}

func TestRecordActivityCreatesNewActiveThread(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	if err := tr.RecordActivity("t1", "planning", now); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	list := tr.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
	th := list[0]
	if th.Status != StatusActive || th.MessageCount != 1 || th.Topic != "planning" {
		t.Fatalf("unexpected thread: %+v", th)
	}
}

func TestRecordActivityBumpsExistingThread(t *testing.T) {
	tr := newTestTracker(t)
	start := time.Now()
	if err := tr.RecordActivity("t1", "planning", start); err != nil {
		t.Fatal(err)
	}
	later := start.Add(time.Hour)
	if err := tr.RecordActivity("t1", "", later); err != nil {
		t.Fatal(err)
	}
	list := tr.List()
	if len(list) != 1 {
		t.Fatalf("expected upsert in place, got %d threads", len(list))
	}
	if list[0].MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", list[0].MessageCount)
	}
	if !list[0].LastActivity.Equal(later) {
		t.Fatalf("LastActivity = %v, want %v", list[0].LastActivity, later)
	}
}

func TestRecordActivityReactivatesResolvedThread(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	if err := tr.RecordActivity("t1", "planning", now); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve("t1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordActivity("t1", "", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	list := tr.List()
	if list[0].Status != StatusActive {
		t.Fatalf("Status = %q, want active after new activity", list[0].Status)
	}
}

func TestResolveMarksThreadResolved(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	if err := tr.RecordActivity("t1", "planning", now); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve("t1"); err != nil {
		t.Fatal(err)
	}
	if active := tr.Active(); len(active) != 0 {
		t.Fatalf("Active() = %+v, want empty after resolve", active)
	}
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Resolve("missing"); err != nil {
		t.Fatalf("Resolve on unknown id: %v", err)
	}
}

func TestStaleFiltersByAge(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	if err := tr.RecordActivity("old", "", now.Add(-3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordActivity("fresh", "", now); err != nil {
		t.Fatal(err)
	}
	stale := tr.Stale(now, 2*time.Hour)
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("Stale() = %+v, want only 'old'", stale)
	}
	if !tr.HasStale(now, 2*time.Hour) {
		t.Fatal("expected HasStale to report true")
	}
}

func TestIsStaleIgnoresResolvedThreads(t *testing.T) {
	now := time.Now()
	th := Thread{Status: StatusResolved, LastActivity: now.Add(-24 * time.Hour)}
	if th.IsStale(now, time.Hour) {
		t.Fatal("resolved threads must never report stale")
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Upsert(Thread{ID: "t1", Topic: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Upsert(Thread{ID: "t1", Topic: "second"}); err != nil {
		t.Fatal(err)
	}
	list := tr.List()
	if len(list) != 1 || list[0].Topic != "second" {
		t.Fatalf("expected single upserted thread, got %+v", list)
	}
}
