package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := &AgentState{
		Issue:     "PAN-100",
		Workspace: "/work/pan-100",
		Model:     "opus",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Save("agent-pan-100", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load("agent-pan-100")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Issue != want.Issue || got.Workspace != want.Workspace || got.Model != want.Model {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadMissingAgent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("agent-nope"); !os.IsNotExist(err) {
		t.Errorf("Load(missing) error = %v, want not-exist", err)
	}
}

func TestMergeCreatesAndUpdates(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Merge("agent-pan-1", func(a *AgentState) {
		a.Issue = "PAN-1"
		a.ConsecutiveFailures = 1
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if st.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", st.ConsecutiveFailures)
	}

	st, err = s.Merge("agent-pan-1", func(a *AgentState) {
		a.ConsecutiveFailures++
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if st.Issue != "PAN-1" || st.ConsecutiveFailures != 2 {
		t.Errorf("merged state = %+v, want issue preserved and failures=2", st)
	}
}

func TestActivityRetention(t *testing.T) {
	s := newTestStore(t)
	const retention = 100

	// The 101st entry purges the oldest.
	for i := 0; i < retention+1; i++ {
		err := s.AppendActivity("agent-pan-2", ActivityEntry{
			Kind:    "tool",
			Message: fmt.Sprintf("entry-%d", i),
		}, retention)
		if err != nil {
			t.Fatalf("AppendActivity(%d) error = %v", i, err)
		}
	}

	entries, err := s.ReadActivity("agent-pan-2", 0)
	if err != nil {
		t.Fatalf("ReadActivity() error = %v", err)
	}
	if len(entries) != retention {
		t.Fatalf("len(entries) = %d, want %d", len(entries), retention)
	}
	if entries[0].Message != "entry-1" {
		t.Errorf("oldest entry = %q, want entry-1 (entry-0 purged)", entries[0].Message)
	}
	if entries[len(entries)-1].Message != "entry-100" {
		t.Errorf("newest entry = %q, want entry-100", entries[len(entries)-1].Message)
	}
}

func TestReadActivityToleratesPartialFinalLine(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendActivity("agent-pan-3", ActivityEntry{Kind: "heartbeat"}, 0); err != nil {
		t.Fatalf("AppendActivity() error = %v", err)
	}

	// Simulate a torn write from a crashed appender.
	path := filepath.Join(s.Dir("agent-pan-3"), "activity.ndjson")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"timestamp":"2026-01-01T00:`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	entries, err := s.ReadActivity("agent-pan-3", 0)
	if err != nil {
		t.Fatalf("ReadActivity() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1 (torn line skipped)", len(entries))
	}
}

func TestReadActivityLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.AppendActivity("agent-pan-4", ActivityEntry{Message: fmt.Sprintf("m%d", i)}, 0); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.ReadActivity("agent-pan-4", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Message != "m3" || entries[1].Message != "m4" {
		t.Errorf("ReadActivity(limit=2) = %v, want last two entries", entries)
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveSessionID("agent-pan-5", "sess-abc123"); err != nil {
		t.Fatalf("SaveSessionID() error = %v", err)
	}
	got, err := s.ReadSessionID("agent-pan-5")
	if err != nil {
		t.Fatalf("ReadSessionID() error = %v", err)
	}
	if got != "sess-abc123" {
		t.Errorf("ReadSessionID() = %q, want sess-abc123", got)
	}
}

func TestReadSessionIDMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadSessionID("agent-unknown")
	if err != nil || got != "" {
		t.Errorf("ReadSessionID(missing) = (%q, %v), want (\"\", nil)", got, err)
	}
}

func TestPurgeRemovesDirectory(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("agent-pan-6", &AgentState{Issue: "PAN-6"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Purge("agent-pan-6"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if s.Exists("agent-pan-6") {
		t.Error("agent dir still exists after Purge")
	}
	// Idempotent.
	if err := s.Purge("agent-pan-6"); err != nil {
		t.Errorf("second Purge() error = %v", err)
	}
}

func TestListSorted(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"agent-pan-9", "agent-pan-1", "agent-pan-5"} {
		if err := s.Save(id, &AgentState{}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"agent-pan-1", "agent-pan-5", "agent-pan-9"}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestMergeRuntimeHeartbeat(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	_, err := s.MergeRuntime("agent-pan-7", func(ri *RuntimeInfo) {
		ri.State = "working"
		ri.CurrentTool = "Bash"
		ri.LastActivity = now
	})
	if err != nil {
		t.Fatalf("MergeRuntime() error = %v", err)
	}
	ri, err := s.LoadRuntime("agent-pan-7")
	if err != nil {
		t.Fatalf("LoadRuntime() error = %v", err)
	}
	if ri.State != "working" || ri.CurrentTool != "Bash" || !ri.LastActivity.Equal(now) {
		t.Errorf("LoadRuntime() = %+v", ri)
	}
}
