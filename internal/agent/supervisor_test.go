package agent

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
)

type fakeTmux struct {
	mu      sync.Mutex
	live    map[string]bool
	sent    map[string][]string
	cmds    map[string]string
	creates int
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{live: map[string]bool{}, sent: map[string][]string{}, cmds: map[string]string{}}
}

func (f *fakeTmux) CreateDetached(name, cwd, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[name] = true
	f.cmds[name] = command
	f.creates++
	return nil
}

func (f *fakeTmux) SendMessage(name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeTmux) Exists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name], nil
}

func (f *fakeTmux) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeTmux, *state.Store) {
	t.Helper()
	ft := newFakeTmux()
	store := state.NewStore(t.TempDir())
	sup := NewSupervisor(store, ft, lock.NewMutationLock(), "claude --dangerously-skip-permissions", 100, zap.NewNop())
	return sup, ft, store
}

func TestID(t *testing.T) {
	if got := ID("PAN-100"); got != "agent-pan-100" {
		t.Errorf("ID(PAN-100) = %q", got)
	}
}

func TestSpawnCreatesSessionAndState(t *testing.T) {
	sup, ft, store := newTestSupervisor(t)
	id, created, err := sup.Spawn("PAN-100", "/ws/pan-100", "claude", "opus")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if !created || id != "agent-pan-100" {
		t.Errorf("Spawn() = (%q, %v)", id, created)
	}
	if !ft.live[id] {
		t.Error("no session created")
	}
	if !strings.Contains(ft.cmds[id], "--model opus") {
		t.Errorf("command = %q, missing model flag", ft.cmds[id])
	}

	st, err := store.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Issue != "PAN-100" || st.Workspace != "/ws/pan-100" || st.Model != "opus" || st.StartedAt.IsZero() {
		t.Errorf("state = %+v", st)
	}
}

func TestSpawnIdempotentOnLiveSession(t *testing.T) {
	sup, ft, _ := newTestSupervisor(t)
	if _, _, err := sup.Spawn("PAN-1", "/ws", "", ""); err != nil {
		t.Fatal(err)
	}
	id, created, err := sup.Spawn("PAN-1", "/other", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("created = true for a live agent")
	}
	if id != "agent-pan-1" || ft.creates != 1 {
		t.Errorf("id = %q, creates = %d", id, ft.creates)
	}
}

// Kill purges state so the agent never reappears in listings.
func TestKillPurgesState(t *testing.T) {
	sup, ft, store := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-2", "/ws", "", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Kill(id); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if ft.live[id] {
		t.Error("session survived kill")
	}
	if store.Exists(id) {
		t.Error("state directory survived kill")
	}
	ids, _ := sup.List()
	for _, got := range ids {
		if got == id {
			t.Errorf("killed agent still listed: %v", ids)
		}
	}

	// Killing again is a no-op.
	if err := sup.Kill(id); err != nil {
		t.Errorf("second Kill() error = %v", err)
	}
}

func TestSendMessageRequiresSession(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	if err := sup.SendMessage("agent-pan-9", "hi"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendMessage() = %v, want ErrNotRunning", err)
	}
}

func TestMessageIssueOpportunistic(t *testing.T) {
	sup, ft, _ := newTestSupervisor(t)
	delivered, err := sup.MessageIssue("PAN-3", "feedback")
	if err != nil || delivered {
		t.Errorf("MessageIssue(no session) = (%v, %v), want (false, nil)", delivered, err)
	}

	if _, _, err := sup.Spawn("PAN-3", "/ws", "", ""); err != nil {
		t.Fatal(err)
	}
	delivered, err = sup.MessageIssue("PAN-3", "feedback")
	if err != nil || !delivered {
		t.Fatalf("MessageIssue(live) = (%v, %v)", delivered, err)
	}
	if got := ft.sent["agent-pan-3"]; len(got) != 1 || got[0] != "feedback" {
		t.Errorf("sent = %v", got)
	}
}

func TestPokeDefaultsNudge(t *testing.T) {
	sup, ft, _ := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-4", "/ws", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Poke(id, ""); err != nil {
		t.Fatalf("Poke() error = %v", err)
	}
	if got := ft.sent[id]; len(got) != 1 || got[0] != defaultNudge {
		t.Errorf("sent = %v, want default nudge", got)
	}
}

func TestSuspendResume(t *testing.T) {
	sup, ft, store := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-5", "/ws/pan-5", "", "sonnet")
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Suspend(id, "tok-77"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if ft.live[id] {
		t.Error("session survived suspend")
	}
	ri, err := store.LoadRuntime(id)
	if err != nil {
		t.Fatal(err)
	}
	if ri.State != "suspended" || ri.SuspendedAt == nil {
		t.Errorf("runtime = %+v", ri)
	}

	if err := sup.Resume(id, "continue"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !ft.live[id] {
		t.Error("no session after resume")
	}
	if !strings.Contains(ft.cmds[id], "--resume tok-77") {
		t.Errorf("command = %q, missing resume token", ft.cmds[id])
	}
	if got := ft.sent[id]; len(got) != 1 || got[0] != "continue" {
		t.Errorf("sent = %v", got)
	}
	ri, _ = store.LoadRuntime(id)
	if ri.State != "active" || ri.SuspendedAt != nil {
		t.Errorf("runtime after resume = %+v", ri)
	}
}

func TestResumeWithoutToken(t *testing.T) {
	sup, ft, _ := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-6", "/ws", "", "")
	if err != nil {
		t.Fatal(err)
	}
	ft.Kill(id) // died without suspending

	if err := sup.Resume(id, ""); !errors.Is(err, ErrNoSessionToken) {
		t.Errorf("Resume() = %v, want ErrNoSessionToken", err)
	}
}

func TestResumeOnLiveSessionJustMessages(t *testing.T) {
	sup, ft, _ := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-7", "/ws", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Resume(id, "status?"); err != nil {
		t.Fatalf("Resume(live) error = %v", err)
	}
	if ft.creates != 1 {
		t.Errorf("creates = %d, want 1", ft.creates)
	}
	if got := ft.sent[id]; len(got) != 1 || got[0] != "status?" {
		t.Errorf("sent = %v", got)
	}
}

func TestHandoffSwitchesModelAndRecordsEvent(t *testing.T) {
	sup, ft, store := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-8", "/ws/pan-8", "", "sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSessionID(id, "tok-88"); err != nil {
		t.Fatal(err)
	}

	if err := sup.Handoff(id, "opus", "stuck on refactor"); err != nil {
		t.Fatalf("Handoff() error = %v", err)
	}
	if !ft.live[id] {
		t.Error("no replacement session")
	}
	cmd := ft.cmds[id]
	if !strings.Contains(cmd, "--model opus") || !strings.Contains(cmd, "--resume tok-88") {
		t.Errorf("command = %q", cmd)
	}

	st, _ := store.Load(id)
	if st.Model != "opus" || st.KillCount != 1 {
		t.Errorf("state = %+v", st)
	}

	entries, err := store.ReadActivity(id, 10)
	if err != nil {
		t.Fatal(err)
	}
	var handoff *state.ActivityEntry
	for i := range entries {
		if entries[i].Kind == "handoff" {
			handoff = &entries[i]
		}
	}
	if handoff == nil {
		t.Fatal("no handoff activity entry")
	}
	if handoff.ID == "" || !strings.Contains(handoff.Message, "stuck on refactor") {
		t.Errorf("handoff entry = %+v", handoff)
	}
}

func TestHeartbeatUpdatesRuntimeAndPing(t *testing.T) {
	sup, _, store := newTestSupervisor(t)
	id, _, err := sup.Spawn("PAN-9", "/ws", "", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Heartbeat(id, state.RuntimeInfo{State: "active", CurrentTool: "Edit", SessionID: "tok-9"}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	ri, _ := store.LoadRuntime(id)
	if ri.CurrentTool != "Edit" || ri.SessionID != "tok-9" || ri.LastActivity.IsZero() {
		t.Errorf("runtime = %+v", ri)
	}
	st, _ := store.Load(id)
	if st.LastPing.IsZero() {
		t.Errorf("lastPing not bumped: %+v", st)
	}
}
