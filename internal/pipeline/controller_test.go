package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
	"github.com/xcawolfe-amzn/panopticon/internal/tmux"
)

type fakeTmux struct {
	mu   sync.Mutex
	live map[string]bool
	sent map[string][]string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{live: map[string]bool{}, sent: map[string][]string{}}
}

func (f *fakeTmux) CreateDetached(name, cwd, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[name] = true
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

func (f *fakeTmux) EnsureFresh(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[name] {
		return tmux.ErrSessionOccupied
	}
	return nil
}

type fakeMessenger struct {
	messages  []string
	delivered bool
}

func (f *fakeMessenger) MessageIssue(issueID, text string) (bool, error) {
	f.messages = append(f.messages, text)
	return f.delivered, nil
}

type fakeIssueTracker struct {
	states map[string]string
	closed []string
}

func (f *fakeIssueTracker) SetState(_ context.Context, issueID, stateName string) error {
	if f.states == nil {
		f.states = map[string]string{}
	}
	f.states[issueID] = stateName
	return nil
}

func (f *fakeIssueTracker) Close(_ context.Context, issueID string) error {
	f.closed = append(f.closed, issueID)
	return nil
}

type pipelineHarness struct {
	ctrl      *Controller
	store     *Store
	reg       *specialist.Registry
	tmux      *fakeTmux
	messenger *fakeMessenger
	tracker   *fakeIssueTracker
}

func newHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	dir := t.TempDir()
	ft := newFakeTmux()
	reg := specialist.NewRegistry(dir, "claude", ft, lock.NewMutationLock(), zap.NewNop())
	store := NewStore(filepath.Join(dir, "review-status.json"))
	msg := &fakeMessenger{delivered: true}
	trk := &fakeIssueTracker{}
	ctrl := NewController(store, reg, msg, trk, nil, zap.NewNop(), 3, time.Second)
	return &pipelineHarness{ctrl: ctrl, store: store, reg: reg, tmux: ft, messenger: msg, tracker: trk}
}

func TestStartReviewWakesReviewAgent(t *testing.T) {
	h := newHarness(t)
	queued, err := h.ctrl.StartReview("PAN-1", "/ws/pan-1", "feature/pan-1")
	if err != nil {
		t.Fatalf("StartReview() error = %v", err)
	}
	if queued {
		t.Error("queued on an idle review agent")
	}
	if !h.tmux.live[specialist.ReviewAgent] {
		t.Error("no review session")
	}

	st, _, _ := h.store.Get("PAN-1")
	if st.ReviewStatus != ReviewReviewing || st.Workspace != "/ws/pan-1" || st.Branch != "feature/pan-1" {
		t.Errorf("status = %+v", st)
	}
}

func TestFullPipelineHappyPath(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.StartReview("PAN-1", "/ws/pan-1", "feature/pan-1"); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.ReportStatus("review", "PAN-1", ReportPassed, "looks good"); err != nil {
		t.Fatalf("review report: %v", err)
	}
	st, _, _ := h.store.Get("PAN-1")
	if st.ReviewStatus != ReviewPassed {
		t.Errorf("reviewStatus = %q", st.ReviewStatus)
	}
	if !h.tmux.live[specialist.TestAgent] {
		t.Error("test agent not woken after review pass")
	}
	if h.tmux.live[specialist.ReviewAgent] {
		t.Error("review session not slept after its report")
	}
	if h.tracker.states["PAN-1"] != "In Review" {
		t.Errorf("tracker state = %q, want In Review", h.tracker.states["PAN-1"])
	}

	if err := h.ctrl.ReportStatus("test", "PAN-1", ReportPassed, "all green"); err != nil {
		t.Fatalf("test report: %v", err)
	}
	st, _, _ = h.store.Get("PAN-1")
	if !st.ReadyForMerge {
		t.Error("not ready for merge after review+test pass")
	}

	queued, err := h.ctrl.Approve("PAN-1")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if queued {
		t.Error("merge queued on an idle merge agent")
	}
	if !h.tmux.live[specialist.MergeAgent] {
		t.Error("merge agent not woken")
	}
	prompt := h.tmux.sent[specialist.MergeAgent][0]
	if !strings.Contains(prompt, "PAN-1") || !strings.Contains(prompt, "feature/pan-1") {
		t.Errorf("merge prompt missing context: %q", prompt)
	}

	if err := h.ctrl.ReportStatus("merge", "PAN-1", ReportPassed, ""); err != nil {
		t.Fatalf("merge report: %v", err)
	}
	st, _, _ = h.store.Get("PAN-1")
	if st.MergeStatus != MergeMerged || st.ReadyForMerge {
		t.Errorf("after merge: %+v", st)
	}
	if len(h.tracker.closed) != 1 || h.tracker.closed[0] != "PAN-1" {
		t.Errorf("tracker closed = %v", h.tracker.closed)
	}
}

func TestReviewFailureDeliversFeedbackWithoutRequeue(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.StartReview("PAN-2", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.ReportStatus("review", "PAN-2", ReportFailed, "missing error handling"); err != nil {
		t.Fatal(err)
	}

	st, _, _ := h.store.Get("PAN-2")
	if st.ReviewStatus != ReviewFailed || st.ReviewNotes != "missing error handling" {
		t.Errorf("status = %+v", st)
	}
	if len(h.messenger.messages) != 1 || !strings.Contains(h.messenger.messages[0], "missing error handling") {
		t.Errorf("feedback = %v", h.messenger.messages)
	}
	// No auto-requeue on review failure: the review agent stays asleep.
	if h.tmux.live[specialist.ReviewAgent] {
		t.Error("review agent rewoken after its own failure report")
	}
	if n, _ := h.reg.QueueFor(specialist.ReviewAgent).Len(); n != 0 {
		t.Errorf("review queue depth = %d, want 0", n)
	}
}

func TestStartReviewRefusedWhileFeedbackPending(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.StartReview("PAN-3", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.ReportStatus("review", "PAN-3", ReportBlocked, "needs rebase"); err != nil {
		t.Fatal(err)
	}

	_, err := h.ctrl.StartReview("PAN-3", "", "")
	if !errors.Is(err, ErrAlreadyReviewedNeedsAction) {
		t.Fatalf("StartReview() = %v, want ErrAlreadyReviewedNeedsAction", err)
	}

	// Clearing the notes (worker addressed the feedback) reopens the gate.
	empty := ""
	if _, err := h.ctrl.Patch("PAN-3", StatusPatch{ReviewNotes: &empty}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.StartReview("PAN-3", "", ""); err != nil {
		t.Fatalf("StartReview() after clearing notes = %v", err)
	}
}

func TestApproveRequiresReady(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.StartReview("PAN-4", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.Approve("PAN-4"); !errors.Is(err, ErrNotReadyForMerge) {
		t.Errorf("Approve() = %v, want ErrNotReadyForMerge", err)
	}
}

// A failed test auto-requeues review at most maxAutoRequeue times;
// after that the breaker is open until a human review request resets it.
func TestAutoRequeueCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.StartReview("PAN-5", "/ws/pan-5", "feature/pan-5"); err != nil {
		t.Fatal(err)
	}

	failCycle := func() {
		t.Helper()
		if err := h.ctrl.ReportStatus("review", "PAN-5", ReportPassed, ""); err != nil {
			t.Fatal(err)
		}
		if err := h.ctrl.ReportStatus("test", "PAN-5", ReportFailed, "flaky suite"); err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i <= 3; i++ {
		failCycle()
		st, _, _ := h.store.Get("PAN-5")
		if st.AutoRequeueCount != i {
			t.Fatalf("after cycle %d: autoRequeueCount = %d", i, st.AutoRequeueCount)
		}
		if st.ReviewStatus != ReviewReviewing {
			t.Fatalf("after cycle %d: reviewStatus = %q, want reviewing", i, st.ReviewStatus)
		}
		if !h.tmux.live[specialist.ReviewAgent] {
			t.Fatalf("after cycle %d: review agent not rewoken", i)
		}
	}

	// Fourth failure: breaker open, no requeue.
	failCycle()
	st, _, _ := h.store.Get("PAN-5")
	if st.AutoRequeueCount != 3 {
		t.Errorf("autoRequeueCount = %d, want 3", st.AutoRequeueCount)
	}
	if st.TestStatus != TestFailed {
		t.Errorf("testStatus = %q", st.TestStatus)
	}
	if h.tmux.live[specialist.ReviewAgent] {
		t.Error("review agent woken past the breaker")
	}
	if n, _ := h.reg.QueueFor(specialist.ReviewAgent).Len(); n != 0 {
		t.Errorf("review queue depth = %d, want 0", n)
	}

	// Human re-request resets the breaker.
	if _, err := h.ctrl.StartReview("PAN-5", "", ""); err != nil {
		t.Fatalf("human StartReview after breaker = %v", err)
	}
	st, _, _ = h.store.Get("PAN-5")
	if st.AutoRequeueCount != 0 {
		t.Errorf("autoRequeueCount after reset = %d, want 0", st.AutoRequeueCount)
	}
}

func TestReportStatusValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.ReportStatus("deploy", "PAN-1", ReportPassed, ""); !errors.Is(err, specialist.ErrUnknownSpecialist) {
		t.Errorf("unknown specialist: %v", err)
	}
	if err := h.ctrl.ReportStatus("review", "PAN-1", "maybe", ""); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("unknown status: %v", err)
	}
}
