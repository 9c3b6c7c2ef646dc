package specialist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
	"github.com/xcawolfe-amzn/panopticon/internal/tmux"
)

// sessionOps abstracts tmux operations for testing.
type sessionOps interface {
	CreateDetached(name, cwd, command string) error
	SendMessage(name, text string) error
	Exists(name string) (bool, error)
	Kill(name string) error
	EnsureFresh(name string) error
}

// Registry owns the three specialist singletons: their durable state,
// their queues, and their session lifecycle.
type Registry struct {
	root    string
	command string
	store   *state.Store
	tmux    sessionOps
	mut     *lock.MutationLock
	log     *zap.Logger
	onWake  func(name string)
}

// NewRegistry creates a registry rooted at the specialists directory.
// command is the base specialist launch command; the stored session token
// is appended as a --resume flag on wake.
func NewRegistry(root, command string, t sessionOps, mut *lock.MutationLock, log *zap.Logger) *Registry {
	return &Registry{
		root:    root,
		command: command,
		store:   state.NewStore(root),
		tmux:    t,
		mut:     mut,
		log:     log,
	}
}

// SetWakeHook installs an observability callback invoked after each
// successful wake.
func (r *Registry) SetWakeHook(fn func(name string)) { r.onWake = fn }

// Dir returns the state directory for a specialist.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.root, name)
}

// QueueFor returns the durable queue for a specialist.
func (r *Registry) QueueFor(name string) *Queue {
	return NewQueue(r.Dir(name))
}

// Init creates the specialist directory with default metadata. Idempotent.
func (r *Registry) Init(name string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	if err := os.MkdirAll(r.Dir(name), 0755); err != nil {
		return fmt.Errorf("creating specialist dir: %w", err)
	}
	if _, err := r.loadMeta(name); err == nil {
		return nil
	}
	return r.saveMeta(name, &Meta{Enabled: true, AutoWake: true})
}

// Enqueue adds a work item to a specialist's queue.
func (r *Registry) Enqueue(name string, item WorkItem) (WorkItem, error) {
	if !Known(name) {
		return WorkItem{}, fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	return r.QueueFor(name).Enqueue(item)
}

// Idle reports whether the specialist is eligible for a wake: no live
// session, or a runtime state of idle or suspended. Suspension counts as
// idle; resuming a suspended specialist with new work is intended.
func (r *Registry) Idle(name string) (bool, error) {
	exists, err := r.tmux.Exists(name)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	ri, err := r.store.LoadRuntime(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // session live, no runtime record: assume busy
		}
		return false, err
	}
	return ri.State == RuntimeIdle || ri.State == RuntimeSuspended || ri.State == "", nil
}

// WakeWithTask starts the specialist's session and hands it the task.
// Precondition: no live session for the name. Runs under the global
// mutation lock because the wake resumes the stored provider session.
func (r *Registry) WakeWithTask(name string, item WorkItem) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	return r.mut.WithLock("wake "+name, func() error {
		return r.wakeLocked(name, item)
	})
}

// wakeLocked performs the wake; the caller must hold the mutation lock.
func (r *Registry) wakeLocked(name string, item WorkItem) error {
	if err := r.tmux.EnsureFresh(name); err != nil {
		if errors.Is(err, tmux.ErrSessionOccupied) {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		return fmt.Errorf("checking session: %w", err)
	}

	token, err := r.store.ReadSessionID(name)
	if err != nil {
		return fmt.Errorf("reading session token: %w", err)
	}

	cwd := item.Payload.Workspace
	if cwd == "" {
		cwd = r.Dir(name)
		if err := os.MkdirAll(cwd, 0755); err != nil {
			return fmt.Errorf("creating specialist dir: %w", err)
		}
	}

	if err := r.tmux.CreateDetached(name, cwd, buildCommand(r.command, "", token)); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if err := r.tmux.SendMessage(name, taskPrompt(name, item)); err != nil {
		// The session is up but promptless; kill it so the singleton
		// invariant holds and the item can be retried.
		_ = r.tmux.Kill(name)
		return fmt.Errorf("sending task prompt: %w", err)
	}

	now := time.Now()
	if _, err := r.updateMeta(name, func(m *Meta) {
		m.LastWake = now
		m.CurrentIssue = item.Payload.IssueID
	}); err != nil {
		return err
	}
	if _, err := r.store.MergeRuntime(name, func(ri *state.RuntimeInfo) {
		ri.State = RuntimeActive
		ri.CurrentIssue = item.Payload.IssueID
		ri.LastActivity = now
		ri.SuspendedAt = nil
	}); err != nil {
		return err
	}

	r.log.Info("specialist woken",
		zap.String("specialist", name),
		zap.String("issue", item.Payload.IssueID),
		zap.String("priority", item.Priority))
	if r.onWake != nil {
		r.onWake(name)
	}
	return nil
}

// WakeOrQueue wakes the specialist if it is idle, otherwise enqueues the
// item. Returns whether a wake happened. A wake lost to ErrAlreadyRunning
// or a busy mutation lock falls back to enqueueing; concurrent callers
// therefore produce exactly one session and queue the rest.
func (r *Registry) WakeOrQueue(name string, item WorkItem) (woken bool, err error) {
	if !Known(name) {
		return false, fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}

	idle, err := r.Idle(name)
	if err != nil {
		return false, err
	}
	if idle {
		err := r.WakeWithTask(name, item)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, lock.ErrLockBusy):
			// Raced with another wake; fall through to enqueue.
		default:
			return false, err
		}
	}

	_, err = r.QueueFor(name).Enqueue(item)
	return false, err
}

// Suspend saves the session token, kills the session, and marks the
// specialist suspended.
func (r *Registry) Suspend(name, sessionToken string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	if sessionToken != "" {
		if err := r.store.SaveSessionID(name, sessionToken); err != nil {
			return err
		}
	}
	if err := r.tmux.Kill(name); err != nil {
		return fmt.Errorf("killing session: %w", err)
	}
	now := time.Now()
	_, err := r.store.MergeRuntime(name, func(ri *state.RuntimeInfo) {
		ri.State = RuntimeSuspended
		ri.SuspendedAt = &now
	})
	return err
}

// Resume restarts a suspended specialist against its saved session token,
// optionally following with a message. Runs under the mutation lock.
func (r *Registry) Resume(name, message string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	return r.mut.WithLock("resume "+name, func() error {
		if err := r.tmux.EnsureFresh(name); err != nil {
			if errors.Is(err, tmux.ErrSessionOccupied) {
				return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
			}
			return err
		}
		token, err := r.store.ReadSessionID(name)
		if err != nil {
			return err
		}
		if err := r.tmux.CreateDetached(name, r.Dir(name), buildCommand(r.command, "", token)); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		if message != "" {
			if err := r.tmux.SendMessage(name, message); err != nil {
				return fmt.Errorf("sending resume message: %w", err)
			}
		}
		_, err = r.store.MergeRuntime(name, func(ri *state.RuntimeInfo) {
			ri.State = RuntimeActive
			ri.SuspendedAt = nil
			ri.LastActivity = time.Now()
		})
		return err
	})
}

// ReportCompletion puts the specialist back to sleep: marks it idle,
// kills its session, clears the finished issue from its queue, and
// immediately wakes the next queued item if any. The pipeline controller
// calls this after recording the reported status.
func (r *Registry) ReportCompletion(name, issueID string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}

	// The finished session must go before the next wake can start; the
	// singleton invariant is on sessions, not tasks.
	if err := r.tmux.Kill(name); err != nil {
		r.log.Warn("killing finished specialist session", zap.String("specialist", name), zap.Error(err))
	}

	if _, err := r.store.MergeRuntime(name, func(ri *state.RuntimeInfo) {
		ri.State = RuntimeIdle
		ri.CurrentIssue = ""
		ri.LastActivity = time.Now()
	}); err != nil {
		return err
	}
	if _, err := r.updateMeta(name, func(m *Meta) { m.CurrentIssue = "" }); err != nil {
		return err
	}
	if _, err := r.QueueFor(name).RemoveByIssue(issueID); err != nil {
		return err
	}
	return r.WakeNext(name)
}

// WakeNext pops the queue head and wakes the specialist with it. No-op on
// an empty queue. A wake that loses the singleton race re-queues the item.
func (r *Registry) WakeNext(name string) error {
	q := r.QueueFor(name)
	item, ok, err := q.Dequeue()
	if err != nil || !ok {
		return err
	}
	if err := r.WakeWithTask(name, item); err != nil {
		if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, lock.ErrLockBusy) {
			_, reErr := q.Enqueue(item)
			return reErr
		}
		// Put the item back before surfacing the failure.
		_, _ = q.Enqueue(item)
		return err
	}
	return nil
}

// Reset kills the specialist's session and marks it idle. The queue and
// session token are preserved.
func (r *Registry) Reset(name string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	if err := r.tmux.Kill(name); err != nil {
		return fmt.Errorf("killing session: %w", err)
	}
	if _, err := r.store.MergeRuntime(name, func(ri *state.RuntimeInfo) {
		ri.State = RuntimeIdle
		ri.CurrentIssue = ""
		ri.SuspendedAt = nil
	}); err != nil {
		return err
	}
	_, err := r.updateMeta(name, func(m *Meta) { m.CurrentIssue = "" })
	return err
}

// ResetAll resets every specialist, continuing past individual failures.
func (r *Registry) ResetAll() error {
	var firstErr error
	for _, name := range Names {
		if err := r.Reset(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status is the externally visible state of one specialist.
type Status struct {
	Name         string    `json:"name"`
	SessionLive  bool      `json:"sessionLive"`
	State        string    `json:"state"`
	CurrentIssue string    `json:"currentIssue,omitempty"`
	LastWake     time.Time `json:"lastWake,omitempty"`
	QueueDepth   int       `json:"queueDepth"`
	Enabled      bool      `json:"enabled"`
	AutoWake     bool      `json:"autoWake"`
}

// StatusOf gathers the status of one specialist.
func (r *Registry) StatusOf(name string) (*Status, error) {
	if !Known(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	st := &Status{Name: name, Enabled: true, AutoWake: true, State: RuntimeIdle}

	if live, err := r.tmux.Exists(name); err == nil {
		st.SessionLive = live
	}
	if ri, err := r.store.LoadRuntime(name); err == nil && ri.State != "" {
		st.State = ri.State
		st.CurrentIssue = ri.CurrentIssue
	}
	if m, err := r.loadMeta(name); err == nil {
		st.LastWake = m.LastWake
		st.Enabled = m.Enabled
		st.AutoWake = m.AutoWake
		if st.CurrentIssue == "" {
			st.CurrentIssue = m.CurrentIssue
		}
	}
	if n, err := r.QueueFor(name).Len(); err == nil {
		st.QueueDepth = n
	}
	return st, nil
}

// StatusAll gathers all specialist statuses in pipeline order.
func (r *Registry) StatusAll() ([]*Status, error) {
	out := make([]*Status, 0, len(Names))
	for _, name := range Names {
		st, err := r.StatusOf(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SaveSessionToken persists the resumable provider session token.
func (r *Registry) SaveSessionToken(name, token string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownSpecialist, name)
	}
	return r.store.SaveSessionID(name, token)
}

// metaPath returns the specialist.json path for a name.
func (r *Registry) metaPath(name string) string {
	return filepath.Join(r.Dir(name), "specialist.json")
}

func (r *Registry) loadMeta(name string) (*Meta, error) {
	data, err := os.ReadFile(r.metaPath(name))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing specialist.json: %w", err)
	}
	return &m, nil
}

func (r *Registry) saveMeta(name string, m *Meta) error {
	if err := os.MkdirAll(r.Dir(name), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.metaPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.metaPath(name))
}

func (r *Registry) updateMeta(name string, modify func(*Meta)) (*Meta, error) {
	m, err := r.loadMeta(name)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		m = &Meta{Enabled: true, AutoWake: true}
	}
	modify(m)
	if err := r.saveMeta(name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// buildCommand assembles the launch command, appending model and resume
// flags when present.
func buildCommand(base, model, token string) string {
	cmd := base
	if model != "" {
		cmd += " --model " + model
	}
	if token != "" {
		cmd += " --resume " + token
	}
	return cmd
}

// roleVerbs names what each specialist does to an issue.
var roleVerbs = map[string]string{
	ReviewAgent: "Review the changes",
	TestAgent:   "Run the test suite against the changes",
	MergeAgent:  "Merge the approved changes",
}

// taskPrompt builds the prompt sent after wake. Custom prompts pass
// through verbatim; otherwise a role template names the issue, branch,
// and the completion-report command the specialist must finish with.
func taskPrompt(name string, item WorkItem) string {
	if item.Payload.CustomPrompt != "" {
		return item.Payload.CustomPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s for issue %s", roleVerbs[name], item.Payload.IssueID)
	if item.Payload.Branch != "" {
		fmt.Fprintf(&b, " on branch %s", item.Payload.Branch)
	}
	if item.Payload.Workspace != "" {
		fmt.Fprintf(&b, " in %s", item.Payload.Workspace)
	}
	b.WriteString(". When finished, report the result: ")
	fmt.Fprintf(&b, "POST /specialists/done {specialist:%s, issueId:%s, status:<passed|failed|blocked>, notes:<summary>}",
		strings.TrimSuffix(name, "-agent"), item.Payload.IssueID)
	return b.String()
}
