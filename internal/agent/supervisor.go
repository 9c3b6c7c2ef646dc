// Package agent supervises per-issue worker agents.
//
// Each worker is an interactive agent process inside a detached tmux
// session named agent-<issue-id-lower>, bound to one workspace. The
// session is the liveness authority; the state directory only records
// identity, counters, and evidence for health classification.
package agent

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
)

// Supervisor errors.
var (
	// ErrNotRunning means the agent has no live session.
	ErrNotRunning = errors.New("agent session not running")
	// ErrNoSessionToken means resume was requested without a saved token.
	ErrNoSessionToken = errors.New("no session token saved for agent")
)

// defaultNudge is the poke message sent when the caller gives none.
const defaultNudge = "Checking in. Re-read your task notes, confirm what remains, and continue. If you are blocked, say why."

// sessionOps is the slice of the session driver the supervisor needs.
type sessionOps interface {
	CreateDetached(name, cwd, command string) error
	SendMessage(name, text string) error
	Exists(name string) (bool, error)
	Kill(name string) error
}

// Supervisor owns worker agent lifecycle.
type Supervisor struct {
	store   *state.Store
	tmux    sessionOps
	mut     *lock.MutationLock
	log     *zap.Logger
	command string

	// activityRetention bounds activity.ndjson length.
	activityRetention int
}

// NewSupervisor wires a worker supervisor. command is the base agent
// invocation; model and resume flags are appended per spawn.
func NewSupervisor(store *state.Store, t sessionOps, mut *lock.MutationLock, command string, retention int, log *zap.Logger) *Supervisor {
	return &Supervisor{
		store:             store,
		tmux:              t,
		mut:               mut,
		log:               log,
		command:           command,
		activityRetention: retention,
	}
}

// ID derives the agent id for an issue.
func ID(issueID string) string {
	return "agent-" + strings.ToLower(issueID)
}

// Spawn starts a worker for an issue in its workspace. Spawning an agent
// whose session is already live returns the existing id with created=false.
func (s *Supervisor) Spawn(issueID, workspace, runtime, model string) (agentID string, created bool, err error) {
	id := ID(issueID)
	alive, err := s.tmux.Exists(id)
	if err != nil {
		return "", false, err
	}
	if alive {
		return id, false, nil
	}

	cmd := buildCommand(s.command, model, "")
	if err := s.tmux.CreateDetached(id, workspace, cmd); err != nil {
		return "", false, fmt.Errorf("spawning %s: %w", id, err)
	}

	if err := s.store.Save(id, &state.AgentState{
		Issue:     issueID,
		Workspace: workspace,
		Runtime:   runtime,
		Model:     model,
		StartedAt: time.Now(),
	}); err != nil {
		return "", false, err
	}
	if err := s.store.SaveRuntime(id, &state.RuntimeInfo{
		State:        "active",
		LastActivity: time.Now(),
		CurrentIssue: issueID,
	}); err != nil {
		return "", false, err
	}
	s.appendActivity(id, state.ActivityEntry{Kind: "spawn", Message: "spawned for " + issueID})

	s.log.Info("agent spawned",
		zap.String("agent", id),
		zap.String("workspace", workspace),
		zap.String("model", model))
	return id, true, nil
}

// Kill terminates the session and purges the state directory. Idempotent:
// killing a missing agent succeeds. Purging prevents a dead agent's
// leftover evidence from feeding the health classifier.
func (s *Supervisor) Kill(agentID string) error {
	if err := s.tmux.Kill(agentID); err != nil {
		return err
	}
	if err := s.store.Purge(agentID); err != nil {
		return err
	}
	s.log.Info("agent killed", zap.String("agent", agentID))
	return nil
}

// SendMessage sends text followed by Enter to the agent's session.
func (s *Supervisor) SendMessage(agentID, text string) error {
	alive, err := s.tmux.Exists(agentID)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
	}
	return s.tmux.SendMessage(agentID, text)
}

// MessageIssue delivers text to the worker for an issue if its session
// is live. delivered=false with a nil error means no session.
func (s *Supervisor) MessageIssue(issueID, text string) (delivered bool, err error) {
	id := ID(issueID)
	alive, err := s.tmux.Exists(id)
	if err != nil {
		return false, err
	}
	if !alive {
		return false, nil
	}
	if err := s.tmux.SendMessage(id, text); err != nil {
		return false, err
	}
	return true, nil
}

// Poke nudges a possibly stalled agent. An empty message uses the
// default nudge.
func (s *Supervisor) Poke(agentID, message string) error {
	if message == "" {
		message = defaultNudge
	}
	if err := s.SendMessage(agentID, message); err != nil {
		return err
	}
	s.appendActivity(agentID, state.ActivityEntry{Kind: "poke", Message: message})
	return nil
}

// Suspend saves the resumable session token and kills the session.
func (s *Supervisor) Suspend(agentID, sessionToken string) error {
	if sessionToken != "" {
		if err := s.store.SaveSessionID(agentID, sessionToken); err != nil {
			return err
		}
	}
	if err := s.tmux.Kill(agentID); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.store.MergeRuntime(agentID, func(ri *state.RuntimeInfo) {
		ri.State = "suspended"
		ri.SuspendedAt = &now
	})
	if err != nil {
		return err
	}
	s.appendActivity(agentID, state.ActivityEntry{Kind: "suspend"})
	return nil
}

// Resume restarts a suspended agent with its saved session token. The
// session-resume attaches to the upstream provider, so it runs under the
// global mutation lock. An optional message follows the restart.
func (s *Supervisor) Resume(agentID, message string) error {
	return s.mut.WithLock("resume "+agentID, func() error {
		alive, err := s.tmux.Exists(agentID)
		if err != nil {
			return err
		}
		if alive {
			// Already running; a follow-up message is still useful.
			if message != "" {
				return s.tmux.SendMessage(agentID, message)
			}
			return nil
		}

		st, err := s.store.Load(agentID)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
			}
			return err
		}
		token, err := s.store.ReadSessionID(agentID)
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("%w: %s", ErrNoSessionToken, agentID)
		}

		cmd := buildCommand(s.command, st.Model, token)
		if err := s.tmux.CreateDetached(agentID, st.Workspace, cmd); err != nil {
			return fmt.Errorf("resuming %s: %w", agentID, err)
		}
		if _, err := s.store.MergeRuntime(agentID, func(ri *state.RuntimeInfo) {
			ri.State = "active"
			ri.LastActivity = time.Now()
			ri.SuspendedAt = nil
		}); err != nil {
			return err
		}
		s.appendActivity(agentID, state.ActivityEntry{Kind: "resume"})

		if message != "" {
			return s.tmux.SendMessage(agentID, message)
		}
		return nil
	})
}

// Handoff replaces the agent's process with one declaring a different
// model, carrying the resumable session context when a token is saved.
// The id and workspace are unchanged; the event lands in the activity log.
func (s *Supervisor) Handoff(agentID, toModel, reason string) error {
	st, err := s.store.Load(agentID)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
		}
		return err
	}
	token, err := s.store.ReadSessionID(agentID)
	if err != nil {
		return err
	}

	return s.mut.WithLock("handoff "+agentID, func() error {
		if err := s.tmux.Kill(agentID); err != nil {
			return err
		}
		cmd := buildCommand(s.command, toModel, token)
		if err := s.tmux.CreateDetached(agentID, st.Workspace, cmd); err != nil {
			return fmt.Errorf("handoff %s: %w", agentID, err)
		}

		fromModel := st.Model
		if _, err := s.store.Merge(agentID, func(a *state.AgentState) {
			a.Model = toModel
			a.KillCount++
		}); err != nil {
			return err
		}
		if _, err := s.store.MergeRuntime(agentID, func(ri *state.RuntimeInfo) {
			ri.State = "active"
			ri.LastActivity = time.Now()
		}); err != nil {
			return err
		}

		s.appendActivity(agentID, state.ActivityEntry{
			ID:      uuid.NewString(),
			Kind:    "handoff",
			Message: fmt.Sprintf("%s -> %s: %s", fromModel, toModel, reason),
		})
		s.log.Info("agent handoff",
			zap.String("agent", agentID),
			zap.String("from", fromModel),
			zap.String("to", toModel),
			zap.String("reason", reason))
		return nil
	})
}

// Heartbeat records a ping from the agent's hook process into the
// runtime sink and bumps lastPing on the identity record.
func (s *Supervisor) Heartbeat(agentID string, ri state.RuntimeInfo) error {
	if _, err := s.store.MergeRuntime(agentID, func(cur *state.RuntimeInfo) {
		if ri.State != "" {
			cur.State = ri.State
		}
		if ri.CurrentTool != "" {
			cur.CurrentTool = ri.CurrentTool
		}
		if ri.CurrentIssue != "" {
			cur.CurrentIssue = ri.CurrentIssue
		}
		if ri.SessionID != "" {
			cur.SessionID = ri.SessionID
		}
		cur.LastActivity = time.Now()
	}); err != nil {
		return err
	}
	_, err := s.store.Merge(agentID, func(a *state.AgentState) {
		a.LastPing = time.Now()
		a.ConsecutiveFailures = 0
	})
	return err
}

// Running reports whether the agent's session is live.
func (s *Supervisor) Running(agentID string) (bool, error) {
	return s.tmux.Exists(agentID)
}

// List returns the ids of every agent with a state directory.
func (s *Supervisor) List() ([]string, error) {
	return s.store.List()
}

// Store exposes the underlying state store for read-side composition.
func (s *Supervisor) Store() *state.Store {
	return s.store
}

func (s *Supervisor) appendActivity(agentID string, e state.ActivityEntry) {
	if err := s.store.AppendActivity(agentID, e, s.activityRetention); err != nil {
		s.log.Warn("activity append failed", zap.String("agent", agentID), zap.Error(err))
	}
}

// buildCommand appends model and session-resume flags to the base agent
// invocation.
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
