// Package tracker defines the upstream collaborator interfaces the engine
// depends on: issue tracker updates, branch pushing, and credentials.
//
// Every collaborator is best-effort from the engine's point of view:
// failures are logged and journaled, never fatal, and never retried by
// the engine itself.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrUpstream wraps issue-tracker failures so callers can classify them.
var ErrUpstream = errors.New("upstream tracker error")

// IssueTracker updates issue state in the upstream tracker.
type IssueTracker interface {
	// SetState moves an issue to a named workflow state (e.g. "In Review").
	SetState(ctx context.Context, issueID, stateName string) error
	// Close closes an issue after merge.
	Close(ctx context.Context, issueID string) error
}

// BranchPusher pushes a workspace's feature branch to the remote.
type BranchPusher interface {
	Push(ctx context.Context, workspace, branch string) error
}

// Credentials provides upstream credentials loaded at startup.
type Credentials interface {
	Token(name string) (string, bool)
}

// NoopTracker satisfies IssueTracker without an upstream configured.
type NoopTracker struct{}

func (NoopTracker) SetState(context.Context, string, string) error { return nil }
func (NoopTracker) Close(context.Context, string) error            { return nil }

// GitPusher pushes branches by shelling out to git in the workspace.
type GitPusher struct {
	// Remote defaults to origin.
	Remote string
}

// Push runs `git push <remote> <branch>` in the workspace. The context
// carries the caller's deadline; a missing workspace is an error.
func (g *GitPusher) Push(ctx context.Context, workspace, branch string) error {
	if workspace == "" || branch == "" {
		return fmt.Errorf("push: workspace and branch required")
	}
	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}

	cmd := exec.CommandContext(ctx, "git", "-C", workspace, "push", remote, branch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("git push %s %s: %s", remote, branch, msg)
		}
		return fmt.Errorf("git push %s %s: %w", remote, branch, err)
	}
	return nil
}

// EnvCredentials reads tokens from the process environment. The serve
// command loads ~/.panopticon/.env into the environment first.
type EnvCredentials struct{}

// Token returns the environment value for name, mapped to upper snake
// case with a PANOPTICON_ prefix (e.g. "tracker" → PANOPTICON_TRACKER_TOKEN).
func (EnvCredentials) Token(name string) (string, bool) {
	key := "PANOPTICON_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_TOKEN"
	v := os.Getenv(key)
	return v, v != ""
}
