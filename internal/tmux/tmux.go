// Package tmux drives the terminal multiplexer hosting agent sessions.
//
// Every operation is a short subprocess invocation and best-effort: the
// multiplexer, not this process, is the authority on what is running.
// Kill and Exists never fail on missing sessions.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrorKind classifies a session driver failure.
type ErrorKind string

const (
	// KindNotFound means the target session does not exist.
	KindNotFound ErrorKind = "notFound"
	// KindTimeout means the multiplexer did not respond in time.
	KindTimeout ErrorKind = "timeout"
	// KindIO covers every other subprocess or server failure.
	KindIO ErrorKind = "io"
)

// SessionError is the typed failure for driver operations. It is never
// fatal to the engine; callers log it and degrade.
type SessionError struct {
	Kind    ErrorKind
	Session string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("session %s: %s: %v", e.Session, e.Kind, e.Err)
	}
	return fmt.Sprintf("tmux: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a SessionError of kind notFound.
func IsNotFound(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// commandTimeout bounds each tmux subprocess. The multiplexer answers in
// milliseconds when healthy; a hang here must not stall patrol ticks.
const commandTimeout = 10 * time.Second

// sendDebounce is the pause between pasting text and pressing Enter.
// Enter arriving before the paste is processed drops the message.
const sendDebounce = 100 * time.Millisecond

// Driver wraps tmux operations.
type Driver struct{}

// NewDriver creates a tmux driver.
func NewDriver() *Driver {
	return &Driver{}
}

// run executes a tmux command and returns trimmed stdout.
func (d *Driver) run(session string, args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return "", &SessionError{Kind: KindIO, Session: session, Err: err}
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return "", d.wrapError(session, err, stderr.String(), args)
		}
		return strings.TrimSpace(stdout.String()), nil
	case <-time.After(commandTimeout):
		_ = cmd.Process.Kill()
		return "", &SessionError{Kind: KindTimeout, Session: session, Err: fmt.Errorf("tmux %s timed out", args[0])}
	}
}

// wrapError classifies tmux stderr into SessionError kinds.
func (d *Driver) wrapError(session string, err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") {
		return &SessionError{Kind: KindNotFound, Session: session, Err: fmt.Errorf("tmux %s: %s", args[0], stderr)}
	}

	if stderr != "" {
		return &SessionError{Kind: KindIO, Session: session, Err: fmt.Errorf("tmux %s: %s", args[0], stderr)}
	}
	return &SessionError{Kind: KindIO, Session: session, Err: fmt.Errorf("tmux %s: %w", args[0], err)}
}

// CreateDetached creates a detached session running command as the pane's
// initial process. Running the command directly avoids the race where
// send-keys arrives before the shell prompt is ready.
func (d *Driver) CreateDetached(name, cwd, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := d.run(name, args...)
	return err
}

// Send pastes text into a session in literal mode, without pressing Enter.
func (d *Driver) Send(name, text string) error {
	_, err := d.run(name, "send-keys", "-t", name, "-l", text)
	return err
}

// SendEnter presses Enter in a session.
func (d *Driver) SendEnter(name string) error {
	_, err := d.run(name, "send-keys", "-t", name, "Enter")
	return err
}

// SendKey sends a single named key (e.g. "Tab", "Down", "C-c").
func (d *Driver) SendKey(name, key string) error {
	_, err := d.run(name, "send-keys", "-t", name, key)
	return err
}

// SendMessage delivers one user turn: paste text, wait for the paste to
// settle, then press Enter with retry. Partial delivery is possible;
// callers must tolerate it.
func (d *Driver) SendMessage(name, text string) error {
	if err := d.Send(name, text); err != nil {
		return err
	}
	time.Sleep(sendDebounce)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if err := d.SendEnter(name); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("sending Enter after 3 attempts: %w", lastErr)
}

// Capture returns the last lines of a session's pane as a point-in-time
// snapshot. Lines may be truncated mid-escape.
func (d *Driver) Capture(name string, lines int) (string, error) {
	return d.run(name, "capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
}

// Kill terminates a session. Killing a missing session is not an error.
func (d *Driver) Kill(name string) error {
	_, err := d.run(name, "kill-session", "-t", name)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// Exists checks for a session by exact name. The "=" prefix prevents
// prefix matches (e.g. "agent-pan-10" matching "agent-pan-100").
func (d *Driver) Exists(name string) (bool, error) {
	_, err := d.run(name, "has-session", "-t", "="+name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all session names. No server means no sessions.
func (d *Driver) List() ([]string, error) {
	out, err := d.run("", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// PaneCommand returns the current command running in a session's pane.
func (d *Driver) PaneCommand(name string) (string, error) {
	out, err := d.run(name, "list-panes", "-t", name, "-F", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// shells are pane commands that mean "nothing is running here".
var shells = []string{"bash", "zsh", "sh", "fish", "dash"}

// AgentAlive reports whether a non-shell process occupies the session's
// pane. Only the pane command is trusted; scrollback markers cause false
// positives.
func (d *Driver) AgentAlive(name string) bool {
	cmd, err := d.PaneCommand(name)
	if err != nil {
		return false
	}
	for _, sh := range shells {
		if cmd == sh {
			return false
		}
	}
	return cmd != ""
}

// EnsureFresh guarantees no session exists under the name: a zombie
// session (pane back at the shell) is killed so a new one can be created.
// Returns ErrSessionOccupied if a live agent holds the session.
func (d *Driver) EnsureFresh(name string) error {
	exists, err := d.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if d.AgentAlive(name) {
		return ErrSessionOccupied
	}
	return d.Kill(name)
}

// ErrSessionOccupied means a live agent already holds the session name.
var ErrSessionOccupied = errors.New("session occupied by live agent")
