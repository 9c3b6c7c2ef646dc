// Package lock provides the global mutation lock serializing operations
// that resume or attach to upstream provider sessions.
//
// Two concurrent session-resumes against the provider fail with a protocol
// error, so every specialist wake, specialist resume, and worker resume
// runs under this lock. The lock is process-scoped and has no durable
// form; crash recovery is restart.
package lock

import (
	"errors"
	"sync"
	"time"
)

// ErrLockBusy is returned when the mutation lock is already held.
// Callers surface it as a 423-equivalent; they never wait.
var ErrLockBusy = errors.New("mutation lock busy")

// MutationLock is a single-holder try-lock with holder metadata.
// It is not re-entrant.
type MutationLock struct {
	mu     sync.Mutex
	held   bool
	action string
	since  time.Time
}

// NewMutationLock returns an unheld lock.
func NewMutationLock() *MutationLock {
	return &MutationLock{}
}

// WithLock runs fn while holding the lock. If the lock is already held it
// fails immediately with ErrLockBusy; it never blocks waiting for release.
// The action string is recorded for the Holder accessor.
func (l *MutationLock) WithLock(action string, fn func() error) error {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return ErrLockBusy
	}
	l.held = true
	l.action = action
	l.since = time.Now()
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.held = false
		l.action = ""
		l.mu.Unlock()
	}()

	return fn()
}

// Holder reports whether the lock is held, and if so by which action and
// since when.
func (l *MutationLock) Holder() (action string, since time.Time, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.action, l.since, l.held
}
