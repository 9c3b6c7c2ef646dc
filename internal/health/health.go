// Package health classifies agent runtime health from gathered evidence.
//
// The classifier is pure: the same Evidence and Thresholds always produce
// the same Status. Evidence gathering (session listing, pane hashing,
// heartbeat reads) happens in the patrol loop, not here.
package health

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is an agent health classification.
type Status string

const (
	// StatusHidden means the agent should not be reported at all:
	// no live session and no recent state.
	StatusHidden Status = "hidden"
	// StatusDead means recent state exists but the session is gone.
	StatusDead Status = "dead"
	// StatusSuspended means the agent was deliberately suspended.
	StatusSuspended Status = "suspended"
	// StatusStuck means the pane has been quiet past the stuck window
	// with no heartbeat in that window.
	StatusStuck Status = "stuck"
	// StatusWarning means the pane has been quiet past the warn window.
	StatusWarning Status = "warning"
	// StatusStale means the pane has been quiet past the stale window.
	StatusStale Status = "stale"
	// StatusHealthy means the agent shows recent terminal activity.
	StatusHealthy Status = "healthy"
)

// Thresholds are the pane-quiet windows, shortest to longest.
type Thresholds struct {
	Stale time.Duration
	Warn  time.Duration
	Stuck time.Duration
}

// DefaultThresholds mirror the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stale: 2 * time.Minute,
		Warn:  8 * time.Minute,
		Stuck: 20 * time.Minute,
	}
}

// Evidence is everything the classifier considers for one agent.
type Evidence struct {
	// SessionLive is whether the multiplexer lists the agent's session.
	SessionLive bool
	// HasRecentState is whether a state directory with a usable state
	// record exists for the agent.
	HasRecentState bool
	// RuntimeState is runtime.json's state field ("suspended" matters).
	RuntimeState string
	// LastHeartbeat is the later of runtime.lastActivity and
	// state.lastPing; zero when neither was ever recorded.
	LastHeartbeat time.Time
	// PaneChangedAt is the last time the pane digest changed.
	PaneChangedAt time.Time
	// Now is the classification instant.
	Now time.Time
}

// Classify applies the classification rules in order.
func Classify(e Evidence, th Thresholds) Status {
	if !e.SessionLive {
		if !e.HasRecentState {
			return StatusHidden
		}
		return StatusDead
	}

	if e.RuntimeState == "suspended" {
		return StatusSuspended
	}

	paneQuiet := e.Now.Sub(e.PaneChangedAt)
	if e.PaneChangedAt.IsZero() {
		// Never observed a pane change: treat session start as the
		// last change so a freshly spawned agent reads healthy.
		paneQuiet = 0
	}

	heartbeatQuiet := e.Now.Sub(e.LastHeartbeat)
	if e.LastHeartbeat.IsZero() {
		heartbeatQuiet = paneQuiet
	}

	switch {
	case paneQuiet >= th.Stuck && heartbeatQuiet >= th.Stuck:
		return StatusStuck
	case paneQuiet >= th.Warn:
		return StatusWarning
	case paneQuiet >= th.Stale:
		return StatusStale
	default:
		return StatusHealthy
	}
}

// PaneHash digests a pane capture for change detection. The digest is
// stable across identical captures; ordering of lines is significant.
func PaneHash(capture string) string {
	sum := sha256.Sum256([]byte(capture))
	return hex.EncodeToString(sum[:8])
}
