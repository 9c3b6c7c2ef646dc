// Package specialist manages the singleton specialist agents and their
// per-specialist priority queues.
//
// There are exactly three specialists: review-agent, test-agent, and
// merge-agent. Each owns at most one live session at a time; pending work
// waits in a durable on-disk queue. Waking a specialist resumes its stored
// provider session under the global mutation lock.
package specialist

import (
	"errors"
	"time"
)

// Specialist names. The set is closed.
const (
	ReviewAgent = "review-agent"
	TestAgent   = "test-agent"
	MergeAgent  = "merge-agent"
)

// Names lists all specialists in pipeline order.
var Names = []string{ReviewAgent, TestAgent, MergeAgent}

// Common errors.
var (
	// ErrUnknownSpecialist means the name is outside the closed set.
	ErrUnknownSpecialist = errors.New("unknown specialist")
	// ErrAlreadyRunning means a live session already holds the name.
	ErrAlreadyRunning = errors.New("specialist already running")
)

// Known reports whether name is one of the three specialists.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// WorkItem kinds.
const (
	KindTask         = "task"
	KindMessage      = "message"
	KindNotification = "notification"
)

// Priorities, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// priorityRank orders priorities for queue insertion; lower is served first.
var priorityRank = map[string]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

// Rank returns the sort rank for a priority; unknown priorities sort last.
func Rank(priority string) int {
	if r, ok := priorityRank[priority]; ok {
		return r
	}
	return len(priorityRank)
}

// Payload carries the work context a specialist needs.
type Payload struct {
	IssueID      string `json:"issueId"`
	Workspace    string `json:"workspace,omitempty"`
	Branch       string `json:"branch,omitempty"`
	CustomPrompt string `json:"customPrompt,omitempty"`
}

// WorkItem is a queue entry for a specialist. Stable ids permit reorder
// and remove across restarts.
type WorkItem struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Priority  string     `json:"priority"`
	Source    string     `json:"source,omitempty"`
	Payload   Payload    `json:"payload"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the item carries an elapsed expiry.
func (w WorkItem) Expired(now time.Time) bool {
	return w.ExpiresAt != nil && now.After(*w.ExpiresAt)
}

// Meta is the durable per-specialist record beyond the queue.
type Meta struct {
	LastWake     time.Time `json:"lastWake,omitempty"`
	CurrentIssue string    `json:"currentIssue,omitempty"`
	Enabled      bool      `json:"enabled"`
	AutoWake     bool      `json:"autoWake"`
}

// RuntimeStates a specialist moves through.
const (
	RuntimeIdle      = "idle"
	RuntimeActive    = "active"
	RuntimeSuspended = "suspended"
)
