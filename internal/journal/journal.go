// Package journal records in-flight multi-step operations for restart
// recovery and UI badges.
//
// The journal is advisory: it never gates operations, it only reports
// them. Successes are removed; failures are retained with the error for
// operator action.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// Type names a journaled operation.
type Type string

const (
	TypeApprove      Type = "approve"
	TypeClose        Type = "close"
	TypeContainerize Type = "containerize"
	TypeStart        Type = "start"
	TypeReview       Type = "review"
	TypeMerge        Type = "merge"
)

// Operation statuses.
const (
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// Operation is one journal entry.
type Operation struct {
	Type      Type      `json:"type"`
	IssueID   string    `json:"issueId"`
	StartedAt time.Time `json:"startedAt"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Journal is a flock-guarded JSON file of operations keyed type:issue.
type Journal struct {
	path string
}

// New creates a journal backed by the given file.
func New(path string) *Journal {
	return &Journal{path: path}
}

func key(t Type, issueID string) string {
	return string(t) + ":" + issueID
}

// Begin records an operation as running. Re-beginning an operation
// replaces the prior entry (idempotent restart).
func (j *Journal) Begin(t Type, issueID string) error {
	return j.update(func(ops map[string]Operation) {
		ops[key(t, issueID)] = Operation{
			Type:      t,
			IssueID:   issueID,
			StartedAt: time.Now(),
			Status:    StatusRunning,
		}
	})
}

// Complete removes a successful operation.
func (j *Journal) Complete(t Type, issueID string) error {
	return j.update(func(ops map[string]Operation) {
		delete(ops, key(t, issueID))
	})
}

// Fail retains an operation as failed with the error message.
func (j *Journal) Fail(t Type, issueID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return j.update(func(ops map[string]Operation) {
		op, ok := ops[key(t, issueID)]
		if !ok {
			op = Operation{Type: t, IssueID: issueID, StartedAt: time.Now()}
		}
		op.Status = StatusFailed
		op.Error = msg
		ops[key(t, issueID)] = op
	})
}

// Clear removes a failed operation after operator acknowledgement.
func (j *Journal) Clear(t Type, issueID string) error {
	return j.Complete(t, issueID)
}

// List returns all operations ordered by start time.
func (j *Journal) List() ([]Operation, error) {
	ops, err := j.read()
	if err != nil {
		return nil, err
	}
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

// ExpireStale rewrites running operations older than maxAge as failed
// with a timeout message. Called on restart and every patrol tick.
func (j *Journal) ExpireStale(maxAge time.Duration) (int, error) {
	expired := 0
	err := j.update(func(ops map[string]Operation) {
		cutoff := time.Now().Add(-maxAge)
		for k, op := range ops {
			if op.Status == StatusRunning && op.StartedAt.Before(cutoff) {
				op.Status = StatusFailed
				op.Error = "Operation timed out"
				ops[k] = op
				expired++
			}
		}
	})
	return expired, err
}

// WithOperation journals around fn: running on entry, removed on success,
// failed with the error on failure. The fn error passes through.
func (j *Journal) WithOperation(t Type, issueID string, fn func() error) error {
	if err := j.Begin(t, issueID); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = j.Fail(t, issueID, err)
		return err
	}
	return j.Complete(t, issueID)
}

func (j *Journal) read() (map[string]Operation, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Operation{}, nil
		}
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	ops := map[string]Operation{}
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parsing journal: %w", err)
	}
	return ops, nil
}

func (j *Journal) update(modify func(map[string]Operation)) error {
	fl := flock.New(j.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking journal: %w", err)
	}
	defer fl.Unlock() //nolint:errcheck

	ops, err := j.read()
	if err != nil {
		return err
	}
	modify(ops)

	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return os.Rename(tmp, j.path)
}
