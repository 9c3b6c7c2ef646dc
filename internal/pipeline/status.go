// Package pipeline drives each issue through the review → test → merge
// state machine.
//
// The per-issue ReviewStatus record is the durable truth; transitions are
// idempotent on the target state and serialized per file by the locked
// read-modify-write in the store. Auto-requeue on test failure is bounded
// by a per-issue counter that only a human-initiated review start resets.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// Review states.
const (
	ReviewPending   = "pending"
	ReviewReviewing = "reviewing"
	ReviewPassed    = "passed"
	ReviewFailed    = "failed"
	ReviewBlocked   = "blocked"
)

// Test states.
const (
	TestPending = "pending"
	TestTesting = "testing"
	TestPassed  = "passed"
	TestFailed  = "failed"
	TestSkipped = "skipped"
)

// Merge states. The empty string means merging has not begun.
const (
	MergePending = "pending"
	MergeMerging = "merging"
	MergeMerged  = "merged"
	MergeFailed  = "failed"
)

// Status is the per-issue pipeline record.
type Status struct {
	ReviewStatus     string    `json:"reviewStatus"`
	TestStatus       string    `json:"testStatus"`
	MergeStatus      string    `json:"mergeStatus,omitempty"`
	ReviewNotes      string    `json:"reviewNotes,omitempty"`
	TestNotes        string    `json:"testNotes,omitempty"`
	AutoRequeueCount int       `json:"autoRequeueCount"`
	ReadyForMerge    bool      `json:"readyForMerge"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Workspace and Branch are captured at review start so later
	// pipeline stages carry the same context without re-resolving it.
	Workspace string `json:"workspace,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// derivedReady computes readyForMerge from the stage statuses.
func derivedReady(s *Status) bool {
	return s.ReviewStatus == ReviewPassed && s.TestStatus == TestPassed && s.MergeStatus != MergeMerged
}

// Mutation wraps a Status during an update so an explicit readyForMerge
// override suppresses the derivation for this write only.
type Mutation struct {
	Status
	readyOverridden bool
}

// SetReadyForMerge overrides the derived readyForMerge for this update.
func (m *Mutation) SetReadyForMerge(v bool) {
	m.ReadyForMerge = v
	m.readyOverridden = true
}

// Store is the flock-guarded issue → Status map at review-status.json.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the status for an issue, with a fresh pending record for
// unknown issues. found reports whether the issue had a record.
func (s *Store) Get(issueID string) (Status, bool, error) {
	all, err := s.read()
	if err != nil {
		return Status{}, false, err
	}
	st, ok := all[issueID]
	if !ok {
		return freshStatus(), false, nil
	}
	return st, true, nil
}

// All returns every issue's status.
func (s *Store) All() (map[string]Status, error) {
	return s.read()
}

// Issues returns all tracked issue ids, sorted.
func (s *Store) Issues() ([]string, error) {
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Update performs a locked read-modify-write on one issue's status.
// After the modifier runs, readyForMerge is re-derived unless the
// modifier overrode it explicitly. UpdatedAt is stamped.
func (s *Store) Update(issueID string, modify func(*Mutation)) (Status, error) {
	var result Status
	err := s.update(func(all map[string]Status) {
		st, ok := all[issueID]
		if !ok {
			st = freshStatus()
		}
		m := &Mutation{Status: st}
		modify(m)
		if !m.readyOverridden {
			m.ReadyForMerge = derivedReady(&m.Status)
		}
		m.UpdatedAt = time.Now()
		all[issueID] = m.Status
		result = m.Status
	})
	return result, err
}

// Delete removes an issue's record (issue closed).
func (s *Store) Delete(issueID string) error {
	return s.update(func(all map[string]Status) {
		delete(all, issueID)
	})
}

func freshStatus() Status {
	return Status{ReviewStatus: ReviewPending, TestStatus: TestPending}
}

func (s *Store) read() (map[string]Status, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Status{}, nil
		}
		return nil, fmt.Errorf("reading review status: %w", err)
	}
	all := map[string]Status{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parsing review status: %w", err)
	}
	return all, nil
}

func (s *Store) update(modify func(map[string]Status)) error {
	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking review status: %w", err)
	}
	defer fl.Unlock() //nolint:errcheck

	all, err := s.read()
	if err != nil {
		return err
	}
	modify(all)

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling review status: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing review status: %w", err)
	}
	return os.Rename(tmp, s.path)
}
