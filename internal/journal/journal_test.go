package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "pending-operations.json"))
}

func TestBeginListComplete(t *testing.T) {
	j := newTestJournal(t)
	if err := j.Begin(TypeReview, "PAN-100"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	ops, err := j.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Type != TypeReview || ops[0].Status != StatusRunning {
		t.Fatalf("List() = %+v", ops)
	}

	if err := j.Complete(TypeReview, "PAN-100"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	ops, _ = j.List()
	if len(ops) != 0 {
		t.Errorf("List() after Complete = %+v, want empty", ops)
	}
}

func TestFailRetainsError(t *testing.T) {
	j := newTestJournal(t)
	_ = j.Begin(TypeMerge, "PAN-7")
	if err := j.Fail(TypeMerge, "PAN-7", errors.New("conflict on main")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	ops, _ := j.List()
	if len(ops) != 1 || ops[0].Status != StatusFailed || ops[0].Error != "conflict on main" {
		t.Errorf("List() = %+v", ops)
	}
}

func TestExpireStale(t *testing.T) {
	j := newTestJournal(t)
	_ = j.Begin(TypeApprove, "PAN-1")

	// Fresh operation survives.
	n, err := j.ExpireStale(10 * time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale(fresh) = (%d, %v), want (0, nil)", n, err)
	}

	// Backdate it past the ceiling.
	err = j.update(func(ops map[string]Operation) {
		op := ops["approve:PAN-1"]
		op.StartedAt = time.Now().Add(-11 * time.Minute)
		ops["approve:PAN-1"] = op
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err = j.ExpireStale(10 * time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale(stale) = (%d, %v), want (1, nil)", n, err)
	}

	ops, _ := j.List()
	if ops[0].Status != StatusFailed || ops[0].Error != "Operation timed out" {
		t.Errorf("expired op = %+v", ops[0])
	}
}

func TestWithOperation(t *testing.T) {
	j := newTestJournal(t)

	if err := j.WithOperation(TypeStart, "PAN-2", func() error { return nil }); err != nil {
		t.Fatalf("WithOperation(ok) error = %v", err)
	}
	ops, _ := j.List()
	if len(ops) != 0 {
		t.Errorf("successful op retained: %+v", ops)
	}

	boom := errors.New("spawn failed")
	if err := j.WithOperation(TypeStart, "PAN-3", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithOperation(fail) error = %v, want %v", err, boom)
	}
	ops, _ = j.List()
	if len(ops) != 1 || ops[0].Status != StatusFailed {
		t.Errorf("failed op = %+v", ops)
	}
}
