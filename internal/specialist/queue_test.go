package specialist

import (
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(t.TempDir())
}

func enqueue(t *testing.T, q *Queue, priority, issue string) WorkItem {
	t.Helper()
	item, err := q.Enqueue(WorkItem{
		Priority: priority,
		Payload:  Payload{IssueID: issue},
	})
	if err != nil {
		t.Fatalf("Enqueue(%s, %s) error = %v", priority, issue, err)
	}
	return item
}

func TestEnqueueOrdering(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, PriorityNormal, "PAN-1")
	enqueue(t, q, PriorityLow, "PAN-2")
	enqueue(t, q, PriorityUrgent, "PAN-3")
	enqueue(t, q, PriorityNormal, "PAN-4")
	enqueue(t, q, PriorityHigh, "PAN-5")

	items, err := q.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"PAN-3", "PAN-5", "PAN-1", "PAN-4", "PAN-2"}
	if len(items) != len(want) {
		t.Fatalf("len = %d, want %d", len(items), len(want))
	}
	for i, issue := range want {
		if items[i].Payload.IssueID != issue {
			t.Errorf("items[%d] = %s, want %s", i, items[i].Payload.IssueID, issue)
		}
	}
}

func TestDequeueReturnsHead(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, PriorityNormal, "PAN-1")
	enqueue(t, q, PriorityUrgent, "PAN-2")

	head, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue() = (_, %v, %v)", ok, err)
	}
	if head.Payload.IssueID != "PAN-2" {
		t.Errorf("head = %s, want PAN-2", head.Payload.IssueID)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, ok, err := q.Dequeue()
	if err != nil || ok {
		t.Errorf("Dequeue(empty) = (_, %v, %v), want (false, nil)", ok, err)
	}
}

// Enqueue then remove restores the queue pointwise.
func TestEnqueueRemoveRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	a := enqueue(t, q, PriorityNormal, "PAN-1")
	b := enqueue(t, q, PriorityHigh, "PAN-2")

	before, _ := q.List()
	x := enqueue(t, q, PriorityUrgent, "PAN-3")
	removed, err := q.Remove(x.ID)
	if err != nil || !removed {
		t.Fatalf("Remove() = (%v, %v)", removed, err)
	}

	after, _ := q.List()
	if len(after) != len(before) {
		t.Fatalf("len changed: %d vs %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ID != before[i].ID {
			t.Errorf("item %d = %s, want %s", i, after[i].ID, before[i].ID)
		}
	}
	_ = a
	_ = b
}

func TestRemoveMissingNotAnError(t *testing.T) {
	q := newTestQueue(t)
	removed, err := q.Remove("nope")
	if err != nil || removed {
		t.Errorf("Remove(missing) = (%v, %v), want (false, nil)", removed, err)
	}
}

// Reorder followed by list returns exactly the given ids.
func TestReorder(t *testing.T) {
	q := newTestQueue(t)
	a := enqueue(t, q, PriorityNormal, "PAN-1")
	b := enqueue(t, q, PriorityNormal, "PAN-2")
	c := enqueue(t, q, PriorityNormal, "PAN-3")

	order := []string{c.ID, a.ID, b.ID}
	if err := q.Reorder(order); err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}

	items, _ := q.List()
	// Reorder rewrites createdAt-independent ordering only when
	// priorities are equal; List re-sorts stably, so positions among
	// equal priorities must follow the stored order.
	got := []string{items[0].ID, items[1].ID, items[2].ID}
	for i := range order {
		if got[i] != order[i] {
			t.Errorf("position %d = %s, want %s", i, got[i], order[i])
		}
	}
}

func TestReorderRejectsMismatch(t *testing.T) {
	q := newTestQueue(t)
	a := enqueue(t, q, PriorityNormal, "PAN-1")
	if err := q.Reorder([]string{a.ID, "ghost"}); err == nil {
		t.Error("Reorder(mismatched ids) = nil, want error")
	}
	if err := q.Reorder([]string{}); err == nil {
		t.Error("Reorder(too few ids) = nil, want error")
	}
}

func TestExpireStale(t *testing.T) {
	q := newTestQueue(t)
	past := time.Now().Add(-time.Minute)
	_, err := q.Enqueue(WorkItem{Payload: Payload{IssueID: "PAN-1"}, ExpiresAt: &past})
	if err != nil {
		t.Fatal(err)
	}
	enqueue(t, q, PriorityNormal, "PAN-2")

	removed, err := q.ExpireStale(time.Now())
	if err != nil || removed != 1 {
		t.Fatalf("ExpireStale() = (%d, %v), want (1, nil)", removed, err)
	}
	items, _ := q.List()
	if len(items) != 1 || items[0].Payload.IssueID != "PAN-2" {
		t.Errorf("remaining = %+v", items)
	}
}

func TestRemoveByIssue(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, PriorityNormal, "PAN-1")
	enqueue(t, q, PriorityHigh, "PAN-1")
	enqueue(t, q, PriorityNormal, "PAN-2")

	removed, err := q.RemoveByIssue("PAN-1")
	if err != nil || removed != 2 {
		t.Fatalf("RemoveByIssue() = (%d, %v), want (2, nil)", removed, err)
	}
	items, _ := q.List()
	if len(items) != 1 || items[0].Payload.IssueID != "PAN-2" {
		t.Errorf("remaining = %+v", items)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir)
	if _, err := q.Enqueue(WorkItem{Priority: PriorityHigh, Payload: Payload{IssueID: "PAN-9"}}); err != nil {
		t.Fatal(err)
	}

	reopened := NewQueue(dir)
	items, err := reopened.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Payload.IssueID != "PAN-9" {
		t.Errorf("reopened queue = %+v", items)
	}
}
