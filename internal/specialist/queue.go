package specialist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Queue is a durable priority queue for one specialist. Ordering is
// priority descending then createdAt ascending; the file on disk is the
// source of truth so queues survive restarts.
type Queue struct {
	path string
}

// NewQueue creates a queue backed by queue.json in the given directory.
func NewQueue(dir string) *Queue {
	return &Queue{path: filepath.Join(dir, "queue.json")}
}

// Enqueue inserts an item in priority-then-FIFO position. A missing id is
// assigned; a missing priority defaults to normal; a missing createdAt is
// stamped now. Returns the stored item.
func (q *Queue) Enqueue(item WorkItem) (WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Kind == "" {
		item.Kind = KindTask
	}
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	err := q.update(func(items []WorkItem) []WorkItem {
		items = append(items, item)
		sortItems(items)
		return items
	})
	return item, err
}

// Dequeue removes and returns the highest-priority head, or ok=false on
// an empty queue.
func (q *Queue) Dequeue() (WorkItem, bool, error) {
	var head WorkItem
	var ok bool
	err := q.update(func(items []WorkItem) []WorkItem {
		if len(items) == 0 {
			return items
		}
		head, ok = items[0], true
		return items[1:]
	})
	return head, ok, err
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (WorkItem, bool, error) {
	items, err := q.List()
	if err != nil || len(items) == 0 {
		return WorkItem{}, false, err
	}
	return items[0], true, nil
}

// List returns all queued items in serving order.
func (q *Queue) List() ([]WorkItem, error) {
	items, err := q.read()
	if err != nil {
		return nil, err
	}
	sortItems(items)
	return items, nil
}

// Remove deletes the item with the given id. Removing a missing id is not
// an error; removed reports whether anything changed.
func (q *Queue) Remove(id string) (removed bool, err error) {
	err = q.update(func(items []WorkItem) []WorkItem {
		out := items[:0]
		for _, it := range items {
			if it.ID == id {
				removed = true
				continue
			}
			out = append(out, it)
		}
		return out
	})
	return removed, err
}

// RemoveByIssue deletes all items whose payload targets the issue.
func (q *Queue) RemoveByIssue(issueID string) (removed int, err error) {
	err = q.update(func(items []WorkItem) []WorkItem {
		out := items[:0]
		for _, it := range items {
			if it.Payload.IssueID == issueID {
				removed++
				continue
			}
			out = append(out, it)
		}
		return out
	})
	return removed, err
}

// Reorder rewrites the queue in the given id order. The ids must be a
// permutation of the current queue.
func (q *Queue) Reorder(ids []string) error {
	var mismatch error
	err := q.update(func(items []WorkItem) []WorkItem {
		if len(ids) != len(items) {
			mismatch = fmt.Errorf("reorder: got %d ids, queue has %d items", len(ids), len(items))
			return items
		}
		byID := make(map[string]WorkItem, len(items))
		for _, it := range items {
			byID[it.ID] = it
		}
		out := make([]WorkItem, 0, len(ids))
		for _, id := range ids {
			it, ok := byID[id]
			if !ok {
				mismatch = fmt.Errorf("reorder: unknown item id %s", id)
				return items
			}
			out = append(out, it)
			delete(byID, id)
		}
		return out
	})
	if err != nil {
		return err
	}
	return mismatch
}

// ExpireStale removes items with an elapsed expiresAt.
func (q *Queue) ExpireStale(now time.Time) (removed int, err error) {
	err = q.update(func(items []WorkItem) []WorkItem {
		out := items[:0]
		for _, it := range items {
			if it.Expired(now) {
				removed++
				continue
			}
			out = append(out, it)
		}
		return out
	})
	return removed, err
}

// Len returns the queue depth.
func (q *Queue) Len() (int, error) {
	items, err := q.read()
	return len(items), err
}

// sortItems applies the serving order: priority rank, then createdAt,
// then id for a stable total order.
func sortItems(items []WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := Rank(items[i].Priority), Rank(items[j].Priority)
		if ri != rj {
			return ri < rj
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (q *Queue) read() ([]WorkItem, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	var items []WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing queue: %w", err)
	}
	return items, nil
}

// update performs a flock-guarded read-modify-write of the queue file.
func (q *Queue) update(modify func([]WorkItem) []WorkItem) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("creating queue dir: %w", err)
	}
	fl := flock.New(q.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking queue: %w", err)
	}
	defer fl.Unlock() //nolint:errcheck

	items, err := q.read()
	if err != nil {
		return err
	}
	items = modify(items)

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	return os.Rename(tmp, q.path)
}
