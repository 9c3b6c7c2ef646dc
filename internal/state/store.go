// Package state persists per-agent durable state.
//
// Layout per agent under the store root:
//
//	<root>/<agent-id>/state.json       identity and counters
//	<root>/<agent-id>/runtime.json     heartbeat sink
//	<root>/<agent-id>/health.json      last health classification
//	<root>/<agent-id>/activity.ndjson  append-only activity log
//	<root>/<agent-id>/session-id       resumable session token
//
// Writes are atomic per file (write-temp + rename). Read-modify-write
// merges are serialized across processes with an advisory file lock.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// AgentState is the durable identity record for a worker agent.
// The tmux session, not this record, is the liveness authority.
type AgentState struct {
	Issue               string    `json:"issue"`
	Workspace           string    `json:"workspace"`
	Runtime             string    `json:"runtime,omitempty"`
	Model               string    `json:"model,omitempty"`
	StartedAt           time.Time `json:"startedAt"`
	SessionToken        string    `json:"sessionToken,omitempty"`
	LastPing            time.Time `json:"lastPing,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
	KillCount           int       `json:"killCount,omitempty"`
}

// RuntimeInfo is the heartbeat sink written by agent hooks.
type RuntimeInfo struct {
	State        string     `json:"state,omitempty"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`
	CurrentTool  string     `json:"currentTool,omitempty"`
	CurrentIssue string     `json:"currentIssue,omitempty"`
	SuspendedAt  *time.Time `json:"suspendedAt,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
}

// HealthRecord is the persisted output of the last health classification,
// plus the rolling pane digest the classifier compares against.
type HealthRecord struct {
	Status        string    `json:"status"`
	PaneHash      string    `json:"paneHash,omitempty"`
	PaneChangedAt time.Time `json:"paneChangedAt,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// ActivityEntry is one line of the per-agent activity log.
type ActivityEntry struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Store manages per-agent state directories.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the state directory for an agent.
func (s *Store) Dir(agentID string) string {
	return filepath.Join(s.root, agentID)
}

// Exists reports whether a state directory exists for the agent.
func (s *Store) Exists(agentID string) bool {
	_, err := os.Stat(s.Dir(agentID))
	return err == nil
}

// List returns the ids of all agents with a state directory, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading agents root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads an agent's state.json. A missing directory or file returns
// os.ErrNotExist.
func (s *Store) Load(agentID string) (*AgentState, error) {
	return readJSON[AgentState](filepath.Join(s.Dir(agentID), "state.json"))
}

// Save writes an agent's state.json atomically, creating the directory.
func (s *Store) Save(agentID string, st *AgentState) error {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(s.Dir(agentID), "state.json"), st)
}

// Merge performs a locked read-modify-write on state.json. The modifier
// receives the current state (zero value if absent); the result is written
// back atomically. Last writer wins across unlocked writers.
func (s *Store) Merge(agentID string, modify func(*AgentState)) (*AgentState, error) {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return nil, fmt.Errorf("creating agent dir: %w", err)
	}
	unlock, err := s.lockDir(agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.Load(agentID)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		st = &AgentState{}
	}
	modify(st)
	if err := writeJSONAtomic(filepath.Join(s.Dir(agentID), "state.json"), st); err != nil {
		return nil, err
	}
	return st, nil
}

// LoadRuntime reads an agent's runtime.json.
func (s *Store) LoadRuntime(agentID string) (*RuntimeInfo, error) {
	return readJSON[RuntimeInfo](filepath.Join(s.Dir(agentID), "runtime.json"))
}

// SaveRuntime writes an agent's runtime.json atomically.
func (s *Store) SaveRuntime(agentID string, ri *RuntimeInfo) error {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(s.Dir(agentID), "runtime.json"), ri)
}

// MergeRuntime performs a locked read-modify-write on runtime.json.
func (s *Store) MergeRuntime(agentID string, modify func(*RuntimeInfo)) (*RuntimeInfo, error) {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return nil, fmt.Errorf("creating agent dir: %w", err)
	}
	unlock, err := s.lockDir(agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ri, err := s.LoadRuntime(agentID)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		ri = &RuntimeInfo{}
	}
	modify(ri)
	if err := writeJSONAtomic(filepath.Join(s.Dir(agentID), "runtime.json"), ri); err != nil {
		return nil, err
	}
	return ri, nil
}

// LoadHealth reads the last persisted health classification.
func (s *Store) LoadHealth(agentID string) (*HealthRecord, error) {
	return readJSON[HealthRecord](filepath.Join(s.Dir(agentID), "health.json"))
}

// SaveHealth writes the health classification atomically.
func (s *Store) SaveHealth(agentID string, hr *HealthRecord) error {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(s.Dir(agentID), "health.json"), hr)
}

// AppendActivity appends an entry to activity.ndjson, trimming the file to
// the retention bound when exceeded. Retention <= 0 means unbounded.
func (s *Store) AppendActivity(agentID string, entry ActivityEntry, retention int) error {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	unlock, err := s.lockDir(agentID)
	if err != nil {
		return err
	}
	defer unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling activity entry: %w", err)
	}

	path := filepath.Join(s.Dir(agentID), "activity.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening activity log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("appending activity: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if retention > 0 {
		return s.trimActivity(path, retention)
	}
	return nil
}

// trimActivity rewrites the activity log keeping only the newest n lines.
func (s *Store) trimActivity(path string, n int) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) <= n {
		return nil
	}
	keep := lines[len(lines)-n:]
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(keep, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("writing trimmed activity: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadActivity returns up to limit entries, newest last. Partial final
// lines from a concurrent append are skipped.
func (s *Store) ReadActivity(agentID string, limit int) ([]ActivityEntry, error) {
	path := filepath.Join(s.Dir(agentID), "activity.ndjson")
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []ActivityEntry
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e ActivityEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // torn or malformed line
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// SaveSessionID persists the resumable session token.
func (s *Store) SaveSessionID(agentID, token string) error {
	if err := os.MkdirAll(s.Dir(agentID), 0755); err != nil {
		return fmt.Errorf("creating agent dir: %w", err)
	}
	path := filepath.Join(s.Dir(agentID), "session-id")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0644); err != nil {
		return fmt.Errorf("writing session-id: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSessionID returns the stored session token, or "" if absent.
func (s *Store) ReadSessionID(agentID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(agentID), "session-id"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Purge removes an agent's state directory entirely. Purging a missing
// agent is not an error. Used after kill so the classifier never reports
// a dead agent as running.
func (s *Store) Purge(agentID string) error {
	return os.RemoveAll(s.Dir(agentID))
}

// lockDir acquires the per-agent advisory lock, returning a release func.
func (s *Store) lockDir(agentID string) (func(), error) {
	fl := flock.New(filepath.Join(s.Dir(agentID), ".lock"))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("locking agent dir: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// readJSON decodes a JSON file into T.
func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return &v, nil
}

// writeJSONAtomic writes v as indented JSON via write-temp + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// readLines reads a file into lines, dropping a trailing empty line.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
