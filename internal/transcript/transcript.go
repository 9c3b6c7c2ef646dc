// Package transcript reads agent conversation logs.
//
// Transcripts are append-only JSONL files written by the agent process
// under a per-workspace directory. They are read only for token accounting
// and pending-question detection; completion status never comes from here
// (specialists report completion explicitly over HTTP).
//
// Files may be rewritten concurrently by the agent. Malformed or torn
// lines are skipped silently; the reader never mutates transcripts.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// QuestionToolName is the tool-use name the engine recognizes as a
// structured question for the human operator.
const QuestionToolName = "question-for-user"

// Usage is the summed token accounting across transcripts.
type Usage struct {
	InputTokens      int    `json:"inputTokens"`
	OutputTokens     int    `json:"outputTokens"`
	CacheReadTokens  int    `json:"cacheReadTokens"`
	CacheWriteTokens int    `json:"cacheWriteTokens"`
	Model            string `json:"model,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one prompt inside a question tool-use.
type Question struct {
	Prompt      string           `json:"prompt"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// PendingQuestion is a question tool-use without a matching tool-result.
type PendingQuestion struct {
	ToolID    string     `json:"toolId"`
	Timestamp time.Time  `json:"timestamp"`
	Questions []Question `json:"questions"`
}

// Reader locates and parses transcripts for workspaces.
type Reader struct {
	root string
}

// NewReader creates a reader over the given transcript root. The root
// contains one directory per workspace, named by the munged workspace path.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// dirFor maps a workspace path to its transcript directory, replacing
// path separators and dots the way the agent runtime does.
func (r *Reader) dirFor(workspace string) string {
	munged := strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(workspace)
	return filepath.Join(r.root, munged)
}

// Active returns the path of the most recently modified transcript for a
// workspace, or "" when none exist.
func (r *Reader) Active(workspace string) (string, error) {
	paths, err := r.candidates(workspace)
	if err != nil || len(paths) == 0 {
		return "", err
	}

	var newest string
	var newestMod time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = p
			newestMod = info.ModTime()
		}
	}
	return newest, nil
}

// candidates lists all transcript files for a workspace.
func (r *Reader) candidates(workspace string) ([]string, error) {
	dir := r.dirFor(workspace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// line is the subset of a transcript line the engine cares about.
type line struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		Model   string          `json:"model"`
		Usage   *usageBlock     `json:"usage"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type usageBlock struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// contentBlock is one element of a message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// questionInput is the input shape of a question-for-user tool-use.
type questionInput struct {
	Questions []Question `json:"questions"`
}

// CollectUsage sums token usage across all transcripts for a workspace,
// recording the first observed model identifier.
func (r *Reader) CollectUsage(workspace string) (*Usage, error) {
	paths, err := r.candidates(workspace)
	if err != nil {
		return nil, err
	}

	u := &Usage{}
	for _, p := range paths {
		r.scanFile(p, func(l *line) {
			if u.Model == "" && l.Message.Model != "" {
				u.Model = l.Message.Model
			}
			if l.Message.Usage != nil {
				u.InputTokens += l.Message.Usage.InputTokens
				u.OutputTokens += l.Message.Usage.OutputTokens
				u.CacheReadTokens += l.Message.Usage.CacheReadTokens
				u.CacheWriteTokens += l.Message.Usage.CacheCreationTokens
			}
		})
	}
	return u, nil
}

// FindPendingQuestions returns question tool-uses in the active transcript
// that have no matching tool-result yet, in transcript order.
func (r *Reader) FindPendingQuestions(workspace string) ([]PendingQuestion, error) {
	active, err := r.Active(workspace)
	if err != nil || active == "" {
		return nil, err
	}

	var pending []PendingQuestion
	answered := make(map[string]bool)

	r.scanFile(active, func(l *line) {
		var blocks []contentBlock
		if err := json.Unmarshal(l.Message.Content, &blocks); err != nil {
			return // string content or malformed; nothing to do
		}
		for _, b := range blocks {
			switch b.Type {
			case "tool_use":
				if b.Name != QuestionToolName || b.ID == "" {
					continue
				}
				var qi questionInput
				if err := json.Unmarshal(b.Input, &qi); err != nil || len(qi.Questions) == 0 {
					continue
				}
				pending = append(pending, PendingQuestion{
					ToolID:    b.ID,
					Timestamp: l.Timestamp,
					Questions: qi.Questions,
				})
			case "tool_result":
				if b.ToolUseID != "" {
					answered[b.ToolUseID] = true
				}
			}
		}
	})

	var out []PendingQuestion
	for _, q := range pending {
		if !answered[q.ToolID] {
			out = append(out, q)
		}
	}
	return out, nil
}

// scanFile runs fn over every parseable line of a transcript. Unparseable
// lines, including a torn final line, are skipped.
func (r *Reader) scanFile(path string, fn func(*line)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		fn(&l)
	}
}
