package server

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xcawolfe-amzn/panopticon/internal/health"
	"github.com/xcawolfe-amzn/panopticon/internal/journal"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
	"github.com/xcawolfe-amzn/panopticon/internal/transcript"
)

// agentView is one row of GET /agents.
type agentView struct {
	ID               string    `json:"id"`
	Issue            string    `json:"issue"`
	Workspace        string    `json:"workspace"`
	Model            string    `json:"model,omitempty"`
	Runtime          string    `json:"runtime,omitempty"`
	Health           string    `json:"health"`
	Running          bool      `json:"running"`
	StartedAt        time.Time `json:"startedAt"`
	DurationSec      int64     `json:"durationSec"`
	CurrentTool      string    `json:"currentTool,omitempty"`
	PendingQuestions bool      `json:"pendingQuestions"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	views, err := s.cache.Get(s.computeAgentList)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) computeAgentList() ([]agentView, error) {
	ids, err := s.agents.List()
	if err != nil {
		return nil, err
	}

	views := make([]agentView, 0, len(ids))
	for _, id := range ids {
		st, err := s.agents.Store().Load(id)
		if err != nil {
			continue // directory without a usable state record
		}
		running, err := s.agents.Running(id)
		if err != nil {
			running = false
		}

		status := string(health.StatusHealthy)
		if rec, err := s.agents.Store().LoadHealth(id); err == nil {
			status = rec.Status
		} else if !running {
			status = string(health.StatusDead)
		}
		if status == string(health.StatusHidden) {
			continue
		}

		v := agentView{
			ID:          id,
			Issue:       st.Issue,
			Workspace:   st.Workspace,
			Model:       st.Model,
			Runtime:     st.Runtime,
			Health:      status,
			Running:     running,
			StartedAt:   st.StartedAt,
			DurationSec: int64(time.Since(st.StartedAt).Seconds()),
		}
		if ri, err := s.agents.Store().LoadRuntime(id); err == nil {
			v.CurrentTool = ri.CurrentTool
		}
		if pending, err := s.reader.FindPendingQuestions(st.Workspace); err == nil && len(pending) > 0 {
			v.PendingQuestions = true
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IssueID   string `json:"issueId"`
		Workspace string `json:"workspace"`
		Runtime   string `json:"runtime"`
		Model     string `json:"model"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.IssueID == "" {
		s.writeError(w, errBadRequest)
		return
	}

	var id string
	var created bool
	err := s.journal.WithOperation(journal.TypeStart, body.IssueID, func() error {
		var err error
		id, created, err = s.agents.Spawn(body.IssueID, body.Workspace, body.Runtime, body.Model)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if created {
		s.met.AgentSpawns.Inc()
		s.cache.Invalidate()
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"id": id, "created": created})
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if err := s.agents.Kill(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.met.AgentKills.Inc()
	s.cache.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) messageAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Message == "" {
		s.writeError(w, errBadRequest)
		return
	}
	if err := s.agents.SendMessage(id, body.Message); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) pokeAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		Message string `json:"message"`
	}
	_ = decode(r, &body) // empty body means default nudge
	if err := s.agents.Poke(id, body.Message); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "poked"})
}

func (s *Server) suspendAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		SessionID string `json:"sessionId"`
	}
	_ = decode(r, &body)
	if err := s.agents.Suspend(id, body.SessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		Message string `json:"message"`
	}
	_ = decode(r, &body)
	if err := s.agents.Resume(id, body.Message); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handoffAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		ToModel string `json:"toModel"`
		Reason  string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.ToModel == "" {
		s.writeError(w, errBadRequest)
		return
	}
	if err := s.agents.Handoff(id, body.ToModel, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "handed off", "model": body.ToModel})
}

// workspaceOf resolves the agent's workspace for transcript reads.
func (s *Server) workspaceOf(agentID string) (string, error) {
	st, err := s.agents.Store().Load(agentID)
	if err != nil {
		return "", err
	}
	return st.Workspace, nil
}

func (s *Server) pendingQuestions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	ws, err := s.workspaceOf(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := s.broker.Pending(ws)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pending == nil {
		pending = []transcript.PendingQuestion{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		Answers []string `json:"answers"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ws, err := s.workspaceOf(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.broker.Answer(id, ws, body.Answers); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) agentActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.writeError(w, errBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.agents.Store().ReadActivity(id, limit)
	if err != nil && !os.IsNotExist(err) {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []state.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	var body struct {
		State     string `json:"state"`
		Tool      string `json:"tool"`
		IssueID   string `json:"issueId"`
		SessionID string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.agents.Heartbeat(id, state.RuntimeInfo{
		State:        body.State,
		CurrentTool:  body.Tool,
		CurrentIssue: body.IssueID,
		SessionID:    body.SessionID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.met.Heartbeats.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) agentUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	ws, err := s.workspaceOf(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage, err := s.reader.CollectUsage(ws)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
