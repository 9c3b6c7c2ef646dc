package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
)

func (s *Server) listSpecialists(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.specialists.StatusAll()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) wakeSpecialist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		IssueID   string `json:"issueId"`
		Workspace string `json:"workspace"`
		Branch    string `json:"branch"`
		Priority  string `json:"priority"`
		Prompt    string `json:"prompt"`
	}
	_ = decode(r, &body) // all fields optional: a bare wake gets a generic task

	priority := body.Priority
	if priority == "" {
		priority = specialist.PriorityNormal
	}
	item := specialist.WorkItem{
		Kind:     specialist.KindTask,
		Priority: priority,
		Source:   "manual-wake",
		Payload: specialist.Payload{
			IssueID:      body.IssueID,
			Workspace:    body.Workspace,
			Branch:       body.Branch,
			CustomPrompt: body.Prompt,
		},
	}

	woken, err := s.specialists.WakeOrQueue(name, item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if woken {
		s.met.SpecialistWakes.WithLabelValues(name).Inc()
	} else {
		s.met.SpecialistQueued.WithLabelValues(name).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"woken": woken, "queued": !woken})
}

func (s *Server) resetSpecialist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.specialists.Reset(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) initSpecialist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.specialists.Init(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

func (s *Server) resetAllSpecialists(w http.ResponseWriter, r *http.Request) {
	if err := s.specialists.ResetAll(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !specialist.Known(name) {
		s.writeError(w, specialist.ErrUnknownSpecialist)
		return
	}
	items, err := s.specialists.QueueFor(name).List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []specialist.WorkItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Kind       string             `json:"kind"`
		Priority   string             `json:"priority"`
		Source     string             `json:"source"`
		Payload    specialist.Payload `json:"payload"`
		TTLSeconds int                `json:"ttlSeconds"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	item := specialist.WorkItem{
		Kind:     body.Kind,
		Priority: body.Priority,
		Source:   body.Source,
		Payload:  body.Payload,
	}
	if body.TTLSeconds > 0 {
		exp := time.Now().Add(time.Duration(body.TTLSeconds) * time.Second)
		item.ExpiresAt = &exp
	}

	queued, err := s.specialists.Enqueue(name, item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

func (s *Server) removeQueueItem(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !specialist.Known(name) {
		s.writeError(w, specialist.ErrUnknownSpecialist)
		return
	}
	removed, err := s.specialists.QueueFor(name).Remove(chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "queue item not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) reorderQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !specialist.Known(name) {
		s.writeError(w, specialist.ErrUnknownSpecialist)
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.specialists.QueueFor(name).Reorder(body.IDs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

// specialistDone is the completion-report endpoint: the only supported
// completion signal. Terminal output is never scraped.
func (s *Server) specialistDone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Specialist string `json:"specialist"`
		IssueID    string `json:"issueId"`
		Status     string `json:"status"`
		Notes      string `json:"notes"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Specialist == "" || body.IssueID == "" {
		s.writeError(w, errBadRequest)
		return
	}
	if err := s.pipeline.ReportStatus(body.Specialist, body.IssueID, body.Status, body.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
