package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xcawolfe-amzn/panopticon/internal/journal"
	"github.com/xcawolfe-amzn/panopticon/internal/pipeline"
)

func (s *Server) getReviewStatus(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")
	st, _, err := s.pipeline.StatusFor(issueID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) patchReviewStatus(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")
	var patch pipeline.StatusPatch
	if err := decode(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.pipeline.Patch(issueID, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) startReview(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")
	var body struct {
		Workspace string `json:"workspace"`
		Branch    string `json:"branch"`
	}
	_ = decode(r, &body) // workspace/branch optional when already recorded

	var queued bool
	err := s.journal.WithOperation(journal.TypeReview, issueID, func() error {
		var err error
		queued, err = s.pipeline.StartReview(issueID, body.Workspace, body.Branch)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "review started", "queued": queued})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")

	var queued bool
	err := s.journal.WithOperation(journal.TypeApprove, issueID, func() error {
		var err error
		queued, err = s.pipeline.Approve(issueID)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "merge started", "queued": queued})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.journal.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []journal.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) lockStatus(w http.ResponseWriter, r *http.Request) {
	action, since, held := s.mut.Holder()
	resp := map[string]any{"held": held}
	if held {
		resp["action"] = action
		resp["heldFor"] = time.Since(since).String()
	}
	writeJSON(w, http.StatusOK, resp)
}
