// Package server is the HTTP/JSON control surface over the engine.
//
// Handlers are stateless entry points: they validate, call into the
// owning component, and translate typed errors to status codes. No
// handler holds state beyond the short-TTL agent list cache.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/agent"
	"github.com/xcawolfe-amzn/panopticon/internal/journal"
	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/metrics"
	"github.com/xcawolfe-amzn/panopticon/internal/pipeline"
	"github.com/xcawolfe-amzn/panopticon/internal/question"
	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
	"github.com/xcawolfe-amzn/panopticon/internal/transcript"
)

// Server wires the engine's components behind the router.
type Server struct {
	agents      *agent.Supervisor
	specialists *specialist.Registry
	pipeline    *pipeline.Controller
	broker      *question.Broker
	journal     *journal.Journal
	reader      *transcript.Reader
	mut         *lock.MutationLock
	met         *metrics.Metrics
	log         *zap.Logger

	cache *agentCache
}

// New builds a server. Call Close to release the cache watcher.
func New(sup *agent.Supervisor, reg *specialist.Registry, ctrl *pipeline.Controller,
	broker *question.Broker, j *journal.Journal, reader *transcript.Reader,
	mut *lock.MutationLock, met *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		agents:      sup,
		specialists: reg,
		pipeline:    ctrl,
		broker:      broker,
		journal:     j,
		reader:      reader,
		mut:         mut,
		met:         met,
		log:         log,
	}
	s.cache = newAgentCache(sup.Store().Root(), 2*time.Second, log)
	return s
}

// Close releases server resources.
func (s *Server) Close() {
	s.cache.Close()
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.spawnAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Delete("/", s.killAgent)
			r.Post("/message", s.messageAgent)
			r.Post("/poke", s.pokeAgent)
			r.Post("/suspend", s.suspendAgent)
			r.Post("/resume", s.resumeAgent)
			r.Post("/handoff", s.handoffAgent)
			r.Get("/pending-questions", s.pendingQuestions)
			r.Post("/answer-question", s.answerQuestion)
			r.Get("/activity", s.agentActivity)
			r.Post("/heartbeat", s.heartbeat)
			r.Get("/usage", s.agentUsage)
		})
	})

	r.Route("/specialists", func(r chi.Router) {
		r.Get("/", s.listSpecialists)
		r.Post("/done", s.specialistDone)
		r.Post("/reset-all", s.resetAllSpecialists)
		r.Route("/{name}", func(r chi.Router) {
			r.Post("/wake", s.wakeSpecialist)
			r.Post("/reset", s.resetSpecialist)
			r.Post("/init", s.initSpecialist)
			r.Get("/queue", s.listQueue)
			r.Post("/queue", s.enqueueItem)
			r.Delete("/queue/{itemID}", s.removeQueueItem)
			r.Put("/queue/reorder", s.reorderQueue)
		})
	})

	r.Route("/workspaces/{issueID}", func(r chi.Router) {
		r.Get("/review-status", s.getReviewStatus)
		r.Post("/review-status", s.patchReviewStatus)
		r.Post("/review", s.startReview)
		r.Post("/approve", s.approve)
	})

	r.Get("/operations", s.listOperations)
	r.Get("/lock", s.lockStatus)
	r.Method("GET", "/metrics", s.met.Handler())

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps typed component errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, agent.ErrNotRunning),
		errors.Is(err, specialist.ErrUnknownSpecialist),
		errors.Is(err, question.ErrNoPending):
		code = http.StatusNotFound
	case errors.Is(err, specialist.ErrAlreadyRunning),
		errors.Is(err, pipeline.ErrAlreadyReviewedNeedsAction),
		errors.Is(err, pipeline.ErrNotReadyForMerge):
		code = http.StatusConflict
	case errors.Is(err, lock.ErrLockBusy):
		code = http.StatusLocked
	case errors.Is(err, pipeline.ErrUnknownStatus),
		errors.Is(err, question.ErrAnswerCount),
		errors.Is(err, agent.ErrNoSessionToken),
		errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("handler error", zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// errBadRequest marks body decode failures.
var errBadRequest = errors.New("bad request")

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
