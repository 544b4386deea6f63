package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/joescharf/reviewloop/internal/gate"
	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

// EventLister reads journaled events. *store.Journal implements it.
type EventLister interface {
	ListEvents(ctx context.Context, featureID string, limit int) ([]*store.Entry, error)
}

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	loop    *loop.Orchestrator
	journal EventLister
	logger  *log.Logger
}

// NewServer creates a new API server. The journal may be nil, in which case
// the events endpoint reports it as unavailable.
func NewServer(s store.Store, o *loop.Orchestrator, j EventLister) *Server {
	return &Server{
		store:   s,
		loop:    o,
		journal: j,
		logger:  ilog.Logger.With("component", "api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/gate", s.evaluateGate)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.listEvents)

	mux.HandleFunc("POST /api/v1/sessions/{id}/retry", s.action(s.loop.Retry))
	mux.HandleFunc("POST /api/v1/sessions/{id}/force-refine", s.action(s.loop.ForceRefine))
	mux.HandleFunc("POST /api/v1/sessions/{id}/force-ready", s.action(s.loop.ForceReady))
	mux.HandleFunc("POST /api/v1/sessions/{id}/approve", s.action(s.loop.Approve))
	mux.HandleFunc("POST /api/v1/sessions/{id}/skip-to-pr", s.skipToPR)
	mux.HandleFunc("POST /api/v1/sessions/{id}/link-pr", s.linkPR)

	mux.HandleFunc("GET /api/v1/config", s.getConfig)
	mux.HandleFunc("PUT /api/v1/config", s.putConfig)

	mux.HandleFunc("GET /api/v1/monitors", s.listMonitors)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var serr *loop.StageError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, loop.ErrSessionActive), errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, loop.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, loop.ErrDisabled):
		return http.StatusForbidden
	case errors.As(err, &serr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sessionResult is the response of operations that advance a session. A
// failed stage still reports the session it left behind.
type sessionResult struct {
	Session *models.Session `json:"session,omitempty"`
	Error   string          `json:"error,omitempty"`
	Stage   string          `json:"stage,omitempty"`
}

func (s *Server) writeResult(w http.ResponseWriter, ok int, sess *models.Session, err error) {
	if err == nil {
		writeJSON(w, ok, sessionResult{Session: sess})
		return
	}
	res := sessionResult{Error: err.Error()}
	var serr *loop.StageError
	if errors.As(err, &serr) {
		res.Stage = serr.Stage
		res.Session = sess
	}
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, res)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*models.Session
		err      error
	)
	if st := r.URL.Query().Get("state"); st != "" {
		state := models.State(st)
		if !state.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(st))
			return
		}
		sessions, err = s.store.ListByState(r.Context(), state)
	} else {
		sessions, err = s.store.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type startBody struct {
	FeatureID    string `json:"featureId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Branch       string `json:"branch"`
	BaseBranch   string `json:"baseBranch"`
	ProjectPath  string `json:"projectPath"`
	WorktreePath string `json:"worktreePath"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.FeatureID == "" || body.Branch == "" {
		writeError(w, http.StatusBadRequest, "featureId and branch are required")
		return
	}
	sess, err := s.loop.StartLoop(r.Context(), loop.StartRequest{
		FeatureID:    body.FeatureID,
		Title:        body.Title,
		Description:  body.Description,
		Branch:       body.Branch,
		BaseBranch:   body.BaseBranch,
		ProjectPath:  body.ProjectPath,
		WorktreePath: body.WorktreePath,
	})
	s.writeResult(w, http.StatusCreated, sess, err)
}

func (s *Server) action(op func(context.Context, string) (*models.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := op(r.Context(), r.PathValue("id"))
		s.writeResult(w, http.StatusOK, sess, err)
	}
}

type prBody struct {
	PRNumber int    `json:"prNumber"`
	PRURL    string `json:"prUrl"`
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) skipToPR(w http.ResponseWriter, r *http.Request) {
	var body prBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sess, err := s.loop.SkipToPR(r.Context(), r.PathValue("id"), body.PRNumber, body.PRURL)
	s.writeResult(w, http.StatusOK, sess, err)
}

func (s *Server) linkPR(w http.ResponseWriter, r *http.Request) {
	var body prBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.PRNumber <= 0 {
		writeError(w, http.StatusBadRequest, "prNumber is required")
		return
	}
	sess, err := s.loop.LinkPR(r.Context(), r.PathValue("id"), body.PRNumber, body.PRURL)
	s.writeResult(w, http.StatusOK, sess, err)
}

// evaluateGate runs the gate over the latest review. Metrics given as
// query parameters override the configured provider.
func (s *Server) evaluateGate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var metrics *gate.Metrics
	for _, key := range []string{"coverage", "duplication"} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key)
			return
		}
		if metrics == nil {
			metrics = &gate.Metrics{}
		}
		if key == "coverage" {
			metrics.TestCoverage = &f
		} else {
			metrics.Duplication = &f
		}
	}

	res, err := s.loop.Evaluate(r.Context(), r.PathValue("id"), metrics)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			// A session without reviews has nothing to evaluate.
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.journal.ListEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Config ---

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ReadConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// putConfig merges the body over the current configuration.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ReadConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.WriteConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Monitors ---

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	active := s.loop.Monitors()
	if active == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, active)
}
