// ABOUTME: Operator HTTP API over the engine: start plans, inspect runs, abort, intervene, roll back
// ABOUTME: and receive external completions. Routes are served by chi.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/engine"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/plan"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxBodyBytes bounds request bodies (plan documents and callback payloads).
const MaxBodyBytes = 4 << 20

// Options configures a Server.
type Options struct {
	Engine   *engine.Engine
	Metrics  http.Handler // served at /metrics when set
	EventLog string       // JSONL event log backing /plans/{id}/events
}

// Server is the operator API.
type Server struct {
	engine   *engine.Engine
	metrics  http.Handler
	eventLog string
	router   chi.Router
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{engine: opts.Engine, metrics: opts.Metrics, eventLog: opts.EventLog}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/plans", func(r chi.Router) {
		r.Post("/", s.handleStartPlan)
		r.Route("/{planExecutionID}", func(r chi.Router) {
			r.Get("/", s.handleGetPlan)
			r.Get("/nodes", s.handleListNodes)
			r.Get("/events", s.handleEvents)
			r.Post("/abort", s.handleAbortPlan)
			r.Post("/rollback", s.handleRollback)
		})
	})
	r.Route("/nodes/{nodeExecutionID}", func(r chi.Router) {
		r.Get("/", s.handleGetNode)
		r.Post("/abort", s.handleAbortNode)
		r.Post("/intervention", s.handleIntervention)
	})
	r.Post("/callbacks/{correlationID}", s.handleCallback)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartPlan accepts a YAML or JSON plan document. Optional account,
// org and project query parameters seed the root ambiance.
func (s *Server) handleStartPlan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	p, err := plan.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	amb := ambiance.New(q.Get("account"), q.Get("org"), q.Get("project"))
	pe, err := s.engine.StartPlan(r.Context(), p, amb)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"plan_execution_id": pe.ID,
		"plan_id":           pe.PlanID,
		"status":            pe.Status,
	})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	pe, err := s.engine.PlanExecution(r.Context(), chi.URLParam(r, "planExecutionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pe)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "planExecutionID")
	if _, err := s.engine.PlanExecution(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	nes, err := s.engine.NodeExecutions(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if nes == nil {
		nes = []*execution.NodeExecution{}
	}
	writeJSON(w, http.StatusOK, nes)
}

// handleEvents replays the lifecycle events of one run from the JSONL event log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == "" {
		writeError(w, http.StatusNotFound, errors.New("no event log configured"))
		return
	}
	all, err := events.ReadJSONL(s.eventLog)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := events.FilterByPlanExecution(all, chi.URLParam(r, "planExecutionID"))
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAbortPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "planExecutionID")
	if err := s.engine.Abort(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_execution_id": id, "status": string(execution.PlanAborted)})
}

// handleRollback returns the generated rollback plan; with ?start=true it
// also starts it.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "planExecutionID")
	if r.URL.Query().Get("start") == "true" {
		pe, err := s.engine.StartRollback(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"rollback_execution_id": pe.ID,
			"plan_id":               pe.PlanID,
			"status":                pe.Status,
		})
		return
	}
	p, err := s.engine.GenerateRollback(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ne, err := s.engine.Store().GetNodeExecution(r.Context(), chi.URLParam(r, "nodeExecutionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ne)
}

func (s *Server) handleAbortNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeExecutionID")
	if err := s.engine.AbortNode(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"node_execution_id": id, "status": string(execution.StatusAborted)})
}

type interventionRequest struct {
	Action plan.AdviserConfig `json:"action"`
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	var req interventionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode intervention: %w", err))
		return
	}
	if req.Action.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("intervention action type is required"))
		return
	}
	id := chi.URLParam(r, "nodeExecutionID")
	if err := s.engine.Intervene(r.Context(), id, req.Action); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"node_execution_id": id, "action": req.Action.Type})
}

// handleCallback forwards the raw body to the engine. Unknown and late
// correlation ids are accepted and dropped by the engine.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("callback payload must be JSON"))
		return
	}
	id := chi.URLParam(r, "correlationID")
	if err := s.engine.OnExternalCompletion(r.Context(), id, json.RawMessage(body)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// fail maps engine and store errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, execution.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, execution.ErrStale):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrConfiguration), errors.Is(err, plan.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, err)
	default:
		log.Printf("component=server action=internal_error err=%v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
