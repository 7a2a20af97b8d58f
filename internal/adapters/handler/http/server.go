package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentfleet.manager/internal/core/circuitbreaker"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/services"
)

// JournalReader answers audit queries against the durable journal.
type JournalReader interface {
	ListAgents(ctx context.Context, status string, offset, limit int) ([]*domain.Agent, error)
	CountAgentsByStatus(ctx context.Context) (map[string]int64, error)
}

type Server struct {
	router    *chi.Mux
	fleet     *services.Fleet
	healthSvc *services.HealthService
	hub       *Hub
	journal   JournalReader
}

// NewServer builds the router. journal may be nil when no database is configured.
func NewServer(fleet *services.Fleet, healthSvc *services.HealthService, hub *Hub, journal JournalReader) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		fleet:     fleet,
		healthSvc: healthSvc,
		hub:       hub,
		journal:   journal,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Get("/api/templates", s.handleListTemplates)
	s.router.Get("/api/stats", s.handleStats)

	s.router.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/", s.handleCreateAgent)
		r.Get("/{id}", s.handleGetAgent)
		r.Delete("/{id}", s.handleRemoveAgent)
		r.Post("/{id}/start", s.handleStartAgent)
		r.Post("/{id}/stop", s.handleStopAgent)
		r.Post("/{id}/restart", s.handleRestartAgent)
		r.Get("/{id}/health", s.handleAgentHealth)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/fault", s.handleFault)
		r.Post("/{id}/tasks", s.handleBeginTask)
		r.Post("/{id}/tasks/{taskID}/complete", s.handleEndTask)
	})

	s.router.Route("/api/pools", func(r chi.Router) {
		r.Get("/", s.handleListPools)
		r.Post("/", s.handleCreatePool)
		r.Get("/{id}", s.handleGetPool)
		r.Delete("/{id}", s.handleDisbandPool)
		r.Post("/{id}/scale", s.handleScalePool)
		r.Post("/{id}/assign", s.handleAssign)
		r.Post("/{id}/release", s.handleRelease)
	})

	s.router.Route("/api/preserved", func(r chi.Router) {
		r.Get("/", s.handleListPreserved)
		r.Get("/{key}", s.handleGetPreserved)
	})

	s.router.Get("/api/journal/agents", s.handleJournalAgents)
}

// Handler wraps the router in request tracing. Probe and scrape paths are
// not traced.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "fleetd.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && !strings.HasPrefix(r.URL.Path, "/health/")
		}),
	)
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.GetAgentTemplates())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.GetSystemStats())
}

type CreateAgentRequest struct {
	Template    string              `json:"template"`
	Name        string              `json:"name"`
	Config      *domain.ConfigOverrides `json:"config,omitempty"`
	Environment *domain.Environment     `json:"environment,omitempty"`
	// Start moves the agent straight to idle.
	Start bool `json:"start"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if !decode(w, r, &req) {
		return
	}
	req.Template = strings.TrimSpace(req.Template)
	if req.Template == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Validation failed", "template is required")
		return
	}

	agent, err := s.fleet.CreateAgent(r.Context(), req.Template, domain.CreateOptions{
		Name:        req.Name,
		Config:      req.Config,
		Environment: req.Environment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Start {
		if agent, err = s.fleet.StartAgent(r.Context(), agent.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.fleet.GetAllAgents()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.fleet.GetAgent(agentID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	id := agentID(r)
	if err := s.fleet.RemoveAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "agent_id": string(id)})
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.fleet.StartAgent(r.Context(), agentID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type StopAgentRequest struct {
	Reason      string `json:"reason"`
	Force       bool   `json:"force"`
	Preserve    bool   `json:"preserve"`
	PreservedBy string `json:"preserved_by"`
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	var req StopAgentRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via api"
	}

	result, err := s.fleet.StopAgent(r.Context(), agentID(r), domain.StopOptions{
		Reason:      req.Reason,
		Force:       req.Force,
		Preserve:    req.Preserve,
		PreservedBy: req.PreservedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "restart requested via api"
	}
	agent, err := s.fleet.RestartAgent(r.Context(), agentID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.fleet.GetAgentHealth(agentID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := s.fleet.Heartbeat(r.Context(), agentID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleFault(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	agent, err := s.fleet.ReportFault(r.Context(), agentID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type BeginTaskRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleBeginTask(w http.ResponseWriter, r *http.Request) {
	var req BeginTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Validation failed", "task_id is required")
		return
	}
	agent, err := s.fleet.BeginTask(r.Context(), agentID(r), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type EndTaskRequest struct {
	Success bool `json:"success"`
}

func (s *Server) handleEndTask(w http.ResponseWriter, r *http.Request) {
	var req EndTaskRequest
	if !decode(w, r, &req) {
		return
	}
	agent, err := s.fleet.EndTask(r.Context(), agentID(r), chi.URLParam(r, "taskID"), req.Success)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type CreatePoolRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	domain.PoolOptions
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.fleet.CreateAgentPool(r.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Template), req.PoolOptions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.GetAllPools())
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.fleet.GetPool(poolID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleDisbandPool(w http.ResponseWriter, r *http.Request) {
	id := poolID(r)
	if err := s.fleet.DisbandPool(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disbanded", "pool_id": string(id)})
}

type ScalePoolRequest struct {
	Target int  `json:"target"`
	Force  bool `json:"force"`
}

func (s *Server) handleScalePool(w http.ResponseWriter, r *http.Request) {
	var req ScalePoolRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.fleet.ScalePool(r.Context(), poolID(r), req.Target, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := s.fleet.AssignAgent(r.Context(), poolID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": string(id)})
}

type ReleaseRequest struct {
	AgentID domain.AgentID `json:"agent_id"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	retired, err := s.fleet.ReleaseAgent(r.Context(), poolID(r), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "retired": retired})
}

func (s *Server) handleListPreserved(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if tag := q.Get("tag"); tag != "" {
		records, err := s.fleet.FindPreserved(r.Context(), tag, q.Get("value"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	offset, limit := pagination(r)
	records, err := s.fleet.ListPreserved(r.Context(), int64(offset), int64(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetPreserved(w http.ResponseWriter, r *http.Request) {
	record, err := s.fleet.GetPreserved(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":         record,
		"create_request": record.CreateRequest(),
	})
}

func (s *Server) handleJournalAgents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "Journal unavailable", "no database configured")
		return
	}
	offset, limit := pagination(r)
	agents, err := s.journal.ListAgents(r.Context(), r.URL.Query().Get("status"), offset, limit)
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "Journal query failed", err.Error())
		return
	}
	counts, err := s.journal.CountAgentsByStatus(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "Journal query failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "by_status": counts})
}

func agentID(r *http.Request) domain.AgentID {
	return domain.AgentID(chi.URLParam(r, "id"))
}

func poolID(r *http.Request) domain.PoolID {
	return domain.PoolID(chi.URLParam(r, "id"))
}

func pagination(r *http.Request) (offset, limit int) {
	offset, limit = 0, 20
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}
	return offset, limit
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

// statusFor maps fleet errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyPreserved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientCapacity), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrPersistenceFailure),
		errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	writeErrorMessage(w, code, http.StatusText(code), err.Error())
}

func writeErrorMessage(w http.ResponseWriter, code int, msg, details string) {
	writeJSON(w, code, map[string]string{"error": msg, "details": details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
