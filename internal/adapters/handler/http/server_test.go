package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet.manager/internal/adapters/catalog"
	"agentfleet.manager/internal/core/circuitbreaker"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/services"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type stubJournal struct {
	agents []*domain.Agent
	counts map[string]int64
	err    error
}

func (j *stubJournal) ListAgents(ctx context.Context, status string, offset, limit int) ([]*domain.Agent, error) {
	return j.agents, j.err
}

func (j *stubJournal) CountAgentsByStatus(ctx context.Context) (map[string]int64, error) {
	return j.counts, j.err
}

type testServer struct {
	handler http.Handler
	fleet   *services.Fleet
	health  *services.HealthService
}

func newTestServer(t *testing.T, journal JournalReader) *testServer {
	t.Helper()
	fleet := services.NewFleet(services.Deps{Catalog: catalog.New(catalog.Builtin...)}, services.FleetConfig{
		Registry: services.RegistryConfig{DrainTimeout: 50 * time.Millisecond},
		Pools:    services.PoolConfig{AutoscaleInterval: time.Hour},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fleet.Shutdown(ctx)
	})
	health := services.NewHealthService(fleet.Outbox(), "test")
	srv := NewServer(fleet, health, nil, journal)
	return &testServer{handler: srv.Handler(), fleet: fleet, health: health}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createAgent(t *testing.T, template string, start bool) *domain.Agent {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/agents", CreateAgentRequest{Template: template, Start: start})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*domain.Agent](t, rec)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	agent := s.createAgent(t, "analyst", false)
	assert.Equal(t, domain.AgentStatusInitializing, agent.Status)
	assert.Equal(t, domain.AgentTypeAnalyst, agent.Type)

	rec := s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AgentStatusIdle, decodeBody[*domain.Agent](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/tasks", BeginTaskRequest{TaskID: "t1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AgentStatusBusy, decodeBody[*domain.Agent](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/tasks/t1/complete", EndTaskRequest{Success: true})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeBody[*domain.Agent](t, rec)
	assert.Equal(t, domain.AgentStatusIdle, done.Status)
	assert.Equal(t, int64(1), done.Metrics.TasksCompleted)

	rec = s.do(t, http.MethodGet, "/api/agents/"+string(agent.ID)+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/stop", StopAgentRequest{Preserve: true})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[domain.StopResult](t, rec)
	assert.Equal(t, domain.AgentStatusTerminated, result.Status)
	assert.NotEmpty(t, result.Warning, "preservation without an archive is reported, not fatal")

	rec = s.do(t, http.MethodDelete, "/api/agents/"+string(agent.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/agents/"+string(agent.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentWithZeroOverride(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/agents", map[string]any{
		"template": "researcher",
		"config":   map[string]any{"autonomy_level": 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	agent := decodeBody[*domain.Agent](t, rec)
	assert.Equal(t, 0.0, agent.Config.AutonomyLevel)
	assert.Equal(t, 3, agent.Config.MaxConcurrentTasks)
}

func TestListAgentsFiltersByStatus(t *testing.T) {
	s := newTestServer(t, nil)
	s.createAgent(t, "analyst", true)
	s.createAgent(t, "researcher", false)

	rec := s.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*domain.Agent](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/agents?status=idle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	idle := decodeBody[[]*domain.Agent](t, rec)
	require.Len(t, idle, 1)
	assert.Equal(t, "analyst", idle[0].Template)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	agent := s.createAgent(t, "analyst", true)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown agent", http.MethodGet, "/api/agents/missing", nil, http.StatusNotFound},
		{"unknown template", http.MethodPost, "/api/agents", CreateAgentRequest{Template: "wizard"}, http.StatusNotFound},
		{"missing template", http.MethodPost, "/api/agents", CreateAgentRequest{}, http.StatusBadRequest},
		{"start twice", http.MethodPost, "/api/agents/" + string(agent.ID) + "/start", nil, http.StatusConflict},
		{"remove running", http.MethodDelete, "/api/agents/" + string(agent.ID), nil, http.StatusConflict},
		{"missing task id", http.MethodPost, "/api/agents/" + string(agent.ID) + "/tasks", BeginTaskRequest{}, http.StatusBadRequest},
		{"bad pool bounds", http.MethodPost, "/api/pools", CreatePoolRequest{Name: "p", Template: "analyst", PoolOptions: domain.PoolOptions{MinSize: 3, MaxSize: 1}}, http.StatusUnprocessableEntity},
		{"unknown pool", http.MethodGet, "/api/pools/missing", nil, http.StatusNotFound},
		{"unknown preserved", http.MethodGet, "/api/preserved/nope", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["details"])
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", decodeBody[map[string]string](t, rec)["error"])
}

func TestConcurrencyLimitOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	agent := s.createAgent(t, "analyst", true)

	for i := 0; i < agent.Config.MaxConcurrentTasks; i++ {
		rec := s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/tasks", BeginTaskRequest{TaskID: fmt.Sprintf("t%d", i)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodPost, "/api/agents/"+string(agent.ID)+"/tasks", BeginTaskRequest{TaskID: "overflow"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPoolsOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/pools", CreatePoolRequest{
		Name:        "workers",
		Template:    "analyst",
		PoolOptions: domain.PoolOptions{MinSize: 1, MaxSize: 3},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pool := decodeBody[*domain.AgentPool](t, rec)
	assert.Equal(t, 1, pool.CurrentSize)
	base := "/api/pools/" + string(pool.ID)

	rec = s.do(t, http.MethodPost, base+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assigned := decodeBody[map[string]string](t, rec)["agent_id"]
	require.NotEmpty(t, assigned)

	rec = s.do(t, http.MethodPost, base+"/assign", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no autoscale, no idle agent")

	rec = s.do(t, http.MethodPost, base+"/scale", ScalePoolRequest{Target: 5})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/scale", ScalePoolRequest{Target: 3})
	require.Equal(t, http.StatusOK, rec.Code)
	scaled := decodeBody[domain.ScaleResult](t, rec)
	assert.Equal(t, 1, scaled.From)
	assert.Equal(t, 3, scaled.To)
	assert.Len(t, scaled.Added, 2)

	rec = s.do(t, http.MethodPost, base+"/release", ReleaseRequest{AgentID: domain.AgentID(assigned)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["retired"])

	rec = s.do(t, http.MethodGet, "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*domain.AgentPool](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[domain.SystemStats](t, rec)
	assert.Equal(t, 3, stats.TotalAgents)
	assert.Equal(t, 1, stats.Pools)
	assert.Equal(t, 3, stats.PooledAgents)

	rec = s.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, s.fleet.GetAllAgents())
}

func TestTemplates(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Template](t, rec), len(catalog.Builtin))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	up := true
	s.health.Register("database", pingFunc(func(context.Context) error {
		if !up {
			return errors.New("connection refused")
		}
		return nil
	}), true)

	rec := s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/health/detailed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[services.InfraReport](t, rec)
	assert.Equal(t, services.HealthStatusHealthy, report.Status)

	up = false
	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/health/detailed", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores dependencies")
}

func TestJournalEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/journal/agents", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	j := &stubJournal{
		agents: []*domain.Agent{{ID: "a1", Status: domain.AgentStatusTerminated}},
		counts: map[string]int64{"terminated": 1},
	}
	s = newTestServer(t, j)
	rec = s.do(t, http.MethodGet, "/api/journal/agents?status=terminated&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Agents   []*domain.Agent  `json:"agents"`
		ByStatus map[string]int64 `json:"by_status"`
	}](t, rec)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, int64(1), body.ByStatus["terminated"])

	j.err = errors.New("db down")
	rec = s.do(t, http.MethodGet, "/api/journal/agents", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", domain.ErrTemplateNotFound), http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrAlreadyPreserved, http.StatusConflict},
		{domain.ErrInsufficientCapacity, http.StatusUnprocessableEntity},
		{domain.ErrInvalidArgument, http.StatusUnprocessableEntity},
		{domain.ErrPoolExhausted, http.StatusServiceUnavailable},
		{domain.ErrPersistenceFailure, http.StatusServiceUnavailable},
		{circuitbreaker.ErrCircuitOpen, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		query       string
		offset, lim int
	}{
		{"", 0, 20},
		{"?offset=10&limit=50", 10, 50},
		{"?offset=-1&limit=1000", 0, 20},
		{"?offset=x&limit=y", 0, 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		offset, limit := pagination(r)
		assert.Equal(t, tt.offset, offset, tt.query)
		assert.Equal(t, tt.lim, limit, tt.query)
	}
}
