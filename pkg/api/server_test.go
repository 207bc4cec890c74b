package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	engine *gin.Engine
	db     *fakeStore
	pool   *fakePool
	bus    *bus.Bus
	guard  *fakeInvalidator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	workflows := map[string]*models.WorkflowDef{
		"std-wf": {
			ID:   "std-wf",
			Name: "Standard",
			Phases: []models.WorkflowPhase{
				{PhaseID: "plan", Name: "Cadrage", PatternID: "solo"},
				{PhaseID: "build", Name: "Sprint de développement", PatternID: "solo"},
			},
		},
	}
	patterns := map[string]*models.PatternDef{
		"solo": {ID: "solo", Name: "Solo", Type: models.PatternSolo},
	}
	cfg := &config.Config{
		System:           config.DefaultSystemConfig(),
		WorkflowRegistry: config.NewWorkflowRegistry(workflows),
		PatternRegistry:  config.NewPatternRegistry(patterns),
	}

	env := &testEnv{
		db:    newFakeStore(),
		pool:  newFakePool(),
		bus:   bus.New(16),
		guard: &fakeInvalidator{},
	}
	env.server = NewServer(Deps{
		Config:     cfg,
		DB:         env.db,
		Pool:       env.pool,
		Bus:        env.bus,
		Guardrails: env.guard,
	})
	env.engine = env.server.Routes()
	return env
}

// do runs one request through the engine and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealthHealthy(t *testing.T) {
	env := newTestEnv(t)
	env.pool.active = 2
	env.pool.processed = 7

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Contains(t, resp.Version, "macaron/")
	assert.Equal(t, 2, resp.WorkerPool.ActiveRuns)
	assert.Equal(t, 7, resp.WorkerPool.ProcessedRuns)
	assert.Equal(t, 1, resp.Configuration.Workflows)
	assert.Equal(t, 1, resp.Configuration.Patterns)
}

func TestHealthUnhealthyDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.db.healthErr = errors.New("connection refused")

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/missions", nil, nil)

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestCORSAllowsDashboardOrigin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/missions", nil,
		map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = env.do(t, http.MethodGet, "/api/missions", nil,
		map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.pool.active = 3

	w := env.do(t, http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "macaron_pool_active_runs 3")
	assert.Contains(t, body, "macaron_bus_queue_depth")
	assert.Contains(t, body, "macaron_bus_dropped_events_total")
}

func TestMetricsReportsRunStatuses(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.CreateRun(t.Context(), &models.MissionRun{ID: "r1", Status: models.MissionRunning}))
	require.NoError(t, env.db.CreateRun(t.Context(), &models.MissionRun{ID: "r2", Status: models.MissionRunning}))
	require.NoError(t, env.db.CreateRun(t.Context(), &models.MissionRun{ID: "r3", Status: models.MissionPaused}))

	w := env.do(t, http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `macaron_runs{status="running"} 2`)
	assert.Contains(t, body, `macaron_runs{status="paused"} 1`)
}

func TestListWorkflowsAndPatterns(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/workflows", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	workflows := decode[[]WorkflowSummary](t, w)
	require.Len(t, workflows, 1)
	assert.Equal(t, "std-wf", workflows[0].ID)
	assert.Equal(t, 2, workflows[0].Phases)

	w = env.do(t, http.MethodGet, "/api/patterns", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	patterns := decode[[]PatternSummary](t, w)
	require.Len(t, patterns, 1)
	assert.Equal(t, "solo", patterns[0].ID)
}

func TestLLMStatsWithoutProviders(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/llm/stats", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type staticLLM []string

func (s staticLLM) Providers() []string { return s }

func TestLLMStatsReportsUsage(t *testing.T) {
	env := newTestEnv(t)
	env.server.llm = staticLLM{"openai", "anthropic"}
	env.db.usage.Calls = 10
	env.db.usage.TokensOut = 512
	env.engine = env.server.Routes()

	w := env.do(t, http.MethodGet, "/api/llm/stats", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LLMStatsResponse](t, w)
	assert.Equal(t, []string{"openai", "anthropic"}, resp.Providers)
	assert.Equal(t, 10, resp.Calls)
	assert.Equal(t, int64(512), resp.TokensOut)
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/nope", nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestLogSkipsProbeEndpoints(t *testing.T) {
	// Smoke check that probe paths do not panic the middleware chain.
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		w := env.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/missions/absent", nil, nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"error"`))
}
