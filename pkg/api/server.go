// Package api exposes the HTTP surface: mission lifecycle, session
// transcripts and live event streams, admin CRUD for agents and settings,
// feedback webhooks, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/mission"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

// Store is the persistence surface the HTTP handlers need.
type Store interface {
	Health(ctx context.Context) (*store.HealthStatus, error)

	// Missions and runs.
	CreateMission(ctx context.Context, m *models.Mission) error
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]*models.Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error
	CountMissionsByStatus(ctx context.Context) (map[models.MissionStatus]int, error)
	CreateRun(ctx context.Context, r *models.MissionRun) error
	GetRun(ctx context.Context, id string) (*models.MissionRun, error)
	ListRunsForMission(ctx context.Context, missionID string) ([]*models.MissionRun, error)
	UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	ResumeRun(ctx context.Context, id string) error
	RevertRunResume(ctx context.Context, id string, prev models.MissionStatus) error
	SaveRunPhases(ctx context.Context, id string, phases []models.PhaseState, currentPhase string) error
	ListSprints(ctx context.Context, missionID string) ([]*models.Sprint, error)

	// Sessions and transcripts.
	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	AppendMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.Message, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCallRecord, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]*models.Artifact, error)

	// Admin resources.
	UpsertAgent(ctx context.Context, a *models.AgentDef) error
	GetAgent(ctx context.Context, id string) (*models.AgentDef, error)
	ListAgents(ctx context.Context) ([]*models.AgentDef, error)
	DeleteAgent(ctx context.Context, id string) error
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	UpsertSetting(ctx context.Context, key string, value any) error
	ListSettings(ctx context.Context) ([]*store.Setting, error)
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	SetProjectMonitoring(ctx context.Context, id string, enabled bool) error
	CreateFeature(ctx context.Context, f *models.Feature) error
	ListOpenFeatures(ctx context.Context, projectID string) ([]*models.Feature, error)

	// Telemetry.
	SumUsageSince(ctx context.Context, since time.Time) (*store.UsageTotals, error)
	CountRunsByStatus(ctx context.Context) (map[models.MissionStatus]int, error)
}

// RunPool is the worker pool surface used for in-process interruption and
// health reporting.
type RunPool interface {
	CancelRun(runID string) bool
	Active() int
	Processed() int
}

// Invalidator drops a cached rule set after an admin write.
type Invalidator interface {
	Invalidate()
}

// LLMInfo reports which providers are wired, for the stats endpoint.
type LLMInfo interface {
	Providers() []string
}

// Deps carries everything the server needs. Feedback, Guardrails and LLM
// are optional; their endpoints degrade when absent.
type Deps struct {
	Config     *config.Config
	DB         Store
	Pool       RunPool
	Bus        *bus.Bus
	Guardrails Invalidator
	Feedback   *mission.Feedback
	LLM        LLMInfo
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	db         Store
	pool       RunPool
	bus        *bus.Bus
	guardrails Invalidator
	feedback   *mission.Feedback
	llm        LLMInfo

	httpSrv *http.Server
}

// NewServer wires the handlers. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		db:         deps.DB,
		pool:       deps.Pool,
		bus:        deps.Bus,
		guardrails: deps.Guardrails,
		feedback:   deps.Feedback,
		llm:        deps.LLM,
	}
}

// Routes builds the gin engine with all routes and middleware attached.
// Exposed separately from Start so tests can drive handlers through
// httptest without binding a port.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), securityHeaders(), s.cors())

	r.GET("/healthz", s.health)
	r.GET("/metrics", s.metricsHandler())

	api := r.Group("/api")
	{
		api.POST("/missions", s.createMission)
		api.GET("/missions", s.listMissions)
		api.GET("/missions/:id", s.getMission)
		api.POST("/missions/:id/pause", s.pauseMission)
		api.POST("/missions/:id/resume", s.resumeMission)
		api.POST("/missions/:id/cancel", s.cancelMission)
		api.POST("/missions/:id/retry", s.retryMission)
		api.POST("/missions/:id/validate", s.validateMission)

		api.GET("/sessions/:id", s.getSession)
		api.GET("/sessions/:id/events", s.streamEvents)
		api.GET("/sessions/:id/messages", s.listMessages)
		api.GET("/sessions/:id/toolcalls", s.listToolCalls)
		api.GET("/sessions/:id/artifacts", s.listArtifacts)

		api.GET("/agents", s.listAgents)
		api.GET("/agents/:id", s.getAgent)
		api.POST("/agents", s.upsertAgent)
		api.PUT("/agents/:id", s.upsertAgent)
		api.DELETE("/agents/:id", s.deleteAgent)

		api.GET("/settings", s.listSettings)
		api.PUT("/settings/:key", s.putSetting)

		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.PUT("/projects/:id/monitoring", s.setProjectMonitoring)
		api.POST("/projects/:id/features", s.createFeature)
		api.GET("/projects/:id/features", s.listFeatures)

		api.GET("/workflows", s.listWorkflows)
		api.GET("/patterns", s.listPatterns)
		api.GET("/llm/stats", s.llmStats)

		api.POST("/hooks/security", s.hookSecurity)
		api.POST("/hooks/incident", s.hookIncident)
		api.POST("/hooks/incident/resolve", s.hookIncidentResolved)
	}

	return r
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests. SSE streams observe the closed
// request context and exit on their own.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLog logs one line per request, skipping the probe endpoints
// that would otherwise dominate the log.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// cors admits the dashboard origin. Requests without an Origin header
// (curl, the watchdog, same-origin) pass untouched.
func (s *Server) cors() gin.HandlerFunc {
	allowed := ""
	if s.cfg != nil && s.cfg.System != nil {
		allowed = s.cfg.System.DashboardURL
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && origin == allowed {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Forwarded-User")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
