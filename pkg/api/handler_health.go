package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/version"
)

// health handles GET /healthz. Degraded means the process serves but a
// dependency is down; the watchdog records it either way.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		WorkerPool: PoolStats{
			ActiveRuns:    s.pool.Active(),
			ProcessedRuns: s.pool.Processed(),
		},
	}
	if s.cfg != nil {
		stats := s.cfg.Stats()
		resp.Configuration = ConfigurationStats{
			Agents:    stats.Agents,
			Workflows: stats.Workflows,
			Patterns:  stats.Patterns,
			Providers: stats.Providers,
		}
	}
	if s.bus != nil {
		resp.EventBus = BusStats{
			Sessions:   s.bus.Sessions(),
			QueueDepth: s.bus.QueueDepth(),
			Dropped:    s.bus.Dropped(),
		}
	}

	dbHealth, err := s.db.Health(ctx)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// llmStats handles GET /api/llm/stats: wired providers plus the last 24
// hours of usage. The watchdog probes this endpoint.
func (s *Server) llmStats(c *gin.Context) {
	resp := LLMStatsResponse{Providers: []string{}}
	if s.llm != nil {
		resp.Providers = s.llm.Providers()
	}
	if len(resp.Providers) == 0 {
		respondError(c, http.StatusServiceUnavailable, "no LLM providers configured")
		return
	}

	totals, err := s.db.SumUsageSince(c.Request.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	resp.Calls = totals.Calls
	resp.Failed = totals.Failed
	resp.TokensIn = totals.TokensIn
	resp.TokensOut = totals.TokensOut
	c.JSON(http.StatusOK, resp)
}

// listWorkflows handles GET /api/workflows.
func (s *Server) listWorkflows(c *gin.Context) {
	out := []WorkflowSummary{}
	if s.cfg != nil && s.cfg.WorkflowRegistry != nil {
		for id, wf := range s.cfg.WorkflowRegistry.GetAll() {
			out = append(out, WorkflowSummary{ID: id, Name: wf.Name, Phases: len(wf.Phases)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

// listPatterns handles GET /api/patterns.
func (s *Server) listPatterns(c *gin.Context) {
	out := []PatternSummary{}
	if s.cfg != nil && s.cfg.PatternRegistry != nil {
		for id, p := range s.cfg.PatternRegistry.GetAll() {
			out = append(out, PatternSummary{ID: id, Name: p.Name, Type: string(p.Type)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}
