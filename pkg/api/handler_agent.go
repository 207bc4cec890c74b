package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/models"
)

// listAgents handles GET /api/agents.
func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.db.ListAgents(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if agents == nil {
		agents = []*models.AgentDef{}
	}
	c.JSON(http.StatusOK, agents)
}

// getAgent handles GET /api/agents/:id.
func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.db.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// upsertAgent handles POST /api/agents and PUT /api/agents/:id. The
// path id wins over the body id on PUT. Caches keyed on agent config
// are invalidated after the write.
func (s *Server) upsertAgent(c *gin.Context) {
	var agent models.AgentDef
	if err := c.ShouldBindJSON(&agent); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if id := c.Param("id"); id != "" {
		agent.ID = id
	}
	if agent.ID == "" || agent.Name == "" || agent.Role == "" {
		respondError(c, http.StatusBadRequest, "id, name and role are required")
		return
	}
	if agent.HierarchyRank < 0 || agent.HierarchyRank > 100 {
		respondError(c, http.StatusBadRequest, "hierarchy_rank must be 0..100")
		return
	}

	if err := s.db.UpsertAgent(c.Request.Context(), &agent); err != nil {
		respondStoreError(c, err)
		return
	}
	if s.guardrails != nil {
		s.guardrails.Invalidate()
	}
	slog.Info("Agent upserted", "agent_id", agent.ID, "author", extractAuthor(c))
	c.JSON(http.StatusOK, agent)
}

// deleteAgent handles DELETE /api/agents/:id.
func (s *Server) deleteAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.db.DeleteAgent(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	if s.guardrails != nil {
		s.guardrails.Invalidate()
	}
	slog.Info("Agent deleted", "agent_id", id, "author", extractAuthor(c))
	c.Status(http.StatusNoContent)
}
