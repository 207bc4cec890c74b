package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/store"
)

// listSettings handles GET /api/settings.
func (s *Server) listSettings(c *gin.Context) {
	settings, err := s.db.ListSettings(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if settings == nil {
		settings = []*store.Setting{}
	}
	c.JSON(http.StatusOK, settings)
}

// putSetting handles PUT /api/settings/:key. Guardrail overrides live
// under settings, so the rule cache is refreshed after every write.
func (s *Server) putSetting(c *gin.Context) {
	key := c.Param("key")
	var req SettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !json.Valid(req.Value) {
		respondError(c, http.StatusBadRequest, "value must be valid JSON")
		return
	}

	if err := s.db.UpsertSetting(c.Request.Context(), key, req.Value); err != nil {
		respondStoreError(c, err)
		return
	}
	if s.guardrails != nil {
		s.guardrails.Invalidate()
	}
	slog.Info("Setting updated", "key", key, "author", extractAuthor(c))
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
