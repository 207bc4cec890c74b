package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/models"
)

const (
	defaultMessageLimit = 200
	maxMessageLimit     = 1000
)

// getSession handles GET /api/sessions/:id.
func (s *Server) getSession(c *gin.Context) {
	session, err := s.db.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// listMessages handles GET /api/sessions/:id/messages?after_seq=&limit=.
// after_seq lets a client page forward through a long transcript.
func (s *Server) listMessages(c *gin.Context) {
	var afterSeq int64
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = n
	}
	limit := defaultMessageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMessageLimit {
			respondError(c, http.StatusBadRequest,
				fmt.Sprintf("invalid limit: must be 1..%d", maxMessageLimit))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.db.GetSession(ctx, sessionID); err != nil {
		respondStoreError(c, err)
		return
	}
	messages, err := s.db.ListMessages(ctx, sessionID, afterSeq, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// listToolCalls handles GET /api/sessions/:id/toolcalls.
func (s *Server) listToolCalls(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.db.GetSession(ctx, sessionID); err != nil {
		respondStoreError(c, err)
		return
	}
	calls, err := s.db.ListToolCalls(ctx, sessionID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if calls == nil {
		calls = []*models.ToolCallRecord{}
	}
	c.JSON(http.StatusOK, calls)
}

// listArtifacts handles GET /api/sessions/:id/artifacts.
func (s *Server) listArtifacts(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.db.GetSession(ctx, sessionID); err != nil {
		respondStoreError(c, err)
		return
	}
	artifacts, err := s.db.ListArtifacts(ctx, sessionID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if artifacts == nil {
		artifacts = []*models.Artifact{}
	}
	c.JSON(http.StatusOK, artifacts)
}
