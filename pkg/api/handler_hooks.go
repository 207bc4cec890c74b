package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// hookSecurity handles POST /api/hooks/security: an external scanner
// reports a finding. High and critical severities may spawn a bug
// mission; the feedback service dedupes and decides.
func (s *Server) hookSecurity(c *gin.Context) {
	if s.feedback == nil {
		respondError(c, http.StatusServiceUnavailable, "feedback hooks disabled")
		return
	}
	var req SecurityHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.feedback.OnSecurityAlert(c.Request.Context(), req.ProjectID, req.Severity, req.Title, req.Detail)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// hookIncident handles POST /api/hooks/incident: one production incident
// occurrence. Repeated occurrences of the same key trigger a root-cause
// mission.
func (s *Server) hookIncident(c *gin.Context) {
	if s.feedback == nil {
		respondError(c, http.StatusServiceUnavailable, "feedback hooks disabled")
		return
	}
	var req IncidentHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.feedback.RecordIncident(c.Request.Context(), req.ProjectID, req.Key)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// hookIncidentResolved handles POST /api/hooks/incident/resolve: the
// incident is fixed, its occurrence counter resets.
func (s *Server) hookIncidentResolved(c *gin.Context) {
	if s.feedback == nil {
		respondError(c, http.StatusServiceUnavailable, "feedback hooks disabled")
		return
	}
	var req IncidentHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.feedback.OnTMAIncidentFixed(c.Request.Context(), req.Key)
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
