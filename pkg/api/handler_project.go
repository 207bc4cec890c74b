package api

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/models"
)

// listProjects handles GET /api/projects.
func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.db.ListProjects(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, projects)
}

// createProject handles POST /api/projects.
func (s *Server) createProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	project := &models.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Path:        req.Path,
	}
	if err := s.db.CreateProject(c.Request.Context(), project); err != nil {
		respondStoreError(c, err)
		return
	}
	slog.Info("Project created", "project_id", project.ID, "author", extractAuthor(c))
	c.JSON(http.StatusCreated, project)
}

// setProjectMonitoring handles PUT /api/projects/:id/monitoring: toggles
// the TMA monitoring flag the feedback hooks consult.
func (s *Server) setProjectMonitoring(c *gin.Context) {
	var req MonitoringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.db.GetProject(ctx, id); err != nil {
		respondStoreError(c, err)
		return
	}
	if err := s.db.SetProjectMonitoring(ctx, id, *req.Enabled); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "tma_monitoring": *req.Enabled})
}

// createFeature handles POST /api/projects/:id/features.
func (s *Server) createFeature(c *gin.Context) {
	var req CreateFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	projectID := c.Param("id")
	if _, err := s.db.GetProject(ctx, projectID); err != nil {
		respondStoreError(c, err)
		return
	}

	feature := &models.Feature{
		ProjectID:       projectID,
		Title:           req.Title,
		Description:     req.Description,
		Status:          "open",
		BusinessValue:   req.BusinessValue,
		TimeCriticality: req.TimeCriticality,
		RiskReduction:   req.RiskReduction,
		JobSize:         req.JobSize,
	}
	if err := s.db.CreateFeature(ctx, feature); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feature)
}

// listFeatures handles GET /api/projects/:id/features: open backlog
// items sorted by WSJF priority.
func (s *Server) listFeatures(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("id")
	if _, err := s.db.GetProject(ctx, projectID); err != nil {
		respondStoreError(c, err)
		return
	}
	features, err := s.db.ListOpenFeatures(ctx, projectID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if features == nil {
		features = []*models.Feature{}
	}
	sort.SliceStable(features, func(i, j int) bool {
		return features[i].WSJF() > features[j].WSJF()
	})
	c.JSON(http.StatusOK, features)
}
