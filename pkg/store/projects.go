package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

// CreateProject inserts a project, generating an id when none is set.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, description, path, tma_monitoring)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Path, p.TMAMonitoring).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, path, tma_monitoring, created_at, updated_at
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Path, &p.TMAMonitoring, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, path, tma_monitoring, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Path, &p.TMAMonitoring,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListMonitoredProjects returns projects with TMA monitoring enabled.
func (s *Store) ListMonitoredProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, path, tma_monitoring, created_at, updated_at
		FROM projects WHERE tma_monitoring ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Path, &p.TMAMonitoring,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetProjectMonitoring toggles TMA monitoring on a project.
func (s *Store) SetProjectMonitoring(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET tma_monitoring = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set project monitoring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateFeature inserts a backlog feature, generating an id when none is set.
func (s *Store) CreateFeature(ctx context.Context, f *models.Feature) error {
	if f.ID == "" {
		f.ID = newID()
	}
	if f.Status == "" {
		f.Status = "open"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO features (id, project_id, title, description, status,
			business_value, time_criticality, risk_reduction, job_size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		f.ID, f.ProjectID, f.Title, f.Description, f.Status,
		f.BusinessValue, f.TimeCriticality, f.RiskReduction, f.JobSize).
		Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

// ListOpenFeatures returns open backlog features for a project.
func (s *Store) ListOpenFeatures(ctx context.Context, projectID string) ([]*models.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status,
			business_value, time_criticality, risk_reduction, job_size, created_at
		FROM features WHERE project_id = $1 AND status = 'open'
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var out []*models.Feature
	for rows.Next() {
		var f models.Feature
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Title, &f.Description, &f.Status,
			&f.BusinessValue, &f.TimeCriticality, &f.RiskReduction, &f.JobSize, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
