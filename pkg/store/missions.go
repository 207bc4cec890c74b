package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

const missionColumns = `id, COALESCE(project_id,''), name, brief, type, category, status,
	workflow_id, workspace_path, config, author, created_at, updated_at`

// CreateMission inserts a mission, generating an id when none is set.
func (s *Store) CreateMission(ctx context.Context, m *models.Mission) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = models.MissionPending
	}
	cfg, err := marshalMap(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal mission config: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO missions (id, project_id, name, brief, type, category, status,
			workflow_id, workspace_path, config, author)
		VALUES ($1,NULLIF($2,''),$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		m.ID, m.ProjectID, m.Name, m.Brief, m.Type, m.Category, m.Status,
		m.WorkflowID, m.WorkspacePath, cfg, m.Author).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mission: %w", err)
	}
	return nil
}

// GetMission fetches one mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get mission %s: %w", id, err)
	}
	return m, nil
}

// ListMissions returns missions newest first, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var out []*models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMissionStatus transitions a mission's lifecycle status.
func (s *Store) UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE missions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update mission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMissionWorkspace records the workspace directory assigned to a mission.
func (s *Store) SetMissionWorkspace(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE missions SET workspace_path = $2, updated_at = now() WHERE id = $1`, id, path)
	if err != nil {
		return fmt.Errorf("failed to set mission workspace: %w", err)
	}
	return nil
}

// CountMissionsByStatus tallies missions per status for health reporting.
func (s *Store) CountMissionsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count missions: %w", err)
	}
	defer rows.Close()

	out := make(map[models.MissionStatus]int)
	for rows.Next() {
		var status models.MissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mission count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ActiveMissionOnPath returns the id of a non-terminal mission bound to the
// given workspace path, or "" when the path is free.
func (s *Store) ActiveMissionOnPath(ctx context.Context, path string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM missions
		WHERE workspace_path = $1 AND status NOT IN ('completed','failed','abandoned')
		LIMIT 1`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check workspace path: %w", err)
	}
	return id, nil
}

func scanMission(row rowScanner) (*models.Mission, error) {
	var m models.Mission
	var cfg []byte
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Brief, &m.Type, &m.Category, &m.Status,
		&m.WorkflowID, &m.WorkspacePath, &cfg, &m.Author, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Config, err = unmarshalMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal mission config: %w", err)
	}
	return &m, nil
}
