package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

// CreateSprint inserts a sprint row in running status.
func (s *Store) CreateSprint(ctx context.Context, sp *models.Sprint) error {
	if sp.ID == "" {
		sp.ID = newID()
	}
	if sp.Status == "" {
		sp.Status = "running"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sprints (id, mission_id, run_id, number, goal, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING started_at`,
		sp.ID, sp.MissionID, sp.RunID, sp.Number, sp.Goal, sp.Status).
		Scan(&sp.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sprint: %w", err)
	}
	return nil
}

// CompleteSprint closes a sprint with its outcome, velocity, and retrospective.
func (s *Store) CompleteSprint(ctx context.Context, id, status string, velocity int, retrospective string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sprints SET status = $2, velocity = $3, retrospective = $4, completed_at = now()
		WHERE id = $1`, id, status, velocity, retrospective)
	if err != nil {
		return fmt.Errorf("failed to complete sprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSprints returns a mission's sprints in number order.
func (s *Store) ListSprints(ctx context.Context, missionID string) ([]*models.Sprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, run_id, number, goal, status, velocity, retrospective,
			started_at, completed_at
		FROM sprints WHERE mission_id = $1 ORDER BY number`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprints: %w", err)
	}
	defer rows.Close()

	var out []*models.Sprint
	for rows.Next() {
		var sp models.Sprint
		var completed sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.MissionID, &sp.RunID, &sp.Number, &sp.Goal, &sp.Status,
			&sp.Velocity, &sp.Retrospective, &sp.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan sprint: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			sp.CompletedAt = &t
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

// NextSprintNumber returns the next sprint ordinal for a mission.
func (s *Store) NextSprintNumber(ctx context.Context, missionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM sprints WHERE mission_id = $1`, missionID).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to get next sprint number: %w", err)
	}
	return n, nil
}
