package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

// likeEscaper protects user search input inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// UpsertProjectMemory stores one fact in project memory, replacing by key.
func (s *Store) UpsertProjectMemory(ctx context.Context, e *models.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_project (project_id, key, value, category, source)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (project_id, key) DO UPDATE SET
			value = EXCLUDED.value, category = EXCLUDED.category,
			source = EXCLUDED.source, updated_at = now()`,
		e.ProjectID, e.Key, e.Value, e.Category, e.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert project memory: %w", err)
	}
	return nil
}

// GetProjectMemory fetches one project memory entry by key.
func (s *Store) GetProjectMemory(ctx context.Context, projectID, key string) (*models.MemoryEntry, error) {
	var e models.MemoryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, key, value, category, source, updated_at
		FROM memory_project WHERE project_id = $1 AND key = $2`, projectID, key).
		Scan(&e.ProjectID, &e.Key, &e.Value, &e.Category, &e.Source, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("memory %s/%s: %w", projectID, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project memory: %w", err)
	}
	return &e, nil
}

// SearchProjectMemory returns entries whose key or value contains the query,
// case-insensitive, newest first.
func (s *Store) SearchProjectMemory(ctx context.Context, projectID, query string, limit int) ([]*models.MemoryEntry, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	q := `SELECT project_id, key, value, category, source, updated_at
		FROM memory_project
		WHERE project_id = $1 AND (key ILIKE $2 OR value ILIKE $2)
		ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, projectID, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search project memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

// ListProjectMemory returns a project's memory entries, optionally filtered
// by category, newest first.
func (s *Store) ListProjectMemory(ctx context.Context, projectID, category string, limit int) ([]*models.MemoryEntry, error) {
	q := `SELECT project_id, key, value, category, source, updated_at
		FROM memory_project WHERE project_id = $1`
	args := []any{projectID}
	if category != "" {
		q += ` AND category = $2`
		args = append(args, category)
	}
	q += ` ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list project memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

// UpsertGlobalMemory stores one fact in global memory, replacing by key.
func (s *Store) UpsertGlobalMemory(ctx context.Context, e *models.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_global (key, value, category, source)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value, category = EXCLUDED.category,
			source = EXCLUDED.source, updated_at = now()`,
		e.Key, e.Value, e.Category, e.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert global memory: %w", err)
	}
	return nil
}

// SearchGlobalMemory returns global entries whose key or value contains the
// query, case-insensitive, newest first.
func (s *Store) SearchGlobalMemory(ctx context.Context, query string, limit int) ([]*models.MemoryEntry, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	q := `SELECT '', key, value, category, source, updated_at
		FROM memory_global
		WHERE key ILIKE $1 OR value ILIKE $1
		ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search global memory: %w", err)
	}
	defer rows.Close()
	return collectMemory(rows)
}

func collectMemory(rows *sql.Rows) ([]*models.MemoryEntry, error) {
	var out []*models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		if err := rows.Scan(&e.ProjectID, &e.Key, &e.Value, &e.Category, &e.Source, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
