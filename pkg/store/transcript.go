package store

import (
	"context"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

// RecordToolCall persists one executed tool call.
func (s *Store) RecordToolCall(ctx context.Context, tc *models.ToolCallRecord) error {
	if tc.ID == "" {
		tc.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_calls (id, session_id, agent_id, tool, args_json, result, ok, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		tc.ID, tc.SessionID, tc.AgentID, tc.Tool, tc.ArgsJSON, tc.Result, tc.OK, tc.DurationMs).
		Scan(&tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns a session's tool calls in execution order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, tool, args_json, result, ok, duration_ms, created_at
		FROM tool_calls WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolCallRecord
	for rows.Next() {
		var tc models.ToolCallRecord
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.AgentID, &tc.Tool, &tc.ArgsJSON,
			&tc.Result, &tc.OK, &tc.DurationMs, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		out = append(out, &tc)
	}
	return out, rows.Err()
}

// RecordArtifact persists one produced file reference.
func (s *Store) RecordArtifact(ctx context.Context, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Type == "" {
		a.Type = "file"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, session_id, phase_id, type, path, language, content, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		a.ID, a.SessionID, a.PhaseID, a.Type, a.Path, a.Language, a.Content, a.CreatedBy).
		Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a session's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, phase_id, type, path, language, content, created_by, created_at
		FROM artifacts WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PhaseID, &a.Type, &a.Path, &a.Language,
			&a.Content, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
