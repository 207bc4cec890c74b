package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

const agentColumns = `id, name, role, hierarchy_rank, system_prompt, persona, description,
	skills, can_delegate, can_veto, can_approve, provider, model, temperature, max_tokens,
	avatar, tagline`

// UpsertAgent inserts or replaces an agent definition by id.
func (s *Store) UpsertAgent(ctx context.Context, a *models.AgentDef) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return fmt.Errorf("failed to marshal skills: %w", err)
	}
	if a.Skills == nil {
		skills = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, hierarchy_rank, system_prompt, persona, description,
			skills, can_delegate, can_veto, can_approve, provider, model, temperature, max_tokens,
			avatar, tagline)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role, hierarchy_rank = EXCLUDED.hierarchy_rank,
			system_prompt = EXCLUDED.system_prompt, persona = EXCLUDED.persona,
			description = EXCLUDED.description, skills = EXCLUDED.skills,
			can_delegate = EXCLUDED.can_delegate, can_veto = EXCLUDED.can_veto,
			can_approve = EXCLUDED.can_approve, provider = EXCLUDED.provider,
			model = EXCLUDED.model, temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens, avatar = EXCLUDED.avatar,
			tagline = EXCLUDED.tagline, updated_at = now()`,
		a.ID, a.Name, a.Role, a.HierarchyRank, a.SystemPrompt, a.Persona, a.Description,
		skills, a.Permissions.CanDelegate, a.Permissions.CanVeto, a.Permissions.CanApprove,
		a.Provider, a.Model, a.Temperature, a.MaxTokens, a.Avatar, a.Tagline)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent fetches one agent definition by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.AgentDef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all agent definitions ordered by hierarchy rank.
func (s *Store) ListAgents(ctx context.Context) ([]*models.AgentDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY hierarchy_rank, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentDef
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent definition.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.AgentDef, error) {
	var a models.AgentDef
	var skills []byte
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.HierarchyRank, &a.SystemPrompt, &a.Persona,
		&a.Description, &skills, &a.Permissions.CanDelegate, &a.Permissions.CanVeto,
		&a.Permissions.CanApprove, &a.Provider, &a.Model, &a.Temperature, &a.MaxTokens,
		&a.Avatar, &a.Tagline)
	if err != nil {
		return nil, err
	}
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &a.Skills); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skills: %w", err)
		}
	}
	return &a, nil
}
