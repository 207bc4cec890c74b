package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Setting is one platform_settings row.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetSetting fetches one process-wide setting by key.
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// UpsertSetting stores one process-wide setting, replacing by key.
func (s *Store) UpsertSetting(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO platform_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, encoded)
	if err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}

// ListSettings returns every process-wide setting.
func (s *Store) ListSettings(ctx context.Context) ([]*Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM platform_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		var st Setting
		var value []byte
		if err := rows.Scan(&st.Key, &value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		st.Value = value
		out = append(out, &st)
	}
	return out, rows.Err()
}
