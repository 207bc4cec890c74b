package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/macaron-dev/macaron/pkg/models"
)

// InsertAudit appends one admin audit log entry.
func (s *Store) InsertAudit(ctx context.Context, rec *models.AuditRecord) error {
	details, err := marshalMap(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO admin_audit_log (event_type, actor_id, target_type, target_id, details)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		rec.EventType, rec.ActorID, rec.TargetType, rec.TargetID, details).
		Scan(&id, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	rec.ID = strconv.FormatInt(id, 10)
	return nil
}

// ListAuditSince returns audit entries newer than the cutoff, oldest first.
func (s *Store) ListAuditSince(ctx context.Context, since time.Time, limit int) ([]*models.AuditRecord, error) {
	q := `SELECT id, event_type, actor_id, target_type, target_id, details, created_at
		FROM admin_audit_log WHERE created_at >= $1 ORDER BY created_at`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var id int64
		var details []byte
		if err := rows.Scan(&id, &rec.EventType, &rec.ActorID, &rec.TargetType,
			&rec.TargetID, &details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		d, err := unmarshalMap(details)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
		rec.Details = d
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// InsertUsage records one LLM call's token accounting.
func (s *Store) InsertUsage(ctx context.Context, u *models.UsageRecord) error {
	if u.ID == "" {
		u.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO llm_usage (id, session_id, agent_id, provider, model, tokens_in, tokens_out, duration_ms, ok)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		u.ID, u.SessionID, u.AgentID, u.Provider, u.Model,
		u.TokensIn, u.TokensOut, u.DurationMs, u.OK).
		Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// UsageTotals aggregates LLM usage since the cutoff.
type UsageTotals struct {
	Calls     int   `json:"calls"`
	Failed    int   `json:"failed"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// SumUsageSince aggregates llm_usage rows newer than the cutoff.
func (s *Store) SumUsageSince(ctx context.Context, since time.Time) (*UsageTotals, error) {
	var t UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT ok),
			COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0)
		FROM llm_usage WHERE created_at >= $1`, since).
		Scan(&t.Calls, &t.Failed, &t.TokensIn, &t.TokensOut)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}
	return &t, nil
}

// InsertEndurance appends one watchdog metric sample.
func (s *Store) InsertEndurance(ctx context.Context, p *models.EndurancePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endurance_metrics (metric, value, detail) VALUES ($1,$2,$3)`,
		p.Metric, p.Value, p.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert endurance point: %w", err)
	}
	return nil
}

// PruneEndurance drops metric samples older than the retention age.
// Returns how many rows were removed.
func (s *Store) PruneEndurance(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM endurance_metrics WHERE ts < now() - $1::interval`, intervalArg(age))
	if err != nil {
		return 0, fmt.Errorf("failed to prune endurance metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordIncident upserts a platform incident by its stable key. On repeat
// occurrences the counter and last_seen advance and the incident reopens.
// The returned row carries the updated occurrence count.
func (s *Store) RecordIncident(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if inc.ID == "" {
		inc.ID = newID()
	}
	if inc.Status == "" {
		inc.Status = models.IncidentOpen
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO platform_incidents (id, project_id, incident_key, kind, severity, fingerprint, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (incident_key) DO UPDATE SET
			occurrences = platform_incidents.occurrences + 1,
			last_seen = now(),
			severity = EXCLUDED.severity,
			status = 'open',
			resolved_at = NULL
		RETURNING id, project_id, incident_key, kind, severity, fingerprint,
			occurrences, status, first_seen, last_seen, resolved_at`,
		inc.ID, inc.ProjectID, inc.IncidentKey, inc.Kind, inc.Severity, inc.Fingerprint, inc.Status)
	out, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record incident: %w", err)
	}
	return out, nil
}

// GetIncident fetches one incident by its stable key.
func (s *Store) GetIncident(ctx context.Context, key string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, incident_key, kind, severity, fingerprint,
			occurrences, status, first_seen, last_seen, resolved_at
		FROM platform_incidents WHERE incident_key = $1`, key)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("incident %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ResolveIncident closes an incident by its stable key.
func (s *Store) ResolveIncident(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_incidents SET status = 'closed', resolved_at = now()
		WHERE incident_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", key, ErrNotFound)
	}
	return nil
}

// CountOpenIncidents returns how many incidents are currently open.
func (s *Store) CountOpenIncidents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM platform_incidents WHERE status = 'open'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open incidents: %w", err)
	}
	return n, nil
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var resolved sql.NullTime
	err := row.Scan(&inc.ID, &inc.ProjectID, &inc.IncidentKey, &inc.Kind, &inc.Severity,
		&inc.Fingerprint, &inc.Occurrences, &inc.Status, &inc.FirstSeen, &inc.LastSeen, &resolved)
	if err != nil {
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}
