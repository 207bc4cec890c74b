package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/macaron-dev/macaron/pkg/models"
)

// CreateSession inserts a transcript session.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionActive
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, mission_id, project_id, title, status)
		VALUES ($1,NULLIF($2,''),$3,$4,$5)
		RETURNING created_at, updated_at`,
		sess.ID, sess.MissionID, sess.ProjectID, sess.Title, sess.Status).
		Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(mission_id,''), project_id, title, status, created_at, updated_at
		FROM sessions WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&sess.ID, &sess.MissionID, &sess.ProjectID, &sess.Title, &sess.Status,
			&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListIdleActiveSessions returns active sessions whose newest message (or
// creation when empty) is older than idleFor. The zombie sweep interrupts them.
func (s *Store) ListIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, COALESCE(s.mission_id,''), s.project_id, s.title, s.status, s.created_at, s.updated_at
		FROM sessions s
		WHERE s.status = 'active' AND s.deleted_at IS NULL
			AND COALESCE(
				(SELECT MAX(m.created_at) FROM messages m WHERE m.session_id = s.id),
				s.created_at) < now() - $1::interval
		ORDER BY s.created_at`, intervalArg(idleFor))
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsCreatedBefore returns sessions in the given status created
// more than the age ago.
func (s *Store) ListSessionsCreatedBefore(ctx context.Context, status models.SessionStatus, age time.Duration) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(mission_id,''), project_id, title, status, created_at, updated_at
		FROM sessions
		WHERE status = $1 AND deleted_at IS NULL AND created_at < now() - $2::interval
		ORDER BY created_at`, status, intervalArg(age))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", status, err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsUpdatedBefore returns sessions in the given status untouched
// for more than the age.
func (s *Store) ListSessionsUpdatedBefore(ctx context.Context, status models.SessionStatus, age time.Duration) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(mission_id,''), project_id, title, status, created_at, updated_at
		FROM sessions
		WHERE status = $1 AND deleted_at IS NULL AND updated_at < now() - $2::interval
		ORDER BY updated_at`, status, intervalArg(age))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", status, err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SoftDeleteSessionsOlderThan marks settled sessions past the retention
// age as deleted. Messages stay until the archive job drops them; reads
// filter on deleted_at. Returns how many sessions were touched.
func (s *Store) SoftDeleteSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET deleted_at = now()
		WHERE deleted_at IS NULL
			AND status IN ('completed','failed')
			AND updated_at < now() - $1::interval`, intervalArg(age))
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.MissionID, &sess.ProjectID, &sess.Title,
			&sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// AppendMessage appends one utterance to a session's transcript. The
// database assigns the per-session total order via the seq identity column.
func (s *Store) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.FromAgent == "" {
		m.FromAgent = models.SenderSystem
	}
	if m.ToAgent == "" {
		m.ToAgent = models.RecipientAll
	}
	if m.Type == "" {
		m.Type = models.MessageText
	}
	meta, err := marshalMap(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, session_id, from_agent, to_agent, message_type, content, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq, created_at`,
		m.ID, m.SessionID, m.FromAgent, m.ToAgent, m.Type, m.Content, meta).
		Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages with seq greater than afterSeq,
// in order. limit <= 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, seq, from_agent, to_agent, message_type, content, metadata, created_at
		FROM messages WHERE session_id = $1 AND seq > $2 ORDER BY seq`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// LastMessages returns the newest n messages of a session in chronological
// order. Agent prompt assembly uses it as conversation history.
func (s *Store) LastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, from_agent, to_agent, message_type, content, metadata, created_at
		FROM (
			SELECT id, session_id, seq, from_agent, to_agent, message_type, content, metadata, created_at
			FROM messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		) tail ORDER BY seq`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list last messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.FromAgent, &m.ToAgent,
			&m.Type, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		md, err := unmarshalMap(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
		m.Metadata = md
		out = append(out, &m)
	}
	return out, rows.Err()
}
