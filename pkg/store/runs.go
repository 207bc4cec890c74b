package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/macaron-dev/macaron/pkg/models"
)

// ErrNoRunsAvailable is returned by ClaimNextRun when no pending run exists.
var ErrNoRunsAvailable = errors.New("no pending runs available")

const runColumns = `id, mission_id, COALESCE(session_id,''), status, phases_json, current_phase,
	workspace_path, reloop_count, resume_attempts, last_resume_at, human_input_required,
	prev_context, error_message, claimed_by, created_at, started_at, completed_at, updated_at`

// CreateRun inserts a mission run in pending status.
func (s *Store) CreateRun(ctx context.Context, r *models.MissionRun) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = models.MissionPending
	}
	phases, err := marshalPhases(r.Phases)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO mission_runs (id, mission_id, session_id, status, phases_json,
			current_phase, workspace_path, prev_context)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		r.ID, r.MissionID, r.SessionID, r.Status, phases,
		r.CurrentPhase, r.WorkspacePath, r.PrevContext).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mission run: %w", err)
	}
	return nil
}

// GetRun fetches one mission run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.MissionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM mission_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return r, nil
}

// GetRunBySession fetches the run owning the given session.
func (s *Store) GetRunBySession(ctx context.Context, sessionID string) (*models.MissionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM mission_runs WHERE session_id = $1
		 ORDER BY created_at DESC LIMIT 1`, sessionID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run for session %s: %w", sessionID, err)
	}
	return r, nil
}

// ListRunsForMission returns a mission's runs newest first.
func (s *Store) ListRunsForMission(ctx context.Context, missionID string) ([]*models.MissionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM mission_runs WHERE mission_id = $1 ORDER BY created_at DESC`,
		missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ClaimNextRun atomically claims the oldest pending run for this pod using
// FOR UPDATE SKIP LOCKED, so concurrent workers never double-claim.
func (s *Store) ClaimNextRun(ctx context.Context, podID string) (*models.MissionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE mission_runs SET
			status = 'running',
			claimed_by = $1,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = (
			SELECT id FROM mission_runs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, podID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRunsAvailable
		}
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return r, nil
}

// CountActiveRuns returns how many runs are currently executing.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mission_runs WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return n, nil
}

// TouchRun bumps updated_at as a liveness heartbeat while a run executes.
func (s *Store) TouchRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mission_runs SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch run %s: %w", id, err)
	}
	return nil
}

// SaveRunPhases persists the run's phase list and current phase pointer.
func (s *Store) SaveRunPhases(ctx context.Context, id string, phases []models.PhaseState, currentPhase string) error {
	raw, err := marshalPhases(phases)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE mission_runs SET phases_json = $2, current_phase = $3, updated_at = now()
		WHERE id = $1`, id, raw, currentPhase)
	if err != nil {
		return fmt.Errorf("failed to save run phases: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run's status, recording an error message when
// one is given.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET status = $2,
			error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
			updated_at = now()
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishRun writes a terminal status with completion timestamp.
func (s *Store) FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET status = $2, error_message = $3,
			completed_at = now(), updated_at = now()
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRunContext stores the condensed context carried across pause/resume.
func (s *Store) SetRunContext(ctx context.Context, id, prevContext string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET prev_context = $2, updated_at = now() WHERE id = $1`,
		id, prevContext)
	if err != nil {
		return fmt.Errorf("failed to set run context: %w", err)
	}
	return nil
}

// SetRunHumanInput flags whether the run is blocked on a human decision.
// Runs flagged this way are skipped by automatic resume.
func (s *Store) SetRunHumanInput(ctx context.Context, id string, required bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET human_input_required = $2, updated_at = now() WHERE id = $1`,
		id, required)
	if err != nil {
		return fmt.Errorf("failed to set run human input flag: %w", err)
	}
	return nil
}

// SetRunReloops stores the reloop counter after a failure-driven loopback.
func (s *Store) SetRunReloops(ctx context.Context, id string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET reloop_count = $2, updated_at = now() WHERE id = $1`,
		id, count)
	if err != nil {
		return fmt.Errorf("failed to set run reloop count: %w", err)
	}
	return nil
}

// ResumeRun re-queues a paused or interrupted run, bumping the resume
// bookkeeping so backoff and the attempt cap apply.
func (s *Store) ResumeRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET status = 'pending', claimed_by = '',
			resume_attempts = resume_attempts + 1, last_resume_at = now(),
			human_input_required = FALSE, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed','failed','abandoned')`, id)
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// RevertRunResume undoes a resume that could not be handed to the queue,
// restoring the previous status. The attempt counter keeps its bump so
// the backoff schedule still advances.
func (s *Store) RevertRunResume(ctx context.Context, id string, prev models.MissionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mission_runs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, prev)
	if err != nil {
		return fmt.Errorf("failed to revert run resume: %w", err)
	}
	return nil
}

// ListRunsByStatusOlderThan returns runs in the given status whose last
// update is older than the threshold, oldest first. Watchdog scans use it
// for stall, stale-validation, and auto-resume detection.
func (s *Store) ListRunsByStatusOlderThan(ctx context.Context, status models.MissionStatus, olderThan time.Duration, limit int) ([]*models.MissionRun, error) {
	query := `SELECT ` + runColumns + ` FROM mission_runs
		WHERE status = $1 AND updated_at < now() - $2::interval
		ORDER BY updated_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, status, intervalArg(olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s runs: %w", status, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListResumableRuns returns paused runs eligible for automatic resume:
// not waiting on a human and under the attempt cap, oldest first.
func (s *Store) ListResumableRuns(ctx context.Context, maxAttempts, limit int) ([]*models.MissionRun, error) {
	query := `SELECT ` + runColumns + ` FROM mission_runs
		WHERE status = 'paused' AND NOT human_input_required AND resume_attempts < $1
		ORDER BY updated_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecoverOrphanRuns re-queues running runs that lost their worker: either
// claimed by this pod before a restart, or heartbeat-silent past the
// threshold. Returns the ids of recovered runs.
func (s *Store) RecoverOrphanRuns(ctx context.Context, podID string, heartbeatTimeout time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE mission_runs SET status = 'pending', claimed_by = '', updated_at = now()
		WHERE status = 'running'
			AND (claimed_by = $1 OR updated_at < now() - $2::interval)
		RETURNING id`, podID, intervalArg(heartbeatTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphan runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan orphan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRunsByStatus tallies runs per status for the daily health report.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mission_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.MissionStatus]int)
	for rows.Next() {
		var status models.MissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// intervalArg renders a duration as a Postgres interval literal.
func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

func marshalPhases(phases []models.PhaseState) ([]byte, error) {
	if phases == nil {
		phases = []models.PhaseState{}
	}
	raw, err := json.Marshal(phases)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phases: %w", err)
	}
	return raw, nil
}

func collectRuns(rows *sql.Rows) ([]*models.MissionRun, error) {
	var out []*models.MissionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*models.MissionRun, error) {
	var r models.MissionRun
	var phases []byte
	var lastResume, startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.MissionID, &r.SessionID, &r.Status, &phases, &r.CurrentPhase,
		&r.WorkspacePath, &r.ReloopCount, &r.ResumeAttempts, &lastResume, &r.HumanInputRequired,
		&r.PrevContext, &r.Error, &r.ClaimedBy, &r.CreatedAt, &startedAt, &completedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &r.Phases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phases: %w", err)
		}
	}
	if lastResume.Valid {
		t := lastResume.Time
		r.LastResumeAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
