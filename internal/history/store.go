package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-dev/castellan/internal/jobs"
)

// Action is one watchdog remediation attempt.
type Action struct {
	ID        string    `json:"id"`
	Plugin    string    `json:"plugin"`
	Trigger   string    `json:"trigger"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StateEntry is one recorded container state transition.
type StateEntry struct {
	Container string    `json:"container"`
	State     string    `json:"state"`
	At        time.Time `json:"at"`
}

// JobStat aggregates job outcomes per job name.
type JobStat struct {
	Job   string `json:"job"`
	Runs  int    `json:"runs"`
	Fails int    `json:"fails"`
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordAction stores one watchdog remediation, assigning its id.
func (s *Store) RecordAction(ctx context.Context, a Action) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_log(id, plugin, trigger_state, action, outcome, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, a.Plugin, a.Trigger, a.Action, a.Outcome, nullable(a.Error), now())
	if err != nil {
		return "", fmt.Errorf("record action: %w", err)
	}
	return id, nil
}

// RecordJob stores one guard result.
func (s *Store) RecordJob(ctx context.Context, res jobs.Result) error {
	var started any
	if !res.Started.IsZero() {
		started = res.Started.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log(job, outcome, reason, error, started_at, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, res.Job, string(res.Outcome), nullable(res.Reason), nullable(res.Err), started, res.Duration.Milliseconds(), now())
	if err != nil {
		return fmt.Errorf("record job result: %w", err)
	}
	return nil
}

// RecordState stores one container state transition.
func (s *Store) RecordState(ctx context.Context, container, state string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO state_log(container, state, at) VALUES(?, ?, ?);
`, container, state, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record state: %w", err)
	}
	return nil
}

// RecentActions returns the newest remediations, newest first.
func (s *Store) RecentActions(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, plugin, trigger_state, action, outcome, error, created_at
FROM action_log ORDER BY created_at DESC, rowid DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a        Action
			errS     sql.NullString
			createdS string
		)
		if err := rows.Scan(&a.ID, &a.Plugin, &a.Trigger, &a.Action, &a.Outcome, &errS, &createdS); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if errS.Valid {
			a.Error = errS.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentStates returns the newest transitions for one container,
// newest first.
func (s *Store) RecentStates(ctx context.Context, container string, limit int) ([]StateEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT container, state, at FROM state_log
WHERE container = ? ORDER BY at DESC, rowid DESC LIMIT ?;
`, container, limit)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var out []StateEntry
	for rows.Next() {
		var (
			e   StateEntry
			atS string
		)
		if err := rows.Scan(&e.Container, &e.State, &atS); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobStats aggregates run and failure counts per job.
func (s *Store) JobStats(ctx context.Context) ([]JobStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT job,
       COUNT(*) AS runs,
       SUM(CASE WHEN outcome = 'ran_failed' THEN 1 ELSE 0 END) AS fails
FROM job_log GROUP BY job ORDER BY job;
`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	defer rows.Close()

	var out []JobStat
	for rows.Next() {
		var st JobStat
		if err := rows.Scan(&st.Job, &st.Runs, &st.Fails); err != nil {
			return nil, fmt.Errorf("scan job stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune deletes rows older than retention across all tables.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	for _, stmt := range []string{
		`DELETE FROM action_log WHERE created_at < ?;`,
		`DELETE FROM job_log WHERE created_at < ?;`,
		`DELETE FROM state_log WHERE at < ?;`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
