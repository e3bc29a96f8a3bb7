package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/rig/internal/models"
	_ "modernc.org/sqlite"
)

// Storage keeps run history and the scheduler's last-known state.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Concurrent runs record through one connection; SQLite serialises
	// writers anyway.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		error TEXT,
		context TEXT
	);

	CREATE TABLE IF NOT EXISTS step_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		sequence_num INTEGER NOT NULL,
		step TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, sequence_num)
	);

	CREATE TABLE IF NOT EXISTS schedule_state (
		agent_id TEXT PRIMARY KEY,
		last_run_at TIMESTAMP,
		next_run_at TIMESTAMP,
		running INTEGER NOT NULL DEFAULT 0,
		last_outcome TEXT,
		updated_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database is reachable. It backs the health_check step.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordRun stores a finished report with its steps. It satisfies
// orchestrator.Recorder.
func (s *Storage) RecordRun(report *models.RunReport) error {
	var contextJSON *string
	if report.Context != nil {
		data, err := json.Marshal(report.Context)
		if err != nil {
			return fmt.Errorf("failed to encode run context: %w", err)
		}
		str := string(data)
		contextJSON = &str
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, agent_id, trigger_kind, outcome, started_at, finished_at, error, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.AgentID, string(report.Trigger), string(report.Outcome),
		report.StartedAt.UTC(), report.FinishedAt.UTC(), nullString(report.Error), contextJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, step := range report.Steps {
		_, err := tx.Exec(
			`INSERT INTO step_results (run_id, sequence_num, step, outcome, error, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, i, step.Step, string(step.Outcome), nullString(step.Error),
			step.StartedAt.UTC(), step.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step result: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun loads a full report. It returns sql.ErrNoRows for an unknown id.
func (s *Storage) GetRun(id string) (*models.RunReport, error) {
	row := s.db.QueryRow(
		`SELECT id, agent_id, trigger_kind, outcome, started_at, finished_at, error, context
		 FROM runs WHERE id = ?`, id,
	)

	var report models.RunReport
	var trigger, outcome string
	var runErr, contextJSON sql.NullString

	err := row.Scan(
		&report.RunID, &report.AgentID, &trigger, &outcome,
		&report.StartedAt, &report.FinishedAt, &runErr, &contextJSON,
	)
	if err != nil {
		return nil, err
	}
	report.Trigger = models.Trigger(trigger)
	report.Outcome = models.Outcome(outcome)
	if runErr.Valid {
		report.Error = runErr.String
	}
	if contextJSON.Valid {
		var rc map[string]any
		if err := json.Unmarshal([]byte(contextJSON.String), &rc); err == nil {
			report.Context = rc
		}
	}

	steps, err := s.stepsForRun(id)
	if err != nil {
		return nil, err
	}
	report.Steps = steps

	return &report, nil
}

func (s *Storage) stepsForRun(runID string) ([]models.StepReport, error) {
	rows, err := s.db.Query(
		`SELECT step, outcome, error, started_at, finished_at
		 FROM step_results WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.StepReport{}
	for rows.Next() {
		var step models.StepReport
		var outcome string
		var stepErr sql.NullString

		if err := rows.Scan(&step.Step, &outcome, &stepErr, &step.StartedAt, &step.FinishedAt); err != nil {
			return nil, err
		}
		step.Outcome = models.StepOutcome(outcome)
		if stepErr.Valid {
			step.Error = stepErr.String
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// ListRuns returns the most recent runs first. An empty agentID lists all
// agents.
func (s *Storage) ListRuns(agentID string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT r.id, r.agent_id, r.trigger_kind, r.outcome, r.started_at, r.finished_at, r.error,
		        (SELECT COUNT(*) FROM step_results sr WHERE sr.run_id = r.id),
		        (SELECT sr.step FROM step_results sr WHERE sr.run_id = r.id AND sr.outcome = 'failure' LIMIT 1)
		 FROM runs r
		 WHERE ? = '' OR r.agent_id = ?
		 ORDER BY r.started_at DESC LIMIT ?`, agentID, agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		var trigger, outcome string
		var runErr, failedStep sql.NullString

		err := rows.Scan(
			&rec.RunID, &rec.AgentID, &trigger, &outcome, &rec.StartedAt, &rec.FinishedAt,
			&runErr, &rec.StepCount, &failedStep,
		)
		if err != nil {
			return nil, err
		}

		rec.Trigger = models.Trigger(trigger)
		rec.Outcome = models.Outcome(outcome)
		if runErr.Valid {
			rec.Error = runErr.String
		}
		if failedStep.Valid {
			rec.FailedStep = failedStep.String
		}

		runs = append(runs, &rec)
	}

	return runs, rows.Err()
}

func (s *Storage) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM step_results WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveScheduleState upserts the scheduler's view of one agent. It satisfies
// scheduler.StateStore.
func (s *Storage) SaveScheduleState(state models.ScheduleState) error {
	_, err := s.db.Exec(
		`INSERT INTO schedule_state (agent_id, last_run_at, next_run_at, running, last_outcome, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			running = excluded.running,
			last_outcome = excluded.last_outcome,
			updated_at = excluded.updated_at`,
		state.AgentID, nullTime(state.LastRunAt), nullTime(state.NextRunAt), state.Running,
		nullString(string(state.LastOutcome)), time.Now().UTC(),
	)
	return err
}

func (s *Storage) LoadScheduleStates() ([]models.ScheduleState, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, last_run_at, next_run_at, running, last_outcome
		 FROM schedule_state ORDER BY agent_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []models.ScheduleState
	for rows.Next() {
		var st models.ScheduleState
		var lastRun, nextRun sql.NullTime
		var outcome sql.NullString

		if err := rows.Scan(&st.AgentID, &lastRun, &nextRun, &st.Running, &outcome); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			st.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			st.NextRunAt = &nextRun.Time
		}
		if outcome.Valid {
			st.LastOutcome = models.Outcome(outcome.String)
		}

		states = append(states, st)
	}

	return states, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	return formatTimeAgo(t, time.Now())
}

func formatTimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return formatTimeUntil(-d, t)
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}

func formatTimeUntil(d time.Duration, t time.Time) string {
	switch {
	case d < time.Minute:
		return "in <1m"
	case d < time.Hour:
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(d.Hours()))
	default:
		return t.Format("Jan 2 15:04")
	}
}
