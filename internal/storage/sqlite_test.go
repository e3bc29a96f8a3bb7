package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/rig/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "rig.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id, agent string, started time.Time, outcome models.Outcome) *models.RunReport {
	report := &models.RunReport{
		RunID:      id,
		AgentID:    agent,
		Trigger:    models.TriggerSchedule,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Outcome:    outcome,
		Steps: []models.StepReport{
			{Step: "search_web", Outcome: models.StepSuccess, StartedAt: started, FinishedAt: started.Add(time.Second)},
		},
		Context: map[string]any{"count": 3.0, "query": "go"},
	}
	if outcome == models.OutcomePartialFailure {
		report.Steps = append(report.Steps, models.StepReport{
			Step: "save_index", Outcome: models.StepFailure, Error: "disk full",
			StartedAt: started.Add(time.Second), FinishedAt: started.Add(2 * time.Second),
		})
	}
	return report
}

func TestStorage_RecordAndGetRun(t *testing.T) {
	s := newTestStorage(t)
	started := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(sampleReport("run-1", "research", started, models.OutcomePartialFailure)))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "research", got.AgentID)
	assert.Equal(t, models.TriggerSchedule, got.Trigger)
	assert.Equal(t, models.OutcomePartialFailure, got.Outcome)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, map[string]any{"count": 3.0, "query": "go"}, got.Context)

	require.Len(t, got.Steps, 2)
	assert.Equal(t, "search_web", got.Steps[0].Step)
	assert.Equal(t, models.StepFailure, got.Steps[1].Outcome)
	assert.Equal(t, "disk full", got.Steps[1].Error)
	assert.Equal(t, "save_index", got.FailedStep().Step)

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStorage_RecordValidationFailure(t *testing.T) {
	s := newTestStorage(t)
	report := &models.RunReport{
		RunID:      "run-v",
		AgentID:    "broken",
		Trigger:    models.TriggerManual,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Outcome:    models.OutcomeFatal,
		Steps:      []models.StepReport{},
		Error:      "Unknown step: serch_web. Available steps: search_web",
	}
	require.NoError(t, s.RecordRun(report))

	got, err := s.GetRun("run-v")
	require.NoError(t, err)
	assert.Empty(t, got.Steps)
	assert.Equal(t, report.Error, got.Error)
	assert.Nil(t, got.Context)
}

func TestStorage_ListRuns(t *testing.T) {
	s := newTestStorage(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(sampleReport("r1", "research", base, models.OutcomeSuccess)))
	require.NoError(t, s.RecordRun(sampleReport("r2", "digest", base.Add(time.Hour), models.OutcomeSuccess)))
	require.NoError(t, s.RecordRun(sampleReport("r3", "research", base.Add(2*time.Hour), models.OutcomePartialFailure)))

	all, err := s.ListRuns("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].RunID, "newest first")
	assert.Equal(t, 2, all[0].StepCount)
	assert.Equal(t, "save_index", all[0].FailedStep)
	assert.Equal(t, 2*time.Second, all[0].Duration())

	research, err := s.ListRuns("research", 10)
	require.NoError(t, err)
	require.Len(t, research, 2)
	assert.Equal(t, "r3", research[0].RunID)
	assert.Equal(t, "r1", research[1].RunID)

	limited, err := s.ListRuns("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.DeleteRun("r3"))
	research, err = s.ListRuns("research", 10)
	require.NoError(t, err)
	assert.Len(t, research, 1)
}

func TestStorage_ScheduleState(t *testing.T) {
	s := newTestStorage(t)
	last := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)

	require.NoError(t, s.SaveScheduleState(models.ScheduleState{AgentID: "research", LastRunAt: &last, NextRunAt: &next, Running: true}))
	require.NoError(t, s.SaveScheduleState(models.ScheduleState{AgentID: "research", LastRunAt: &last, NextRunAt: &next, LastOutcome: models.OutcomeSuccess}))
	require.NoError(t, s.SaveScheduleState(models.ScheduleState{AgentID: "adhoc"}))

	states, err := s.LoadScheduleStates()
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "adhoc", states[0].AgentID)
	assert.Nil(t, states[0].LastRunAt)
	assert.Nil(t, states[0].NextRunAt)

	research := states[1]
	assert.False(t, research.Running)
	assert.Equal(t, models.OutcomeSuccess, research.LastOutcome)
	require.NotNil(t, research.NextRunAt)
	assert.True(t, research.NextRunAt.Equal(next))

	var stamped bool
	require.NoError(t, s.db.QueryRow(
		`SELECT updated_at IS NOT NULL FROM schedule_state WHERE agent_id = ?`, "adhoc").Scan(&stamped))
	assert.True(t, stamped)
}

func TestStorage_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordRun(sampleReport("r1", "research", time.Now(), models.OutcomeSuccess)))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	runs, err := s.ListRuns("", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "just now", formatTimeAgo(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", formatTimeAgo(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatTimeAgo(now.Add(-3*time.Hour), now))
	assert.Equal(t, "Apr 28", formatTimeAgo(now.Add(-72*time.Hour), now))
	assert.Equal(t, "in 15m", formatTimeAgo(now.Add(15*time.Minute), now))
	assert.Equal(t, "in 2h", formatTimeAgo(now.Add(2*time.Hour), now))
}
