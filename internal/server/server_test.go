package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) RunAgent(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger) (*models.RunReport, error) {
	if b.started != nil {
		b.started <- struct{}{}
		<-b.release
	}
	return &models.RunReport{RunID: "run-" + agent.ID, AgentID: agent.ID, Trigger: trigger, Outcome: models.OutcomeSuccess}, nil
}

type fakeRuns struct {
	records []*models.RunRecord
	gotArgs []any
}

func (f *fakeRuns) ListRuns(agentID string, limit int) ([]*models.RunRecord, error) {
	f.gotArgs = []any{agentID, limit}
	return f.records, nil
}

func (f *fakeRuns) GetRun(id string) (*models.RunReport, error) {
	if id == "known" {
		return &models.RunReport{RunID: id, Outcome: models.OutcomeSuccess}, nil
	}
	return nil, sql.ErrNoRows
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, d scheduler.Dispatcher, runs *fakeRuns) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	agents := []models.AgentConfig{
		{ID: "research", Enabled: true, Schedule: models.Schedule{Cron: "0 6 * * *"}, Pipeline: []models.PipelineStepSpec{{Step: "health_check"}}},
		{ID: "adhoc", Enabled: false, Pipeline: []models.PipelineStepSpec{{Step: "health_check"}}},
	}
	sched, err := scheduler.New(agents, d, scheduler.Options{Location: time.UTC, Log: quietLogger()})
	require.NoError(t, err)

	srv := httptest.NewServer(New(sched, runs, quietLogger()).Router())
	t.Cleanup(srv.Close)
	return srv, sched
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &blockingDispatcher{}, &fakeRuns{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 2.0, body["agents"])
	assert.Equal(t, 0.0, body["running"])
	assert.Contains(t, body, "dispatched")
	assert.Contains(t, body, "skipped")
}

func TestListAgents(t *testing.T) {
	srv, _ := newTestServer(t, &blockingDispatcher{}, &fakeRuns{})

	resp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)

	var agents []scheduler.AgentStatus
	decode(t, resp, &agents)
	require.Len(t, agents, 2)
	assert.Equal(t, "research", agents[0].ID)
	assert.NotNil(t, agents[0].NextRunAt)
	assert.False(t, agents[1].Enabled)
	assert.Nil(t, agents[1].NextRunAt)
}

func TestGetAgent(t *testing.T) {
	srv, _ := newTestServer(t, &blockingDispatcher{}, &fakeRuns{})

	resp, err := http.Get(srv.URL + "/agents/research")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var agent models.AgentConfig
	decode(t, resp, &agent)
	assert.Equal(t, "research", agent.ID)
	assert.Equal(t, "0 6 * * *", agent.Schedule.Cron)
	assert.Equal(t, []string{"health_check"}, agent.StepNames())

	resp, err = http.Get(srv.URL + "/agents/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAgent(t *testing.T) {
	srv, _ := newTestServer(t, &blockingDispatcher{}, &fakeRuns{})

	resp, err := http.Post(srv.URL+"/agents/adhoc/run", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report models.RunReport
	decode(t, resp, &report)
	assert.Equal(t, "adhoc", report.AgentID)
	assert.Equal(t, models.TriggerManual, report.Trigger)

	resp, err = http.Post(srv.URL+"/agents/ghost/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAgent_ConflictWhileRunning(t *testing.T) {
	d := &blockingDispatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	srv, sched := newTestServer(t, d, &fakeRuns{})

	done := make(chan error, 1)
	go func() {
		_, err := sched.RunNow(context.Background(), "research")
		done <- err
	}()
	<-d.started

	resp, err := http.Post(srv.URL+"/agents/research/run", "application/json", nil)
	require.NoError(t, err)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "already running")

	close(d.release)
	require.NoError(t, <-done)
}

func TestListRuns(t *testing.T) {
	runs := &fakeRuns{records: []*models.RunRecord{{RunID: "r1", AgentID: "research", Outcome: models.OutcomeSuccess}}}
	srv, _ := newTestServer(t, &blockingDispatcher{}, runs)

	resp, err := http.Get(srv.URL + "/runs?agent=research&limit=5")
	require.NoError(t, err)
	var records []models.RunRecord
	decode(t, resp, &records)
	require.Len(t, records, 1)
	assert.Equal(t, []any{"research", 5}, runs.gotArgs)

	resp, err = http.Get(srv.URL + "/runs?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	runs.records = nil
	resp, err = http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, "[]", string(data))
	assert.Equal(t, []any{"", 20}, runs.gotArgs)
}

func TestGetRun(t *testing.T) {
	srv, _ := newTestServer(t, &blockingDispatcher{}, &fakeRuns{})

	for id, want := range map[string]int{"known": http.StatusOK, "unknown": http.StatusNotFound} {
		resp, err := http.Get(fmt.Sprintf("%s/runs/%s", srv.URL, id))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, id)
	}
}
