package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/rig/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher blocks each run until release is closed, when set.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []models.Trigger
	started chan string
	release chan struct{}
	panics  bool
}

func newFakeDispatcher(blocking bool) *fakeDispatcher {
	f := &fakeDispatcher{started: make(chan string, 16)}
	if blocking {
		f.release = make(chan struct{})
	}
	return f
}

func (f *fakeDispatcher) RunAgent(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger) (*models.RunReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, trigger)
	f.mu.Unlock()

	f.started <- agent.ID
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("dispatcher exploded")
	}
	return &models.RunReport{AgentID: agent.ID, Trigger: trigger, Outcome: models.OutcomeSuccess}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memStore struct {
	mu     sync.Mutex
	states map[string]models.ScheduleState
}

func (m *memStore) SaveScheduleState(st models.ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]models.ScheduleState)
	}
	m.states[st.AgentID] = st
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var t0 = time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)

func agent(id, cronExpr string) models.AgentConfig {
	return models.AgentConfig{
		ID:       id,
		Enabled:  true,
		Schedule: models.Schedule{Cron: cronExpr},
		Pipeline: []models.PipelineStepSpec{{Step: "health_check"}},
	}
}

func newTestScheduler(t *testing.T, d Dispatcher, agents ...models.AgentConfig) (*Scheduler, *time.Time) {
	t.Helper()
	now := t0
	s, err := New(agents, d, Options{
		Location: time.UTC,
		Log:      quietLogger(),
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return s, &now
}

func status(t *testing.T, s *Scheduler, id string) AgentStatus {
	t.Helper()
	for _, st := range s.List(t0) {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("agent %s not listed", id)
	return AgentStatus{}
}

func waitIdle(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !status(t, s, id).Running
	}, 2*time.Second, 5*time.Millisecond)
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 1, 1, hh, mm, ss, 0, time.UTC)
}

func TestNextRun_IsPureAndTimezoneAware(t *testing.T) {
	a := agent("research", "0 6 * * *")
	a.Timezone = "Europe/Moscow"

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := NextRun(&a, time.UTC, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)), "got %s", next)

	again, _, _ := NextRun(&a, time.UTC, now)
	assert.True(t, next.Equal(again))

	a.Timezone = ""
	next, _, err = NextRun(&a, time.UTC, now)
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)))

	a.Schedule = models.Schedule{}
	_, ok, err = NextRun(&a, time.UTC, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 6 * * 1-5", "@hourly", "@every 30m"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "every day", "* * *", "61 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}

	_, err := ParseCron("0 0 30 2 *")
	assert.ErrorIs(t, err, ErrNeverFires)
}

func TestScheduler_NeverFiringScheduleIsRejected(t *testing.T) {
	_, err := New([]models.AgentConfig{agent("feb30", "0 0 30 2 *")}, newFakeDispatcher(false), Options{Log: quietLogger()})
	assert.ErrorIs(t, err, ErrNeverFires)

	a := agent("feb30", "0 0 30 2 *")
	_, ok, err := NextRun(&a, time.UTC, t0)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestScheduler_SkipsOccurrencesPastMisfireGrace(t *testing.T) {
	d := newFakeDispatcher(false)
	s, _ := newTestScheduler(t, d, agent("a", "*/10 * * * *"))
	require.True(t, status(t, s, "a").NextRunAt.Equal(at(10, 10, 0)))

	// The host slept through 10:10; the tick at 10:16 is six minutes late.
	assert.Equal(t, 0, s.Tick(at(10, 16, 0)))
	assert.Equal(t, 0, d.count())
	assert.Equal(t, int64(1), s.Stats().Skipped)
	assert.True(t, status(t, s, "a").NextRunAt.Equal(at(10, 20, 0)))

	// Within the grace period a late occurrence still runs.
	assert.Equal(t, 1, s.Tick(at(10, 24, 0)))
	waitIdle(t, s, "a")
	assert.Equal(t, 1, d.count())
}

func TestScheduler_NegativeMisfireGraceRunsLateOccurrences(t *testing.T) {
	d := newFakeDispatcher(false)
	s, err := New([]models.AgentConfig{agent("a", "*/10 * * * *")}, d, Options{
		Location:     time.UTC,
		MisfireGrace: -1,
		Log:          quietLogger(),
		Now:          func() time.Time { return t0 },
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Tick(at(13, 0, 0)))
	waitIdle(t, s, "a")
}

func TestScheduler_DispatchesWhenDue(t *testing.T) {
	d := newFakeDispatcher(false)
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	st := status(t, s, "a")
	require.NotNil(t, st.NextRunAt)
	assert.True(t, st.NextRunAt.Equal(at(10, 1, 0)))

	assert.Equal(t, 0, s.Tick(at(10, 0, 59)))
	assert.Equal(t, 1, s.Tick(at(10, 1, 0)))
	waitIdle(t, s, "a")

	st = status(t, s, "a")
	assert.True(t, st.NextRunAt.Equal(at(10, 2, 0)), "next is computed from the fire time, got %s", st.NextRunAt)
	assert.Equal(t, models.OutcomeSuccess, st.LastOutcome)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, int64(1), s.Stats().Dispatched)
}

func TestScheduler_OverlapIsSkippedNotQueued(t *testing.T) {
	d := newFakeDispatcher(true)
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	require.Equal(t, 1, s.Tick(at(10, 1, 0)))
	<-d.started
	assert.True(t, status(t, s, "a").Running)

	// Two more occurrences pass while the first run is still going.
	assert.Equal(t, 0, s.Tick(at(10, 2, 5)))
	assert.Equal(t, 0, s.Tick(at(10, 3, 1)))
	assert.Equal(t, 1, d.count())
	assert.Equal(t, int64(2), s.Stats().Skipped)
	assert.True(t, status(t, s, "a").NextRunAt.Equal(at(10, 4, 0)))

	close(d.release)
	waitIdle(t, s, "a")

	// Completion keeps the advanced value rather than going back to 10:02.
	assert.True(t, status(t, s, "a").NextRunAt.Equal(at(10, 4, 0)))
	assert.Equal(t, 0, s.Tick(at(10, 3, 59)))
	assert.Equal(t, 1, s.Tick(at(10, 4, 0)))
	waitIdle(t, s, "a")
	assert.Equal(t, 2, d.count())
}

func TestScheduler_ConcurrentTicksDispatchOnce(t *testing.T) {
	d := newFakeDispatcher(true)
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(at(10, 1, 0))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), s.Stats().Dispatched)
	close(d.release)
	waitIdle(t, s, "a")
	assert.Equal(t, 1, d.count())
}

func TestScheduler_DisabledAgentsNeverDispatch(t *testing.T) {
	d := newFakeDispatcher(false)
	off := agent("off", "* * * * *")
	off.Enabled = false
	manual := agent("manual", "")
	s, _ := newTestScheduler(t, d, off, manual)

	assert.Nil(t, status(t, s, "off").NextRunAt)
	assert.Nil(t, status(t, s, "manual").NextRunAt)

	for m := 1; m < 60; m += 7 {
		assert.Equal(t, 0, s.Tick(at(10, m, 0)))
	}
	assert.Equal(t, 0, d.count())
}

func TestScheduler_SetEnabledRecomputesFromNow(t *testing.T) {
	d := newFakeDispatcher(false)
	s, now := newTestScheduler(t, d, agent("a", "*/10 * * * *"))

	require.NoError(t, s.SetEnabled("a", false))
	assert.Nil(t, status(t, s, "a").NextRunAt)
	assert.Equal(t, 0, s.Tick(at(11, 0, 0)))

	*now = at(12, 34, 0)
	require.NoError(t, s.SetEnabled("a", true))
	assert.True(t, status(t, s, "a").NextRunAt.Equal(at(12, 40, 0)), "missed occurrences are not replayed")

	err := s.SetEnabled("ghost", true)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestScheduler_RunNowSharesOverlapGuard(t *testing.T) {
	d := newFakeDispatcher(true)
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	require.Equal(t, 1, s.Tick(at(10, 1, 0)))
	<-d.started

	_, err := s.RunNow(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = s.RunNow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	close(d.release)
	waitIdle(t, s, "a")

	report, err := s.RunNow(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, report.Trigger)
	assert.True(t, status(t, s, "a").NextRunAt.Equal(at(10, 2, 0)), "manual runs leave the schedule alone")
}

func TestScheduler_RunNowWorksForDisabledAgents(t *testing.T) {
	d := newFakeDispatcher(false)
	off := agent("off", "")
	off.Enabled = false
	s, _ := newTestScheduler(t, d, off)

	report, err := s.RunNow(context.Background(), "off")
	require.NoError(t, err)
	assert.Equal(t, "off", report.AgentID)
	assert.Nil(t, status(t, s, "off").NextRunAt)
}

func TestScheduler_DispatcherPanicReleasesGuard(t *testing.T) {
	d := newFakeDispatcher(false)
	d.panics = true
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	require.Equal(t, 1, s.Tick(at(10, 1, 0)))
	waitIdle(t, s, "a")
	assert.Equal(t, models.OutcomeFatal, status(t, s, "a").LastOutcome)
	assert.Equal(t, 1, s.Tick(at(10, 2, 0)))
	waitIdle(t, s, "a")
}

func TestScheduler_ShutdownWaitsForInFlightRuns(t *testing.T) {
	d := newFakeDispatcher(true)
	s, _ := newTestScheduler(t, d, agent("a", "* * * * *"))

	require.Equal(t, 1, s.Tick(at(10, 1, 0)))
	<-d.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, 0, s.Tick(at(10, 5, 0)), "no dispatch after shutdown")
	_, err = s.RunNow(context.Background(), "a")
	assert.ErrorIs(t, err, ErrStopped)

	close(d.release)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, status(t, s, "a").Running)
}

func TestScheduler_StartStopsOnShutdown(t *testing.T) {
	d := newFakeDispatcher(false)
	s, err := New(nil, d, Options{Interval: time.Millisecond, Log: quietLogger()})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestScheduler_ReloadKeepsStateAndGuards(t *testing.T) {
	d := newFakeDispatcher(true)
	s, now := newTestScheduler(t, d, agent("a", "* * * * *"), agent("b", "*/5 * * * *"))

	require.Equal(t, 2, s.Tick(at(10, 5, 0)))
	<-d.started
	<-d.started

	*now = at(10, 5, 30)
	changed := agent("b", "0 * * * *")
	require.NoError(t, s.Reload([]models.AgentConfig{changed, agent("c", "* * * * *")}))

	ids := make([]string, 0)
	for _, st := range s.List(*now) {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)

	b := status(t, s, "b")
	assert.True(t, b.Running, "in-flight guard survives reload")
	assert.True(t, b.NextRunAt.Equal(at(11, 0, 0)), "changed schedule is recomputed from now")

	// a was removed while running; it must not be dispatched again.
	assert.Equal(t, 1, s.Tick(at(10, 6, 0)), "only c is dispatched")

	close(d.release)
	require.NoError(t, s.Shutdown(context.Background()))
	_, ok := s.Agent("a")
	assert.False(t, ok)

	err := s.Reload([]models.AgentConfig{agent("bad", "not cron")})
	assert.Error(t, err)
}

func TestScheduler_PersistsState(t *testing.T) {
	d := newFakeDispatcher(false)
	store := &memStore{}
	now := t0
	s, err := New([]models.AgentConfig{agent("a", "* * * * *")}, d, Options{
		Location: time.UTC,
		Store:    store,
		Log:      quietLogger(),
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	require.Equal(t, 1, s.Tick(at(10, 1, 0)))
	waitIdle(t, s, "a")

	store.mu.Lock()
	st := store.states["a"]
	store.mu.Unlock()
	assert.False(t, st.Running)
	assert.Equal(t, models.OutcomeSuccess, st.LastOutcome)
	require.NotNil(t, st.LastRunAt)
	assert.True(t, st.LastRunAt.Equal(at(10, 1, 0)))

	last := at(9, 0, 0)
	s.Restore([]models.ScheduleState{{AgentID: "a", LastRunAt: &last, LastOutcome: models.OutcomePartialFailure}})
	assert.Equal(t, models.OutcomePartialFailure, status(t, s, "a").LastOutcome)
}

func TestNew_RejectsInvalidAgents(t *testing.T) {
	_, err := New([]models.AgentConfig{agent("a", "bogus")}, newFakeDispatcher(false), Options{Log: quietLogger()})
	assert.Error(t, err)

	tz := agent("a", "@hourly")
	tz.Timezone = "Nowhere/Special"
	_, err = New([]models.AgentConfig{tz}, newFakeDispatcher(false), Options{Log: quietLogger()})
	assert.Error(t, err)
}
