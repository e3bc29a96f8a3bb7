package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpataki/rig/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("agent is already running")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrStopped        = errors.New("scheduler is shut down")
)

const (
	DefaultInterval = 15 * time.Second
	// DefaultMisfireGrace is how late a scheduled occurrence may be
	// dispatched, e.g. after the host slept through it.
	DefaultMisfireGrace = 5 * time.Minute
)

// Dispatcher executes one agent run. orchestrator.Runner satisfies it.
type Dispatcher interface {
	RunAgent(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger) (*models.RunReport, error)
}

// StateStore persists schedule state. Failures are logged and ignored.
type StateStore interface {
	SaveScheduleState(state models.ScheduleState) error
}

type Options struct {
	// Location is used for agents without their own timezone.
	Location *time.Location
	Interval time.Duration
	// MisfireGrace defaults to DefaultMisfireGrace; negative dispatches
	// late occurrences however late they are.
	MisfireGrace time.Duration
	Store        StateStore
	Log      logrus.FieldLogger
	// Now is the clock used by Start, SetEnabled, Reload and RunNow.
	Now func() time.Time
}

// AgentStatus is a point-in-time view of one agent for listings.
type AgentStatus struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Enabled     bool           `json:"enabled"`
	Schedule    string         `json:"schedule,omitempty"`
	Timezone    string         `json:"timezone"`
	NextRunAt   *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	LastOutcome models.Outcome `json:"last_outcome,omitempty"`
	Running     bool           `json:"running"`
	Due         bool           `json:"due"`
}

type Stats struct {
	Agents     int   `json:"agents"`
	Running    int   `json:"running"`
	Dispatched int64 `json:"dispatched"`
	Skipped    int64 `json:"skipped"`
}

type entry struct {
	agent models.AgentConfig
	sched cron.Schedule
	loc   *time.Location
	state models.ScheduleState
	// removed entries are kept only until their in-flight run completes.
	removed bool
}

func (e *entry) scheduled() bool {
	return e.agent.Enabled && e.sched != nil
}

func (e *entry) due(now time.Time) bool {
	return !e.removed && e.scheduled() && e.state.NextRunAt != nil && !now.Before(*e.state.NextRunAt)
}

func (e *entry) nextAfter(t time.Time) *time.Time {
	if !e.scheduled() {
		return nil
	}
	next := e.sched.Next(t.In(e.loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

// Scheduler decides when agents run. It never runs an agent concurrently
// with itself: the due check and the running flag are updated under one lock.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	closed  bool

	dispatcher Dispatcher
	store      StateStore
	loc        *time.Location
	interval   time.Duration
	grace      time.Duration
	now        func() time.Time
	log        logrus.FieldLogger

	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
	dispatched atomic.Int64
	skipped    atomic.Int64
}

// New builds a scheduler for agents. Enabled scheduled agents get their
// first next_run_at computed from the current time.
func New(agents []models.AgentConfig, dispatcher Dispatcher, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		entries:    make(map[string]*entry),
		dispatcher: dispatcher,
		store:      opts.Store,
		loc:        opts.Location,
		interval:   opts.Interval,
		grace:      opts.MisfireGrace,
		now:        opts.Now,
		log:        opts.Log,
		stop:       make(chan struct{}),
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.grace == 0 {
		s.grace = DefaultMisfireGrace
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	entries, order, err := s.build(agents)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, e := range entries {
		e.state.NextRunAt = e.nextAfter(now)
	}
	s.entries = entries
	s.order = order
	return s, nil
}

func (s *Scheduler) build(agents []models.AgentConfig) (map[string]*entry, []string, error) {
	entries := make(map[string]*entry, len(agents))
	order := make([]string, 0, len(agents))

	for _, a := range agents {
		if _, dup := entries[a.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		e := &entry{agent: a, state: models.ScheduleState{AgentID: a.ID}}
		loc, err := Location(a.Timezone, s.loc)
		if err != nil {
			return nil, nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		e.loc = loc
		if a.HasSchedule() {
			sched, err := ParseCron(a.Schedule.Cron)
			if err != nil {
				return nil, nil, fmt.Errorf("agent %q: %w", a.ID, err)
			}
			e.sched = sched
		}
		entries[a.ID] = e
		order = append(order, a.ID)
	}
	return entries, order, nil
}

// Restore seeds last-run information from persisted state. Next run times
// are always recomputed, never restored.
func (s *Scheduler) Restore(states []models.ScheduleState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		e, ok := s.entries[st.AgentID]
		if !ok {
			continue
		}
		e.state.LastRunAt = st.LastRunAt
		e.state.LastOutcome = st.LastOutcome
	}
}

// Tick dispatches every due agent and returns how many runs it launched.
// A due agent whose previous run is still in flight, or whose occurrence is
// older than the misfire grace, is skipped and its next_run_at moves to the
// first occurrence after now.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	launched := 0
	for _, id := range s.order {
		e := s.entries[id]
		if !e.due(now) {
			continue
		}
		log := s.log.WithField("agent", id)

		if e.state.Running {
			s.skipped.Add(1)
			missed := *e.state.NextRunAt
			e.state.NextRunAt = e.nextAfter(now)
			log.WithFields(logrus.Fields{
				"missed": missed.Format(time.RFC3339),
				"next":   formatNext(e.state.NextRunAt),
			}).Info("previous run still in flight, skipping")
			s.persist(e)
			continue
		}

		fire := *e.state.NextRunAt
		if late := now.Sub(fire); s.grace > 0 && late > s.grace {
			s.skipped.Add(1)
			e.state.NextRunAt = e.nextAfter(now)
			log.WithFields(logrus.Fields{
				"missed": fire.Format(time.RFC3339),
				"late":   late.Round(time.Second).String(),
				"next":   formatNext(e.state.NextRunAt),
			}).Warn("occurrence missed by more than the grace period, skipping")
			s.persist(e)
			continue
		}

		agent := s.begin(e, now)
		s.dispatched.Add(1)
		launched++
		log.WithField("fire_time", fire.Format(time.RFC3339)).Info("dispatching scheduled run")

		go s.run(context.Background(), agent, models.TriggerSchedule, fire)
	}
	return launched
}

// begin marks e running and registers the run with the wait group. Callers
// hold s.mu.
func (s *Scheduler) begin(e *entry, now time.Time) *models.AgentConfig {
	e.state.Running = true
	started := now
	e.state.LastRunAt = &started
	s.wg.Add(1)
	s.persist(e)

	agent := e.agent
	return &agent
}

func (s *Scheduler) run(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger, fire time.Time) (*models.RunReport, error) {
	defer s.wg.Done()

	report, err := s.dispatch(ctx, agent, trigger)
	s.complete(agent.ID, fire, report)
	return report, err
}

func (s *Scheduler) dispatch(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger) (report *models.RunReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatcher panic: %v", p)
			s.log.WithField("agent", agent.ID).WithError(err).Error("agent run crashed")
		}
	}()
	// Runs are never cancelled mid-pipeline.
	return s.dispatcher.RunAgent(context.WithoutCancel(ctx), agent, trigger)
}

// complete releases the overlap guard. For scheduled runs next_run_at becomes
// the later of the occurrence after the fire time and the current value, so
// a skip that already advanced it is kept and slow runs never backlog.
func (s *Scheduler) complete(id string, fire time.Time, report *models.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.state.Running = false
	if report != nil {
		e.state.LastOutcome = report.Outcome
	} else {
		e.state.LastOutcome = models.OutcomeFatal
	}

	if e.removed {
		delete(s.entries, id)
		return
	}

	if !fire.IsZero() && e.scheduled() {
		next := e.nextAfter(fire)
		if cur := e.state.NextRunAt; cur != nil && (next == nil || cur.After(*next)) {
			next = cur
		}
		e.state.NextRunAt = next
	}
	s.persist(e)

	s.log.WithFields(logrus.Fields{
		"agent":   id,
		"outcome": e.state.LastOutcome,
	}).Info("agent run finished")
}

func (s *Scheduler) persist(e *entry) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveScheduleState(e.state); err != nil {
		s.log.WithField("agent", e.agent.ID).WithError(err).Warn("failed to save schedule state")
	}
}

// Start ticks at the configured interval until ctx is done or Shutdown is
// called. It ticks once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithFields(logrus.Fields{
		"agents":   len(s.order),
		"interval": s.interval.String(),
		"timezone": s.loc.String(),
	}).Info("scheduler started")

	s.Tick(s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Shutdown stops dispatching and waits for in-flight runs until ctx is done.
// Runs still going when ctx expires are abandoned and ctx's error returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	inFlight := s.runningLocked()
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })

	if inFlight > 0 {
		s.log.WithField("running", inFlight).Info("waiting for in-flight runs")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		left := s.runningLocked()
		s.mu.Unlock()
		s.log.WithField("running", left).Warn("abandoning in-flight runs")
		return fmt.Errorf("shutdown with %d runs in flight: %w", left, ctx.Err())
	}
}

// RunNow runs an agent immediately and waits for the report. It shares the
// overlap guard with scheduled runs. Disabled agents may be run by hand.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*models.RunReport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	e, ok := s.entries[id]
	if !ok || e.removed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if e.state.Running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	agent := s.begin(e, s.now())
	s.dispatched.Add(1)
	s.mu.Unlock()

	s.log.WithField("agent", id).Info("dispatching manual run")
	return s.run(ctx, agent, models.TriggerManual, time.Time{})
}

// SetEnabled toggles an agent at runtime. Disabling clears next_run_at and
// re-enabling computes it from now, so missed occurrences are not replayed.
// A run already in flight is not affected.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.removed {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if e.agent.Enabled == enabled {
		return nil
	}
	e.agent.Enabled = enabled
	e.state.NextRunAt = e.nextAfter(s.now())
	s.persist(e)

	s.log.WithFields(logrus.Fields{"agent": id, "enabled": enabled}).Info("agent toggled")
	return nil
}

// Reload replaces the agent set. Agents whose schedule, timezone and enabled
// flag are unchanged keep their next_run_at; others are recomputed from now.
// Running agents keep their guard even when they were removed.
func (s *Scheduler) Reload(agents []models.AgentConfig) error {
	entries, order, err := s.build(agents)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range entries {
		old, ok := s.entries[id]
		if !ok {
			e.state.NextRunAt = e.nextAfter(now)
			continue
		}
		e.state = old.state
		if old.removed || !sameSchedule(old, e) {
			e.state.NextRunAt = e.nextAfter(now)
		}
	}
	for id, old := range s.entries {
		if _, kept := entries[id]; kept || !old.state.Running {
			continue
		}
		old.removed = true
		entries[id] = old
	}

	s.entries = entries
	s.order = order
	s.log.WithField("agents", len(order)).Info("agents reloaded")
	return nil
}

func sameSchedule(a, b *entry) bool {
	return a.agent.Enabled == b.agent.Enabled &&
		a.agent.Schedule.Cron == b.agent.Schedule.Cron &&
		a.loc.String() == b.loc.String()
}

// Agent returns the current config of an agent.
func (s *Scheduler) Agent(id string) (models.AgentConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.removed {
		return models.AgentConfig{}, false
	}
	return e.agent, true
}

// List returns the status of every agent in config order.
func (s *Scheduler) List(now time.Time) []AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentStatus, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		out = append(out, AgentStatus{
			ID:          id,
			Description: e.agent.Description,
			Enabled:     e.agent.Enabled,
			Schedule:    e.agent.Schedule.Cron,
			Timezone:    e.loc.String(),
			NextRunAt:   copyTime(e.state.NextRunAt),
			LastRunAt:   copyTime(e.state.LastRunAt),
			LastOutcome: e.state.LastOutcome,
			Running:     e.state.Running,
			Due:         e.due(now),
		})
	}
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	running := s.runningLocked()
	agents := len(s.order)
	s.mu.Unlock()

	return Stats{
		Agents:     agents,
		Running:    running,
		Dispatched: s.dispatched.Load(),
		Skipped:    s.skipped.Load(),
	}
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.state.Running {
			n++
		}
	}
	return n
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
