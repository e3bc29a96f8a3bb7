package models

import (
	"errors"
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFatal          Outcome = "fatal"
)

type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

type StepReport struct {
	Step       string      `json:"step"`
	Outcome    StepOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RunReport is the result of one pipeline run. It is never mutated after the
// runner hands it back.
type RunReport struct {
	RunID      string         `json:"run_id"`
	AgentID    string         `json:"agent_id"`
	Trigger    Trigger        `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    Outcome        `json:"outcome"`
	Steps      []StepReport   `json:"steps"`
	Error      string         `json:"error,omitempty"` // validation failure, no steps executed
	Context    map[string]any `json:"context,omitempty"`
}

func (r *RunReport) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// FailedStep returns the failing step entry, if any.
func (r *RunReport) FailedStep() *StepReport {
	for i := range r.Steps {
		if r.Steps[i].Outcome == StepFailure {
			return &r.Steps[i]
		}
	}
	return nil
}

func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err summarises a non-successful run as an error, for exit codes.
func (r *RunReport) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if s := r.FailedStep(); s != nil {
		return fmt.Errorf("step %q failed: %s", s.Step, s.Error)
	}
	return fmt.Errorf("run finished with outcome %s", r.Outcome)
}

// RunRecord is a row of run history, without the step list and context.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	AgentID    string    `json:"agent_id"`
	Trigger    Trigger   `json:"trigger"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	StepCount  int       `json:"step_count"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
