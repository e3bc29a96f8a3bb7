package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/pipeline"
	"github.com/sirupsen/logrus"
)

// Recorder persists finished run reports.
type Recorder interface {
	RecordRun(report *models.RunReport) error
}

// StepExecutionError wraps the error raised by a step during a run.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// Runner executes pipelines step by step against a fresh RunContext. It holds
// no per-run state, so a single Runner can serve concurrent runs.
type Runner struct {
	registry *pipeline.Registry
	recorder Recorder
	log      logrus.FieldLogger
}

func New(registry *pipeline.Registry, recorder Recorder, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		registry: registry,
		recorder: recorder,
		log:      log,
	}
}

// Run executes specs on an empty context. The returned report is never nil;
// the error is an *pipeline.UnknownStepError when validation failed, or a
// *StepExecutionError when a step raised.
func (r *Runner) Run(ctx context.Context, agentID string, specs []models.PipelineStepSpec) (*models.RunReport, error) {
	return r.execute(ctx, agentID, models.TriggerManual, specs, pipeline.NewRunContext())
}

// RunAgent seeds the context with the agent's inputs and filters before
// running its pipeline.
func (r *Runner) RunAgent(ctx context.Context, agent *models.AgentConfig, trigger models.Trigger) (*models.RunReport, error) {
	rc := pipeline.NewRunContext()
	rc.Merge(agent.Inputs)
	filters := agent.Filters
	if filters == nil {
		filters = map[string]any{}
	}
	rc["filters"] = filters

	return r.execute(ctx, agent.ID, trigger, agent.Pipeline, rc)
}

func (r *Runner) execute(ctx context.Context, agentID string, trigger models.Trigger, specs []models.PipelineStepSpec, rc pipeline.RunContext) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:     uuid.NewString(),
		AgentID:   agentID,
		Trigger:   trigger,
		StartedAt: time.Now(),
		Steps:     []models.StepReport{},
	}
	log := r.log.WithFields(logrus.Fields{"agent": agentID, "run_id": report.RunID})

	// Resolve everything up front so a typo late in the pipeline cannot
	// waste the side effects of earlier steps.
	steps := make([]pipeline.Step, 0, len(specs))
	for _, spec := range specs {
		step, err := r.registry.Resolve(spec.Step)
		if err != nil {
			log.WithError(err).Error("pipeline validation failed")
			report.Outcome = models.OutcomeFatal
			report.Error = err.Error()
			return r.finish(report, rc, log), err
		}
		steps = append(steps, step)
	}

	log.WithField("steps", len(steps)).Info("pipeline started")

	var runErr error
	for i, step := range steps {
		spec := specs[i]
		stepLog := log.WithField("step", spec.Step)

		entry := models.StepReport{Step: spec.Step, StartedAt: time.Now()}
		bindings, err := invoke(ctx, step, rc, rc.ResolveParams(spec.With))
		entry.FinishedAt = time.Now()

		if err != nil {
			entry.Outcome = models.StepFailure
			entry.Error = err.Error()
			report.Steps = append(report.Steps, entry)
			runErr = &StepExecutionError{Step: spec.Step, Err: err}

			if i == 0 {
				report.Outcome = models.OutcomeFatal
			} else {
				report.Outcome = models.OutcomePartialFailure
			}
			stepLog.WithError(err).Error("step failed, aborting remaining steps")
			break
		}

		rc.Merge(bindings)
		entry.Outcome = models.StepSuccess
		report.Steps = append(report.Steps, entry)
		stepLog.WithField("keys", len(bindings)).Debug("step completed")
	}

	if runErr == nil {
		report.Outcome = models.OutcomeSuccess
	}
	return r.finish(report, rc, log), runErr
}

func (r *Runner) finish(report *models.RunReport, rc pipeline.RunContext, log logrus.FieldLogger) *models.RunReport {
	report.Context = rc.Snapshot()
	report.FinishedAt = time.Now()

	log.WithFields(logrus.Fields{
		"outcome":  report.Outcome,
		"duration": report.Duration().String(),
	}).Info("pipeline finished")

	if r.recorder != nil {
		if err := r.recorder.RecordRun(report); err != nil {
			log.WithError(err).Warn("failed to record run")
		}
	}
	return report
}

// invoke calls the step, turning a panic into an ordinary step failure so
// one broken step cannot take down the scheduler.
func invoke(ctx context.Context, step pipeline.Step, rc pipeline.RunContext, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return step.Run(ctx, rc, params)
}
