package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aeolus-run/aeolus/pkg/pipeline"
	"github.com/aeolus-run/aeolus/pkg/telemetry"
)

// Orchestrator drives one job through an executor, a storage and a
// repository.
type Orchestrator struct {
	executor   Executor
	storage    Storage
	repository Repository
	job        *pipeline.Job

	logger   zerolog.Logger
	progress io.Writer
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger, usually already carrying the job
// id. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithProgress sets the writer that receives progress lines.
func WithProgress(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.progress = w
	}
}

// WithMetrics records job and step metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer records job and step spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// New creates an Orchestrator for job.
func New(executor Executor, storage Storage, repository Repository, job *pipeline.Job, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:   executor,
		storage:    storage,
		repository: repository,
		job:        job,
		logger:     zerolog.Nop(),
		progress:   io.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Job returns the job the orchestrator drives.
func (o *Orchestrator) Job() *pipeline.Job {
	return o.job
}

// Run launches the executor and walks every step of the job. Steps already
// in storage with a matching hash are pulled, the rest are run and stored.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	timer := telemetry.NewTimer()
	ctx, span := o.tracer.StartJobSpan(ctx, o.job.ID())
	defer func() {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		o.metrics.RecordJob(status, timer.Duration())
		telemetry.End(span, err)
	}()

	o.logger.Info().Int("steps", o.job.Len()).Msg("Launching job")

	err = o.Launch(ctx, func(ctx context.Context, s *Session) error {
		return o.drive(ctx, s)
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("Job failed")
		return err
	}

	o.logger.Info().Dur("duration", timer.Duration()).Msg("Job completed")
	return nil
}

func (o *Orchestrator) drive(ctx context.Context, s *Session) error {
	jobID := o.job.ID()

	o.printf("[executor] %s", s.Address)
	if err := o.storage.SetMeta(ctx, AddressKey(jobID), s.Address); err != nil {
		return fmt.Errorf("record address: %w", err)
	}
	o.printf("[job %s] starting", jobID)

	for step := range o.job.Steps() {
		if err := o.storage.SetMeta(ctx, CurrentStepKey(jobID), step.ID); err != nil {
			return fmt.Errorf("record current step: %w", err)
		}
		if err := o.step(ctx, s, step); err != nil {
			return err
		}
		o.printf("[step %s] done", step.ID)
	}

	if err := o.storage.SetMeta(ctx, CurrentStepKey(jobID), ""); err != nil {
		return fmt.Errorf("clear current step: %w", err)
	}

	lines, err := collect(ctx, o.executor, false)
	if err != nil {
		return fmt.Errorf("read logs: %w", err)
	}
	if err := o.storage.SetMeta(ctx, LogsKey(jobID), strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("record logs: %w", err)
	}

	o.printf("[job %s] done", jobID)
	return nil
}

func (o *Orchestrator) step(ctx context.Context, s *Session, step pipeline.Step) (err error) {
	hash := step.Hash()
	timer := telemetry.NewTimer()
	ctx, span := o.tracer.StartStepSpan(ctx, step.JobID, step.ID, hash)
	fields := o.logger.With().Str("step_id", step.ID).Str("hash", hash)
	if id := telemetry.TraceID(ctx); id != "" {
		fields = fields.Str("trace_id", id)
	}
	logger := fields.Logger()

	outcome := telemetry.OutcomeExecuted
	o.metrics.StepStarted()
	defer func() {
		if err != nil {
			outcome = telemetry.OutcomeFailed
		}
		o.metrics.RecordStep(outcome, timer.Duration())
		telemetry.End(span, err)
	}()

	fail := func(phase Phase, err error) error {
		logger.Error().Err(err).Str("phase", string(phase)).Msg("Step failed")
		return &StepError{JobID: step.JobID, StepID: step.ID, Phase: phase, Err: err}
	}

	done, err := IsDone(ctx, o.storage, step)
	if err != nil {
		return fail(PhaseCheck, err)
	}

	if done {
		outcome = telemetry.OutcomePulled
		o.printf("[step %s] in storage", step.ID)
		logger.Debug().Msg("Pulling step from storage")
		if err := o.storage.Pull(ctx, s.Storage, step); err != nil {
			return fail(PhasePull, err)
		}
		return nil
	}

	o.printf("[step %s] start", step.ID)
	logger.Debug().Msg("Running step")
	if err := o.repository.Run(ctx, s.Repository, step); err != nil {
		return fail(PhaseRun, err)
	}
	if err := Store(ctx, o.storage, s.Storage, step); err != nil {
		return fail(PhaseStore, err)
	}
	return nil
}

func (o *Orchestrator) printf(format string, args ...any) {
	fmt.Fprintf(o.progress, format+"\n", args...)
}

func collect(ctx context.Context, executor Executor, follow bool) ([]string, error) {
	var lines []string
	for line, err := range executor.Logs(ctx, follow) {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}
