package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/internal/store"
	"github.com/sparlohq/sparlo/pkg/models"
)

// maxChallengeLen bounds the design challenge accepted on job creation.
const maxChallengeLen = 20000

// Orchestrator owns the lifecycle of analysis jobs: it creates them, drives
// their stages in a background goroutine, checkpoints after every stage, and
// observes cancellation and clarification signals at checkpoint boundaries.
// A stage that is already in flight is never interrupted mid-call; signals
// take effect at the next boundary.
type Orchestrator struct {
	store  store.Store
	exec   *Executor
	stages []Stage
	cfg    config.WorkflowConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator over the given pipeline.
func NewOrchestrator(st store.Store, exec *Executor, stages []Stage, cfg config.WorkflowConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   st,
		exec:    exec,
		stages:  stages,
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start validates the design challenge, creates the job in idle status, and
// launches its run in the background. The returned job carries the id the
// client polls with.
func (o *Orchestrator) Start(ctx context.Context, tenantID uuid.UUID, designChallenge string) (*models.Job, error) {
	challenge := strings.TrimSpace(designChallenge)
	if challenge == "" {
		return nil, fmt.Errorf("%w: design challenge is empty", ErrInvalidInput)
	}
	if len(challenge) > maxChallengeLen {
		return nil, fmt.Errorf("%w: design challenge exceeds %d bytes", ErrInvalidInput, maxChallengeLen)
	}

	job := &models.Job{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Status:          models.JobStatusIdle,
		DesignChallenge: challenge,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	o.launch(job.ID)
	return job, nil
}

// HandleClarification delivers the user's answer to a suspended job and
// resumes it. Returns false when the job was not waiting for clarification;
// per the conditional transition in the store, that delivery is a no-op.
func (o *Orchestrator) HandleClarification(ctx context.Context, id uuid.UUID, answer string) (bool, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false, fmt.Errorf("%w: clarification answer is empty", ErrInvalidInput)
	}

	resumed, err := o.store.AnswerClarification(ctx, id, answer)
	if err != nil {
		return false, err
	}
	if !resumed {
		return false, nil
	}
	o.launch(id)
	return true, nil
}

// RequestCancel flags the job for cancellation and returns the status the job
// had when the flag was set. Jobs with no goroutine driving them (idle, or
// suspended on a clarification) are cancelled immediately; running jobs are
// cancelled by their own goroutine at the next checkpoint. Terminal jobs are
// left untouched.
func (o *Orchestrator) RequestCancel(ctx context.Context, id uuid.UUID) (string, error) {
	status, err := o.store.RequestCancel(ctx, id)
	if err != nil {
		return "", err
	}

	switch status {
	case models.JobStatusIdle, models.JobStatusClarificationNeeded:
		cancelled, err := o.store.CancelJob(ctx, id)
		if err != nil {
			return status, err
		}
		if cancelled {
			slog.Info("job cancelled", "job_id", id, "was_status", status)
		}
	}
	return status, nil
}

// Resume relaunches jobs that were left running by a previous process.
// Their stage outputs are already checkpointed, so each picks up at the
// stage it was on.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.store.ListResumableJobs(ctx)
	if err != nil {
		return fmt.Errorf("list resumable jobs: %w", err)
	}
	for _, job := range jobs {
		slog.Info("resuming interrupted job", "job_id", job.ID, "stage", job.CurrentStage)
		o.launch(job.ID)
	}
	return nil
}

// Shutdown stops accepting signal-driven relaunches and waits for in-flight
// runs to reach a checkpoint and exit, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launch(id uuid.UUID) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job run panicked", "job_id", id, "panic", r)
				o.fail(id, "internal error")
			}
		}()
		o.run(id)
	}()
}

// run drives one job from its current stage to a terminal state or a
// suspension. It always loads the job fresh so a resumed or clarified run
// sees its checkpointed outputs and recorded answers.
func (o *Orchestrator) run(id uuid.UUID) {
	ctx := o.baseCtx

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		slog.Error("load job for run", "job_id", id, "error", err)
		return
	}

	if job.Status == models.JobStatusIdle {
		if err := o.store.StartJob(ctx, id); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Cancelled between creation and pickup.
				slog.Info("job no longer startable", "job_id", id)
				return
			}
			slog.Error("start job", "job_id", id, "error", err)
			return
		}
	}

	outputs := job.StageOutputs
	for stageIdx := job.CurrentStage; stageIdx < len(o.stages); stageIdx++ {
		if o.observeCancel(ctx, id) {
			return
		}

		stage := o.stages[stageIdx]
		slog.Info("stage starting", "job_id", id, "stage", stage.Name,
			"index", stageIdx, "total", len(o.stages))

		result, err := o.exec.Execute(ctx, stage, StageInput{
			DesignChallenge:      job.DesignChallenge,
			ClarificationAnswers: job.ClarificationAnswers,
			PriorOutputs:         outputs,
		})
		if err != nil {
			// A run aborted by shutdown stays running and is resumed by the
			// next process; everything else is a real failure.
			if o.baseCtx.Err() != nil {
				slog.Info("job run interrupted by shutdown", "job_id", id, "stage", stage.Name)
				return
			}
			slog.Error("stage failed", "job_id", id, "stage", stage.Name, "error", err)
			o.fail(id, fmt.Sprintf("stage %s: %v", stage.Name, err))
			return
		}

		if result.NeedsClarification() {
			if err := o.persist(ctx, id, func(pctx context.Context) error {
				return o.store.MarkClarificationNeeded(pctx, id, result.ClarificationQuestion)
			}); err != nil {
				o.fail(id, fmt.Sprintf("persist clarification: %v", err))
				return
			}
			slog.Info("job suspended for clarification", "job_id", id, "stage", stage.Name)
			return
		}

		if o.observeCancel(ctx, id) {
			return
		}

		out := models.StageOutput{Stage: stage.Name, Output: result.Output}
		if err := o.persist(ctx, id, func(pctx context.Context) error {
			return o.store.CheckpointStage(pctx, id, stageIdx+1, out)
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// The job left running status under us; the cancel path won.
				slog.Info("checkpoint superseded", "job_id", id, "stage", stage.Name)
				return
			}
			slog.Error("checkpoint failed", "job_id", id, "stage", stage.Name, "error", err)
			o.fail(id, fmt.Sprintf("%v: persisting stage %s: %v", ErrPersistence, stage.Name, err))
			return
		}
		outputs = append(outputs, out)
		slog.Info("stage checkpointed", "job_id", id, "stage", stage.Name)
	}

	o.complete(ctx, id, outputs)
}

// complete writes the final report, which is the last stage's output.
func (o *Orchestrator) complete(ctx context.Context, id uuid.UUID, outputs []models.StageOutput) {
	if len(outputs) == 0 {
		o.fail(id, "pipeline produced no output")
		return
	}
	report := outputs[len(outputs)-1].Output

	if err := o.persist(ctx, id, func(pctx context.Context) error {
		return o.store.CompleteJob(pctx, id, report)
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Info("completion superseded", "job_id", id)
			return
		}
		slog.Error("complete job", "job_id", id, "error", err)
		o.fail(id, fmt.Sprintf("%v: persisting report: %v", ErrPersistence, err))
		return
	}
	slog.Info("job completed", "job_id", id)
}

// observeCancel checks the cancel flag at a checkpoint boundary and, when
// set, performs the terminal transition. Returns true when the run must stop.
func (o *Orchestrator) observeCancel(ctx context.Context, id uuid.UUID) bool {
	requested, err := o.store.IsCancelRequested(ctx, id)
	if err != nil {
		slog.Error("read cancel flag", "job_id", id, "error", err)
		return false
	}
	if !requested {
		return false
	}

	cancelled, err := o.store.CancelJob(ctx, id)
	if err != nil {
		slog.Error("cancel job", "job_id", id, "error", err)
		return true
	}
	if cancelled {
		slog.Info("job cancelled at checkpoint", "job_id", id)
	}
	return true
}

// persist runs one store write with the configured retry budget. Conflicts
// are not retried; they mean another transition already won.
func (o *Orchestrator) persist(ctx context.Context, id uuid.UUID, write func(context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.cfg.PersistAttempts-1)),
		ctx)

	return backoff.Retry(func() error {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		defer cancel()

		err := write(pctx)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (o *Orchestrator) fail(id uuid.UUID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.store.FailJob(ctx, id, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return
		}
		slog.Error("mark job failed", "job_id", id, "error", err)
		return
	}
}
