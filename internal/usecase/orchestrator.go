package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
)

// OrchestratorConfig holds configuration for Orchestrator.
type OrchestratorConfig struct {
	Ladder      model.Ladder
	RetryPolicy model.RetryPolicy

	// BranchConcurrency bounds the renditions encoded at once for a single
	// job. Zero runs every branch of the ladder in parallel.
	BranchConcurrency int
}

// DefaultOrchestratorConfig returns the default ladder and retry policy.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Ladder:      model.DefaultLadder(),
		RetryPolicy: model.DefaultRetryPolicy(),
	}
}

// JobSubmitter admits transcoding jobs without running them.
type JobSubmitter interface {
	// Submit admits job and enqueues its first attempt. If the asset already
	// has an execution in flight, it returns ErrJobInProgress and enqueues
	// nothing.
	Submit(ctx context.Context, job model.TranscodingJob) error
}

// Orchestrator admits transcoding jobs and runs their attempts.
type Orchestrator interface {
	JobSubmitter

	// ProcessJob runs one attempt of the execution msg refers to. A returned
	// error asks the queue to schedule the next attempt.
	ProcessJob(ctx context.Context, msg repository.JobMessage) error
}

type jobSubmitter struct {
	jobs  repository.JobRepository
	queue repository.JobQueue
}

// NewJobSubmitter creates a JobSubmitter for processes that only admit jobs.
func NewJobSubmitter(jobs repository.JobRepository, queue repository.JobQueue) JobSubmitter {
	return &jobSubmitter{jobs: jobs, queue: queue}
}

type orchestrator struct {
	*jobSubmitter

	renditions RenditionService
	composer   PlaylistComposer
	finalizer  Finalizer

	ladder            model.Ladder
	retryPolicy       model.RetryPolicy
	branchConcurrency int
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	jobs repository.JobRepository,
	queue repository.JobQueue,
	renditions RenditionService,
	composer PlaylistComposer,
	fin Finalizer,
	cfg OrchestratorConfig,
) Orchestrator {
	return &orchestrator{
		jobSubmitter:      &jobSubmitter{jobs: jobs, queue: queue},
		renditions:        renditions,
		composer:          composer,
		finalizer:         fin,
		ladder:            cfg.Ladder,
		retryPolicy:       cfg.RetryPolicy,
		branchConcurrency: cfg.BranchConcurrency,
	}
}

func (s *jobSubmitter) Submit(ctx context.Context, job model.TranscodingJob) error {
	rec := model.NewJob(job)

	if err := s.jobs.Admit(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrJobInProgress) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeDuplicate).Inc()
			slog.Info("job already in progress, not resubmitting",
				"asset_id", job.AssetID,
				"source_key", job.SourceKey,
			)
		}
		return err
	}

	msg := repository.JobMessage{
		AssetID:     rec.AssetID,
		ExecutionID: rec.ExecutionID,
		SourceKey:   rec.SourceKey,
		Attempt:     0,
	}
	if err := s.queue.PublishJob(ctx, msg); err != nil {
		// Without a message the record would block re-admission forever.
		s.abandon(context.WithoutCancel(ctx), rec, err)
		return fmt.Errorf("publish job: %w", err)
	}

	slog.Info("job submitted",
		"asset_id", rec.AssetID,
		"execution_id", rec.ExecutionID,
		"source_key", rec.SourceKey,
	)
	return nil
}

func (o *orchestrator) ProcessJob(ctx context.Context, msg repository.JobMessage) error {
	logger := slog.With(
		"asset_id", msg.AssetID,
		"execution_id", msg.ExecutionID,
		"attempt", msg.Attempt,
	)

	job, err := o.jobs.Get(ctx, msg.AssetID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
			logger.Warn("dropping message for unknown job")
			return nil
		}
		return fmt.Errorf("get job: %w", err)
	}

	// A RUNNING record whose attempt is redelivered belongs to a worker
	// that died before acking; it is reclaimed and the group re-run.
	if job.ExecutionID != msg.ExecutionID || !job.Accepts(msg.Attempt) {
		metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
		logger.Info("dropping stale job message",
			"state", job.State,
			"stored_attempt", job.Attempt,
		)
		return nil
	}
	if job.State == model.JobStateRunning {
		logger.Warn("reclaiming running job", "stored_attempt", job.Attempt)
	}

	if o.retryPolicy.Exhausted(msg.Attempt) {
		o.fail(ctx, job, job.LastError, logger)
		return nil
	}

	if err := job.StartAttempt(msg.Attempt); err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, repository.ErrStaleJob) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
			return nil
		}
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	logger.Info("job attempt started", "renditions", len(o.ladder))

	joined, completed, runErr := o.runAttempt(ctx, job)
	job.CompletedBranches = completed

	// Bookkeeping must land even when shutdown has cancelled the attempt.
	bookCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		return o.retryOrFail(bookCtx, job, runErr, logger)
	}

	o.finalizer.Finalize(bookCtx, joined)

	if err := job.TransitionTo(model.JobStateSucceeded); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := o.jobs.Update(bookCtx, job); err != nil {
		if errors.Is(err, repository.ErrStaleJob) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
			return nil
		}
		return fmt.Errorf("update job: %w", err)
	}

	metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeSucceeded).Inc()
	logger.Info("job succeeded")
	return nil
}

// runAttempt marks the asset PROCESSING, encodes every rendition in
// parallel and then publishes the master playlist. The first branch error
// cancels the others.
func (o *orchestrator) runAttempt(ctx context.Context, job *model.Job) (model.JoinResult, model.BranchSet, error) {
	var (
		mu        sync.Mutex
		completed model.BranchSet
	)
	record := func(set model.BranchSet) {
		mu.Lock()
		completed |= set
		mu.Unlock()
	}

	if err := o.composer.Begin(ctx, job.AssetID); err != nil {
		return nil, completed, err
	}

	source := model.TranscodingJob{
		AssetID:     job.AssetID,
		SourceKey:   job.SourceKey,
		SubmittedAt: job.SubmittedAt,
	}

	results := make([]*model.BranchResult, len(o.ladder))

	g, gctx := errgroup.WithContext(ctx)
	if o.branchConcurrency > 0 {
		g.SetLimit(o.branchConcurrency)
	}

	for i, spec := range o.ladder {
		g.Go(func() error {
			start := time.Now()
			res, err := o.renditions.TranscodeRendition(gctx, source, spec)
			observeBranch(spec.Name, start, err)
			if err != nil {
				return fmt.Errorf("rendition %s: %w", spec.Name, err)
			}

			set, err := o.jobs.MarkBranchComplete(gctx, job.AssetID, job.ExecutionID, model.BranchSet(0).WithRendition(i))
			if err != nil {
				return fmt.Errorf("record rendition %s: %w", spec.Name, err)
			}
			record(set)
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, completed, err
	}

	start := time.Now()
	playlist, err := o.composer.Publish(ctx, job.AssetID)
	observeBranch(model.PlaylistBranch, start, err)
	if err != nil {
		return nil, completed, err
	}

	set, err := o.jobs.MarkBranchComplete(ctx, job.AssetID, job.ExecutionID, model.BranchSet(0).WithPlaylist())
	if err != nil {
		return nil, completed, fmt.Errorf("record playlist: %w", err)
	}
	record(set)

	joined := make(model.JoinResult, len(results)+1)
	for _, res := range results {
		joined[res.Branch] = *res
	}
	joined[model.PlaylistBranch] = *playlist

	return joined, completed, nil
}

// retryOrFail records a failed attempt. When no attempt is left the job is
// failed right away instead of parking a message that could never run.
func (o *orchestrator) retryOrFail(ctx context.Context, job *model.Job, cause error, logger *slog.Logger) error {
	if errors.Is(cause, repository.ErrStaleJob) {
		metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
		logger.Info("execution superseded during attempt")
		return nil
	}

	if o.retryPolicy.Exhausted(job.Attempt + 1) {
		o.fail(ctx, job, cause.Error(), logger)
		return nil
	}

	job.LastError = cause.Error()
	if err := job.TransitionTo(model.JobStateRetrying); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, repository.ErrStaleJob) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
			return nil
		}
		logger.Error("failed to record retry", "error", err)
	}

	metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeRetried).Inc()
	logger.Warn("job attempt failed", "error", cause)
	return cause
}

// fail marks the job FAILED. The status row is left as it is: an asset
// whose job failed stays PROCESSING until it is re-uploaded.
func (o *orchestrator) fail(ctx context.Context, job *model.Job, reason string, logger *slog.Logger) {
	job.LastError = reason
	if err := job.TransitionTo(model.JobStateFailed); err != nil {
		logger.Error("cannot fail job", "state", job.State, "error", err)
		return
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, repository.ErrStaleJob) {
			metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeStale).Inc()
			return
		}
		logger.Error("failed to record job failure", "error", err)
		return
	}

	metrics.JobsTotal.WithLabelValues(metrics.JobOutcomeFailed).Inc()
	logger.Error("job failed, retries exhausted", "last_error", reason)
}

// abandon fails a job whose first message could not be enqueued.
func (s *jobSubmitter) abandon(ctx context.Context, job *model.Job, cause error) {
	job.LastError = cause.Error()
	if err := job.TransitionTo(model.JobStateFailed); err != nil {
		return
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		slog.Error("failed to abandon unpublished job",
			"asset_id", job.AssetID,
			"execution_id", job.ExecutionID,
			"error", err,
		)
	}
}

func observeBranch(branch string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.BranchDurationSeconds.WithLabelValues(branch, result).Observe(time.Since(start).Seconds())
}
