package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

type orchestratorFixture struct {
	jobs       *mockJobRepository
	queue      *mockJobQueue
	status     *mockStatusStore
	storage    *mockObjectStorage
	renditions *mockRenditionService
	cdn        *mockCDNInvalidator
	orch       Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		jobs:       newMockJobRepository(),
		queue:      &mockJobQueue{},
		status:     newMockStatusStore(),
		storage:    newMockObjectStorage(),
		renditions: &mockRenditionService{},
		cdn:        &mockCDNInvalidator{},
	}

	ladder := model.DefaultLadder()
	f.orch = NewOrchestrator(
		f.jobs,
		f.queue,
		f.renditions,
		NewPlaylistComposer(f.status, f.storage, ladder),
		NewFinalizer(f.status, f.cdn),
		OrchestratorConfig{
			Ladder:      ladder,
			RetryPolicy: model.DefaultRetryPolicy(),
		},
	)
	return f
}

func (f *orchestratorFixture) submit(t *testing.T, key string) repository.JobMessage {
	t.Helper()

	job, err := model.NewTranscodingJob(key)
	if err != nil {
		t.Fatalf("NewTranscodingJob() error = %v", err)
	}
	if err := f.orch.Submit(context.Background(), *job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	msgs := f.queue.messages()
	if len(msgs) == 0 {
		t.Fatal("Submit() published no message")
	}
	return msgs[len(msgs)-1]
}

func TestOrchestrator_Submit(t *testing.T) {
	f := newOrchestratorFixture(t)

	msg := f.submit(t, "movie123/video/movie.mp4")

	if msg.AssetID != "movie123" {
		t.Errorf("AssetID = %q, want %q", msg.AssetID, "movie123")
	}
	if msg.SourceKey != "movie123/video/movie.mp4" {
		t.Errorf("SourceKey = %q, want %q", msg.SourceKey, "movie123/video/movie.mp4")
	}
	if msg.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", msg.Attempt)
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStatePending {
		t.Errorf("job state = %s, want %s", job.State, model.JobStatePending)
	}
	if job.ExecutionID != msg.ExecutionID {
		t.Errorf("ExecutionID = %s, want %s", job.ExecutionID, msg.ExecutionID)
	}
}

func TestOrchestrator_Submit_PublishFailureReleasesAsset(t *testing.T) {
	f := newOrchestratorFixture(t)
	publishErr := errors.New("broker down")
	f.queue.publishJobFn = func(ctx context.Context, msg repository.JobMessage) error {
		return publishErr
	}

	job, _ := model.NewTranscodingJob("movie123/video/movie.mp4")
	err := f.orch.Submit(context.Background(), *job)
	if !errors.Is(err, publishErr) {
		t.Fatalf("Submit() error = %v, want %v", err, publishErr)
	}

	if got := f.jobs.job("movie123").State; got != model.JobStateFailed {
		t.Errorf("job state = %s, want %s", got, model.JobStateFailed)
	}

	// The asset can be admitted again once the broker is back.
	f.queue.publishJobFn = nil
	if err := f.orch.Submit(context.Background(), *job); err != nil {
		t.Errorf("second Submit() error = %v", err)
	}
}

// Upload, all five branches succeed, asset is FINISHED and invalidated.
func TestOrchestrator_ProcessJob_Success(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	var playlistBeforeRenditions atomic.Bool
	f.renditions.transcodeFn = func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		if _, ok := f.storage.get(model.MasterPlaylistKey(job.AssetID)); ok {
			playlistBeforeRenditions.Store(true)
		}
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(ctx, msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if got := f.renditions.calls.Load(); got != 4 {
		t.Errorf("rendition branches = %d, want 4", got)
	}
	if playlistBeforeRenditions.Load() {
		t.Error("master playlist was published before the renditions finished")
	}

	master, ok := f.storage.get("movie123/index.m3u8")
	if !ok {
		t.Fatal("master playlist not uploaded")
	}
	for _, bw := range []string{"BANDWIDTH=800000", "BANDWIDTH=1400000", "BANDWIDTH=2800000", "BANDWIDTH=5000000"} {
		if !strings.Contains(string(master.data), bw) {
			t.Errorf("master playlist missing %s", bw)
		}
	}

	if got, _ := f.status.status("movie123"); got != model.StatusFinished {
		t.Errorf("status = %s, want %s", got, model.StatusFinished)
	}
	if got := f.cdn.invalidated(); len(got) != 1 || got[0] != "/movie123/*" {
		t.Errorf("invalidated = %v, want [/movie123/*]", got)
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", job.State, model.JobStateSucceeded)
	}
	if !job.CompletedBranches.Complete(4) {
		t.Errorf("completed branches = %b, want all renditions and playlist", job.CompletedBranches)
	}
}

func TestOrchestrator_ProcessJob_StatusSequence(t *testing.T) {
	f := newOrchestratorFixture(t)

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	want := []model.Status{model.StatusProcessing, model.StatusFinished}
	if len(f.status.setCalls) != len(want) {
		t.Fatalf("status writes = %v, want %v", f.status.setCalls, want)
	}
	for i := range want {
		if f.status.setCalls[i] != want[i] {
			t.Errorf("status write %d = %s, want %s", i, f.status.setCalls[i], want[i])
		}
	}
}

// A permanent encode error exhausts the retries; the status row is left
// PROCESSING.
func TestOrchestrator_ProcessJob_RetriesExhausted(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	encodeErr := errors.New("unsupported codec")
	f.renditions.transcodeFn = func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		if spec.Name == "720p" {
			return nil, encodeErr
		}
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	policy := model.DefaultRetryPolicy()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		msg.Attempt = attempt
		err := f.orch.ProcessJob(ctx, msg)

		last := attempt == policy.MaxAttempts-1
		switch {
		case last && err != nil:
			t.Fatalf("attempt %d: ProcessJob() error = %v, want nil once exhausted", attempt, err)
		case !last && !errors.Is(err, encodeErr):
			t.Fatalf("attempt %d: ProcessJob() error = %v, want %v", attempt, err, encodeErr)
		}

		if !last {
			if got := f.jobs.job("movie123").State; got != model.JobStateRetrying {
				t.Errorf("attempt %d: job state = %s, want %s", attempt, got, model.JobStateRetrying)
			}
		}
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStateFailed {
		t.Errorf("job state = %s, want %s", job.State, model.JobStateFailed)
	}
	if !strings.Contains(job.LastError, "unsupported codec") {
		t.Errorf("LastError = %q, want encode error", job.LastError)
	}
	if got, _ := f.status.status("movie123"); got != model.StatusProcessing {
		t.Errorf("status = %s, want %s", got, model.StatusProcessing)
	}
	if _, ok := f.storage.get("movie123/index.m3u8"); ok {
		t.Error("master playlist published for a failed job")
	}
	if got := f.cdn.invalidated(); len(got) != 0 {
		t.Errorf("invalidated = %v, want none", got)
	}
}

func TestOrchestrator_ProcessJob_BranchErrorCancelsSiblings(t *testing.T) {
	f := newOrchestratorFixture(t)

	var cancelled atomic.Int32
	f.renditions.transcodeFn = func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		if spec.Name == "360p" {
			return nil, errors.New("boom")
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
		}
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	start := time.Now()
	if err := f.orch.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("ProcessJob() error = nil, want branch error")
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ProcessJob() took %v, siblings were not cancelled", elapsed)
	}
	if got := cancelled.Load(); got != 3 {
		t.Errorf("cancelled branches = %d, want 3", got)
	}
}

func TestOrchestrator_ProcessJob_BranchConcurrencyLimit(t *testing.T) {
	f := newOrchestratorFixture(t)
	ladder := model.DefaultLadder()
	f.orch = NewOrchestrator(
		f.jobs, f.queue, f.renditions,
		NewPlaylistComposer(f.status, f.storage, ladder),
		NewFinalizer(f.status, f.cdn),
		OrchestratorConfig{Ladder: ladder, RetryPolicy: model.DefaultRetryPolicy(), BranchConcurrency: 2},
	)

	var running, peak atomic.Int32
	f.renditions.transcodeFn = func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent branches = %d, want <= 2", got)
	}
}

func TestOrchestrator_ProcessJob_StaleMessages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *orchestratorFixture, msg *repository.JobMessage)
	}{
		{
			name: "superseded execution",
			setup: func(f *orchestratorFixture, msg *repository.JobMessage) {
				msg.ExecutionID = uuid.New()
			},
		},
		{
			name: "terminal job",
			setup: func(f *orchestratorFixture, msg *repository.JobMessage) {
				job := f.jobs.job(msg.AssetID)
				job.State = model.JobStateSucceeded
				f.jobs.put(job)
			},
		},
		{
			name: "failed attempt redelivered while retrying",
			setup: func(f *orchestratorFixture, msg *repository.JobMessage) {
				job := f.jobs.job(msg.AssetID)
				job.State = model.JobStateRetrying
				job.Attempt = 1
				f.jobs.put(job)
				msg.Attempt = 1
			},
		},
		{
			name: "older attempt while running",
			setup: func(f *orchestratorFixture, msg *repository.JobMessage) {
				job := f.jobs.job(msg.AssetID)
				job.State = model.JobStateRunning
				job.Attempt = 2
				f.jobs.put(job)
				msg.Attempt = 1
			},
		},
		{
			name: "unknown job",
			setup: func(f *orchestratorFixture, msg *repository.JobMessage) {
				msg.AssetID = "other"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t)
			msg := f.submit(t, "movie123/video/movie.mp4")
			tt.setup(f, &msg)

			if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
				t.Errorf("ProcessJob() error = %v, want nil", err)
			}
			if got := f.renditions.calls.Load(); got != 0 {
				t.Errorf("rendition branches = %d, want 0", got)
			}
		})
	}
}

// The worker running attempt 0 died before acking: the record is left
// RUNNING and the broker redelivers the same message.
func TestOrchestrator_ProcessJob_RedeliveryAfterCrash(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	msg := f.submit(t, "movie123/video/movie.mp4")

	crashed := f.jobs.job("movie123")
	if err := crashed.StartAttempt(0); err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}
	crashed.CompletedBranches = crashed.CompletedBranches.WithRendition(0)
	f.jobs.put(crashed)
	if err := f.status.SetStatus(ctx, "movie123", model.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	if err := f.orch.ProcessJob(ctx, msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", job.State, model.JobStateSucceeded)
	}
	if job.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0 (redelivery spends no retry)", job.Attempt)
	}
	if got := f.renditions.calls.Load(); got != 4 {
		t.Errorf("rendition branches = %d, want 4", got)
	}
	if got, _ := f.status.status("movie123"); got != model.StatusFinished {
		t.Errorf("status = %s, want %s", got, model.StatusFinished)
	}
	if _, ok := f.storage.get("movie123/index.m3u8"); !ok {
		t.Error("master playlist not published")
	}
}

// Another worker reclaims the execution while the first is still encoding.
// Only the newer claim may record the outcome.
func TestOrchestrator_ProcessJob_LostClaimDiscardsOutcome(t *testing.T) {
	f := newOrchestratorFixture(t)

	var once sync.Once
	f.renditions.transcodeFn = func(_ context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		once.Do(func() {
			rec := f.jobs.job(job.AssetID)
			if err := rec.StartAttempt(0); err != nil {
				t.Errorf("reclaim StartAttempt() error = %v", err)
				return
			}
			if err := f.jobs.Update(context.Background(), &rec); err != nil {
				t.Errorf("reclaim Update() error = %v", err)
			}
		})
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStateRunning {
		t.Errorf("job state = %s, want %s (owned by the newer claim)", job.State, model.JobStateRunning)
	}
	if job.Version != 2 {
		t.Errorf("Version = %d, want 2", job.Version)
	}
}

// Two copies of the same message: only one worker may move the record to
// RUNNING.
func TestOrchestrator_ProcessJob_ConcurrentDuplicatesClaimOnce(t *testing.T) {
	f := newOrchestratorFixture(t)

	msg := f.submit(t, "movie123/video/movie.mp4")
	job := f.jobs.job("movie123")
	job.State = model.JobStateRetrying
	f.jobs.put(job)
	msg.Attempt = 1

	// Both workers read the RETRYING record before either writes.
	var reads sync.WaitGroup
	reads.Add(2)
	var gets atomic.Int32
	f.jobs.onGet = func(string) {
		if gets.Add(1) <= 2 {
			reads.Done()
			reads.Wait()
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.orch.ProcessJob(context.Background(), msg)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: ProcessJob() error = %v", i, err)
		}
	}
	if got := f.renditions.calls.Load(); got != 4 {
		t.Errorf("rendition branches = %d, want 4 (one claim)", got)
	}
	if got := f.jobs.job("movie123").State; got != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", got, model.JobStateSucceeded)
	}
}

// Shutdown cancelling the attempt after the join must not stop the
// asset from being finalized.
func TestOrchestrator_ProcessJob_FinalizeAfterCancel(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.renditions.transcodeFn = func(_ context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		cancel()
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}
	var finalizeCtxErr error
	f.cdn.invalidateFn = func(ctx context.Context, paths ...string) (string, error) {
		finalizeCtxErr = ctx.Err()
		return "I-TEST", nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(ctx, msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if finalizeCtxErr != nil {
		t.Errorf("finalizer ran with a cancelled context: %v", finalizeCtxErr)
	}
	if got := f.cdn.invalidated(); len(got) != 1 {
		t.Errorf("invalidated = %v, want one path", got)
	}
	if got := f.jobs.job("movie123").State; got != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", got, model.JobStateSucceeded)
	}
}

func TestOrchestrator_ProcessJob_ExhaustedOnArrival(t *testing.T) {
	f := newOrchestratorFixture(t)

	msg := f.submit(t, "movie123/video/movie.mp4")
	msg.Attempt = model.DefaultRetryPolicy().MaxAttempts

	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if got := f.jobs.job("movie123").State; got != model.JobStateFailed {
		t.Errorf("job state = %s, want %s", got, model.JobStateFailed)
	}
	if got := f.renditions.calls.Load(); got != 0 {
		t.Errorf("rendition branches = %d, want 0", got)
	}
}

func TestOrchestrator_ProcessJob_RetryResetsCompletion(t *testing.T) {
	f := newOrchestratorFixture(t)

	var fail atomic.Bool
	fail.Store(true)
	f.renditions.transcodeFn = func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
		if spec.Name == "1080p" && fail.Load() {
			return nil, errors.New("transient")
		}
		return &model.BranchResult{Branch: spec.Name, AssetID: job.AssetID}, nil
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("first attempt: error = nil, want failure")
	}

	fail.Store(false)
	msg.Attempt = 1
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("second attempt: error = %v", err)
	}

	job := f.jobs.job("movie123")
	if job.State != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", job.State, model.JobStateSucceeded)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
	if job.LastError != "" {
		t.Errorf("LastError = %q, want empty after success", job.LastError)
	}
	if got := f.renditions.calls.Load(); got != 8 {
		t.Errorf("rendition branches = %d, want 8 (whole group re-run)", got)
	}
}

func TestOrchestrator_ProcessJob_BeginFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	dbErr := errors.New("db down")
	f.status.setStatusFn = func(ctx context.Context, assetID string, status model.Status) error {
		return dbErr
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); !errors.Is(err, dbErr) {
		t.Fatalf("ProcessJob() error = %v, want %v", err, dbErr)
	}
	if got := f.renditions.calls.Load(); got != 0 {
		t.Errorf("rendition branches = %d, want 0", got)
	}
}

// Finalizer failures are logged and never fail the job.
func TestOrchestrator_ProcessJob_FinalizerErrorsIgnored(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cdn.invalidateFn = func(ctx context.Context, paths ...string) (string, error) {
		return "", errors.New("cdn unavailable")
	}

	msg := f.submit(t, "movie123/video/movie.mp4")
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if got := f.jobs.job("movie123").State; got != model.JobStateSucceeded {
		t.Errorf("job state = %s, want %s", got, model.JobStateSucceeded)
	}
}

// Concurrent notifications for the same key converge on one execution.
func TestOrchestrator_Submit_DuplicatesConverge(t *testing.T) {
	f := newOrchestratorFixture(t)
	job, _ := model.NewTranscodingJob("movie123/video/movie.mp4")

	const n = 8
	var (
		wg         sync.WaitGroup
		admitted   atomic.Int32
		duplicates atomic.Int32
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.orch.Submit(context.Background(), *job)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, repository.ErrJobInProgress):
				duplicates.Add(1)
			default:
				t.Errorf("Submit() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Errorf("admitted = %d, want 1", admitted.Load())
	}
	if duplicates.Load() != n-1 {
		t.Errorf("duplicates = %d, want %d", duplicates.Load(), n-1)
	}
	if got := len(f.queue.messages()); got != 1 {
		t.Errorf("published messages = %d, want 1", got)
	}

	msg := f.queue.messages()[0]
	if err := f.orch.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if got, _ := f.status.status("movie123"); got != model.StatusFinished {
		t.Errorf("status = %s, want %s", got, model.StatusFinished)
	}

	// A re-upload after completion starts a new execution.
	if err := f.orch.Submit(context.Background(), *job); err != nil {
		t.Fatalf("re-upload Submit() error = %v", err)
	}
	msgs := f.queue.messages()
	if len(msgs) != 2 || msgs[1].ExecutionID == msg.ExecutionID {
		t.Errorf("re-upload did not start a new execution: %+v", msgs)
	}
}
