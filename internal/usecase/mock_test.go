package usecase

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cache"
	"github.com/hszk-dev/hlspack/internal/transcoder"
)

// mockStatusStore is an in-memory StatusStore that enforces the same
// transitions as the database implementation. Function fields override it.
type mockStatusStore struct {
	mu   sync.Mutex
	rows map[string]model.Status

	getStatusFn    func(ctx context.Context, assetID string) (model.Status, error)
	setStatusFn    func(ctx context.Context, assetID string, status model.Status) error
	removeStatusFn func(ctx context.Context, assetID string) error

	getCount atomic.Int32
	setCalls []model.Status
}

func newMockStatusStore() *mockStatusStore {
	return &mockStatusStore{rows: make(map[string]model.Status)}
}

func (m *mockStatusStore) GetStatus(ctx context.Context, assetID string) (model.Status, error) {
	m.getCount.Add(1)
	if m.getStatusFn != nil {
		return m.getStatusFn(ctx, assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.rows[assetID]
	if !ok {
		return "", repository.ErrStatusNotFound
	}
	return status, nil
}

func (m *mockStatusStore) SetStatus(ctx context.Context, assetID string, status model.Status) error {
	m.mu.Lock()
	m.setCalls = append(m.setCalls, status)
	m.mu.Unlock()

	if m.setStatusFn != nil {
		return m.setStatusFn(ctx, assetID, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rows[assetID]
	if !ok && !status.CanTransitionFrom("") {
		return repository.ErrStatusNotFound
	}
	if !status.CanTransitionFrom(prev) {
		return repository.ErrInvalidTransition
	}
	m.rows[assetID] = status
	return nil
}

func (m *mockStatusStore) RemoveStatus(ctx context.Context, assetID string) error {
	if m.removeStatusFn != nil {
		return m.removeStatusFn(ctx, assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.rows[assetID]
	if !ok {
		return repository.ErrStatusNotFound
	}
	if status.IsProcessing() {
		return repository.ErrStatusProcessing
	}
	delete(m.rows, assetID)
	return nil
}

func (m *mockStatusStore) status(assetID string) (model.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[assetID]
	return s, ok
}

// mockJobRepository is an in-memory JobRepository keyed by asset ID.
type mockJobRepository struct {
	mu   sync.Mutex
	jobs map[string]model.Job

	admitFn  func(ctx context.Context, job *model.Job) error
	updateFn func(ctx context.Context, job *model.Job) error
	markFn   func(ctx context.Context, assetID string, executionID uuid.UUID, branches model.BranchSet) (model.BranchSet, error)

	// onGet runs before every read; tests use it to line up workers.
	onGet func(assetID string)

	updates []model.JobState
}

func newMockJobRepository() *mockJobRepository {
	return &mockJobRepository{jobs: make(map[string]model.Job)}
}

func (m *mockJobRepository) Admit(ctx context.Context, job *model.Job) error {
	if m.admitFn != nil {
		return m.admitFn(ctx, job)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.AssetID]; ok && !existing.State.IsTerminal() {
		return repository.ErrJobInProgress
	}
	m.jobs[job.AssetID] = *job
	return nil
}

func (m *mockJobRepository) Get(_ context.Context, assetID string) (*model.Job, error) {
	if m.onGet != nil {
		m.onGet(assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[assetID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return &job, nil
}

func (m *mockJobRepository) Update(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	m.updates = append(m.updates, job.State)
	m.mu.Unlock()

	if m.updateFn != nil {
		return m.updateFn(ctx, job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.AssetID]
	if !ok || existing.ExecutionID != job.ExecutionID || existing.Version != job.Version {
		return repository.ErrStaleJob
	}
	job.Version++
	m.jobs[job.AssetID] = *job
	return nil
}

func (m *mockJobRepository) MarkBranchComplete(ctx context.Context, assetID string, executionID uuid.UUID, branches model.BranchSet) (model.BranchSet, error) {
	if m.markFn != nil {
		return m.markFn(ctx, assetID, executionID, branches)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[assetID]
	if !ok || job.ExecutionID != executionID {
		return 0, repository.ErrStaleJob
	}
	job.CompletedBranches |= branches
	m.jobs[assetID] = job
	return job.CompletedBranches, nil
}

func (m *mockJobRepository) job(assetID string) model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[assetID]
}

func (m *mockJobRepository) put(job model.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.AssetID] = job
}

// mockObjectStorage is an in-memory ObjectStorage. Function fields
// override the default behavior.
type mockObjectStorage struct {
	mu      sync.Mutex
	objects map[string]storedObject

	generatePresignedUploadURLFn func(ctx context.Context, key string, expiry time.Duration) (string, error)
	uploadFn                     func(ctx context.Context, key string, reader io.Reader, contentType string) error
	downloadFn                   func(ctx context.Context, key string) (io.ReadCloser, error)
	statFn                       func(ctx context.Context, key string) (*repository.ObjectInfo, error)
	deletePrefixFn               func(ctx context.Context, prefix string) (int, error)
}

type storedObject struct {
	data        []byte
	contentType string
}

func newMockObjectStorage() *mockObjectStorage {
	return &mockObjectStorage{objects: make(map[string]storedObject)}
}

func (m *mockObjectStorage) GeneratePresignedUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if m.generatePresignedUploadURLFn != nil {
		return m.generatePresignedUploadURLFn(ctx, key, expiry)
	}
	return "http://example.com/upload/" + key, nil
}

func (m *mockObjectStorage) Upload(ctx context.Context, key string, reader io.Reader, contentType string) error {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, key, reader, contentType)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = storedObject{data: data, contentType: contentType}
	return nil
}

func (m *mockObjectStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.downloadFn != nil {
		return m.downloadFn(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(string(obj.data))), nil
}

func (m *mockObjectStorage) Stat(ctx context.Context, key string) (*repository.ObjectInfo, error) {
	if m.statFn != nil {
		return m.statFn(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return &repository.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *mockObjectStorage) List(_ context.Context, prefix string) ([]repository.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, repository.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *mockObjectStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *mockObjectStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if m.deletePrefixFn != nil {
		return m.deletePrefixFn(ctx, prefix)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			removed++
		}
	}
	return removed, nil
}

func (m *mockObjectStorage) put(key, contentType, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = storedObject{data: []byte(data), contentType: contentType}
}

func (m *mockObjectStorage) get(key string) (storedObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *mockObjectStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mockJobQueue records published messages.
type mockJobQueue struct {
	mu        sync.Mutex
	published []repository.JobMessage

	publishJobFn func(ctx context.Context, msg repository.JobMessage) error
}

func (m *mockJobQueue) PublishJob(ctx context.Context, msg repository.JobMessage) error {
	if m.publishJobFn != nil {
		return m.publishJobFn(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	return nil
}

func (m *mockJobQueue) ConsumeJobs(ctx context.Context, _ func(ctx context.Context, msg repository.JobMessage) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockJobQueue) Close() error {
	return nil
}

func (m *mockJobQueue) messages() []repository.JobMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.JobMessage(nil), m.published...)
}

// mockTranscoder writes a playlist and segments for each rendition unless
// transcodeFn is set.
type mockTranscoder struct {
	transcodeFn func(ctx context.Context, inputPath, outputDir string, spec model.RenditionSpec) (*transcoder.RenditionOutput, error)
}

func (m *mockTranscoder) TranscodeRendition(ctx context.Context, inputPath, outputDir string, spec model.RenditionSpec) (*transcoder.RenditionOutput, error) {
	if m.transcodeFn != nil {
		return m.transcodeFn(ctx, inputPath, outputDir, spec)
	}
	return nil, nil
}

// mockStatusCache is an in-memory StatusCache.
type mockStatusCache struct {
	mu   sync.Mutex
	data map[string]model.Status

	getFn    func(ctx context.Context, assetID string) (*cache.CachedStatus, error)
	setFn    func(ctx context.Context, assetID string, status model.Status, ttl time.Duration) error
	deleteFn func(ctx context.Context, assetID string) error

	deleteCount atomic.Int32
}

func newMockStatusCache() *mockStatusCache {
	return &mockStatusCache{data: make(map[string]model.Status)}
}

func (m *mockStatusCache) Get(ctx context.Context, assetID string) (*cache.CachedStatus, error) {
	if m.getFn != nil {
		return m.getFn(ctx, assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.data[assetID]
	if !ok {
		return nil, nil
	}
	return &cache.CachedStatus{Status: status, CachedAt: time.Now()}, nil
}

func (m *mockStatusCache) Set(ctx context.Context, assetID string, status model.Status, ttl time.Duration) error {
	if m.setFn != nil {
		return m.setFn(ctx, assetID, status, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[assetID] = status
	return nil
}

func (m *mockStatusCache) Delete(ctx context.Context, assetID string) error {
	m.deleteCount.Add(1)
	if m.deleteFn != nil {
		return m.deleteFn(ctx, assetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, assetID)
	return nil
}

func (m *mockStatusCache) has(assetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[assetID]
	return ok
}

// mockCDNInvalidator records invalidated paths.
type mockCDNInvalidator struct {
	mu    sync.Mutex
	paths []string

	invalidateFn func(ctx context.Context, paths ...string) (string, error)
}

func (m *mockCDNInvalidator) Invalidate(ctx context.Context, paths ...string) (string, error) {
	m.mu.Lock()
	m.paths = append(m.paths, paths...)
	m.mu.Unlock()
	if m.invalidateFn != nil {
		return m.invalidateFn(ctx, paths...)
	}
	return "I-TEST", nil
}

func (m *mockCDNInvalidator) invalidated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

// mockRenditionService lets orchestrator tests control each branch.
type mockRenditionService struct {
	transcodeFn func(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error)
	calls       atomic.Int32
}

func (m *mockRenditionService) TranscodeRendition(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
	m.calls.Add(1)
	if m.transcodeFn != nil {
		return m.transcodeFn(ctx, job, spec)
	}
	return &model.BranchResult{
		Branch:  spec.Name,
		AssetID: job.AssetID,
		Keys:    []string{model.OutputPrefix(job.AssetID) + spec.PlaylistName()},
	}, nil
}

// mockFinalizer records join results.
type mockFinalizer struct {
	mu      sync.Mutex
	results []model.JoinResult
}

func (m *mockFinalizer) Finalize(_ context.Context, result model.JoinResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func (m *mockFinalizer) calls() []model.JoinResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.JoinResult(nil), m.results...)
}

// mockJobSubmitter records submitted jobs.
type mockJobSubmitter struct {
	mu        sync.Mutex
	submitted []model.TranscodingJob

	submitFn func(ctx context.Context, job model.TranscodingJob) error
}

func (m *mockJobSubmitter) Submit(ctx context.Context, job model.TranscodingJob) error {
	m.mu.Lock()
	m.submitted = append(m.submitted, job)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ctx, job)
	}
	return nil
}

func (m *mockJobSubmitter) jobs() []model.TranscodingJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TranscodingJob(nil), m.submitted...)
}
