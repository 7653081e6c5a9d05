package usecase

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/transcoder"
)

// mockFileRepository provides a configurable fake for repository.FileRepository.
type mockFileRepository struct {
	insertFileFn    func(ctx context.Context, f *model.File) (*model.File, error)
	getFileFn       func(ctx context.Context, id int64) (*model.File, error)
	listFilesFn     func(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error)
	deleteFileFn    func(ctx context.Context, id int64) error
	appendVariantFn func(ctx context.Context, fileID int64, quality int, key model.ObjectKey) error
}

func (m *mockFileRepository) InsertFile(ctx context.Context, f *model.File) (*model.File, error) {
	if m.insertFileFn != nil {
		return m.insertFileFn(ctx, f)
	}
	cp := *f
	cp.ID = 1
	return &cp, nil
}

func (m *mockFileRepository) GetFile(ctx context.Context, id int64) (*model.File, error) {
	if m.getFileFn != nil {
		return m.getFileFn(ctx, id)
	}
	return nil, repository.ErrFileNotFound
}

func (m *mockFileRepository) ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error) {
	if m.listFilesFn != nil {
		return m.listFilesFn(ctx, offset, limit, ownerID)
	}
	return nil, nil
}

func (m *mockFileRepository) DeleteFile(ctx context.Context, id int64) error {
	if m.deleteFileFn != nil {
		return m.deleteFileFn(ctx, id)
	}
	return nil
}

func (m *mockFileRepository) AppendVariant(ctx context.Context, fileID int64, quality int, key model.ObjectKey) error {
	if m.appendVariantFn != nil {
		return m.appendVariantFn(ctx, fileID, quality, key)
	}
	return nil
}

// mockJobRepository provides a configurable fake for repository.JobRepository.
type mockJobRepository struct {
	createJobsFn       func(ctx context.Context, fileID int64, qualities []int) ([]*model.TranscodingJob, []repository.SkippedQuality, error)
	getJobFn           func(ctx context.Context, id int64) (*model.TranscodingJob, error)
	listJobsForFileFn  func(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error)
	listJobsFn         func(ctx context.Context, status *model.Status, offset, limit int) ([]*model.TranscodingJob, int, error)
	transitionJobFn    func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error)
	setQueueTaskIDFn   func(ctx context.Context, jobID int64, taskID string) error
	setProgressFn      func(ctx context.Context, jobID int64, progress float64) error
	completeJobFn      func(ctx context.Context, jobID, fileID int64, quality int, outputKey model.ObjectKey, outputSize int64, metadata *model.EncoderMetadata) (*model.TranscodingJob, error)
}

func (m *mockJobRepository) CreateJobs(ctx context.Context, fileID int64, qualities []int) ([]*model.TranscodingJob, []repository.SkippedQuality, error) {
	if m.createJobsFn != nil {
		return m.createJobsFn(ctx, fileID, qualities)
	}
	return nil, nil, nil
}

func (m *mockJobRepository) GetJob(ctx context.Context, id int64) (*model.TranscodingJob, error) {
	if m.getJobFn != nil {
		return m.getJobFn(ctx, id)
	}
	return nil, repository.ErrJobNotFound
}

func (m *mockJobRepository) ListJobsForFile(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error) {
	if m.listJobsForFileFn != nil {
		return m.listJobsForFileFn(ctx, fileID)
	}
	return nil, nil
}

func (m *mockJobRepository) ListJobs(ctx context.Context, status *model.Status, offset, limit int) ([]*model.TranscodingJob, int, error) {
	if m.listJobsFn != nil {
		return m.listJobsFn(ctx, status, offset, limit)
	}
	return nil, 0, nil
}

func (m *mockJobRepository) TransitionJob(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
	if m.transitionJobFn != nil {
		return m.transitionJobFn(ctx, id, from, to, patch)
	}
	return nil, nil
}

func (m *mockJobRepository) SetQueueTaskID(ctx context.Context, jobID int64, taskID string) error {
	if m.setQueueTaskIDFn != nil {
		return m.setQueueTaskIDFn(ctx, jobID, taskID)
	}
	return nil
}

func (m *mockJobRepository) SetProgress(ctx context.Context, jobID int64, progress float64) error {
	if m.setProgressFn != nil {
		return m.setProgressFn(ctx, jobID, progress)
	}
	return nil
}

func (m *mockJobRepository) CompleteJob(ctx context.Context, jobID, fileID int64, quality int, outputKey model.ObjectKey, outputSize int64, metadata *model.EncoderMetadata) (*model.TranscodingJob, error) {
	if m.completeJobFn != nil {
		return m.completeJobFn(ctx, jobID, fileID, quality, outputKey, outputSize, metadata)
	}
	return &model.TranscodingJob{ID: jobID, FileID: fileID, TargetQuality: quality, Status: model.StatusCompleted}, nil
}

// mockObjectStorage provides a configurable fake for repository.ObjectStorage.
type mockObjectStorage struct {
	ensureBucketFn func(ctx context.Context) error
	putFn          func(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	statFn         func(ctx context.Context, key string) (repository.ObjectInfo, error)
	getFn          func(ctx context.Context, key string) (io.ReadCloser, error)
	getRangeFn     func(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	deleteFn       func(ctx context.Context, key string) error
	presignPutFn   func(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint) (string, error)
	presignGetFn   func(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint, disposition, contentType string) (string, error)
}

func (m *mockObjectStorage) EnsureBucket(ctx context.Context) error {
	if m.ensureBucketFn != nil {
		return m.ensureBucketFn(ctx)
	}
	return nil
}

func (m *mockObjectStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.putFn != nil {
		return m.putFn(ctx, key, r, size, contentType)
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (m *mockObjectStorage) Stat(ctx context.Context, key string) (repository.ObjectInfo, error) {
	if m.statFn != nil {
		return m.statFn(ctx, key)
	}
	return repository.ObjectInfo{Key: key}, nil
}

func (m *mockObjectStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockObjectStorage) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if m.getRangeFn != nil {
		return m.getRangeFn(ctx, key, offset, length)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockObjectStorage) Delete(ctx context.Context, key string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, key)
	}
	return nil
}

func (m *mockObjectStorage) PresignPut(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint) (string, error) {
	if m.presignPutFn != nil {
		return m.presignPutFn(ctx, key, ttl, hint)
	}
	return "http://example.com/upload", nil
}

func (m *mockObjectStorage) PresignGet(ctx context.Context, key string, ttl time.Duration, hint repository.NetworkHint, disposition, contentType string) (string, error) {
	if m.presignGetFn != nil {
		return m.presignGetFn(ctx, key, ttl, hint, disposition, contentType)
	}
	return "http://example.com/download", nil
}

// mockMessageQueue provides a configurable fake for repository.MessageQueue.
type mockMessageQueue struct {
	enqueueFn func(ctx context.Context, task repository.TranscodeTask) (string, error)
	consumeFn func(ctx context.Context, handler func(task repository.TranscodeTask) error) error
	revokeFn  func(ctx context.Context, taskID string) error
}

func (m *mockMessageQueue) Enqueue(ctx context.Context, task repository.TranscodeTask) (string, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, task)
	}
	return "task-id", nil
}

func (m *mockMessageQueue) Consume(ctx context.Context, handler func(task repository.TranscodeTask) error) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, handler)
	}
	return nil
}

func (m *mockMessageQueue) Revoke(ctx context.Context, taskID string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, taskID)
	}
	return nil
}

func (m *mockMessageQueue) Close() error { return nil }

// mockTranscoder provides a configurable fake for transcoder.Transcoder.
type mockTranscoder struct {
	encodeFn func(ctx context.Context, req transcoder.EncodeRequest, progress chan<- transcoder.ProgressEvent) (*transcoder.EncodeOutput, error)
}

func (m *mockTranscoder) Encode(ctx context.Context, req transcoder.EncodeRequest, progress chan<- transcoder.ProgressEvent) (*transcoder.EncodeOutput, error) {
	defer close(progress)
	if m.encodeFn != nil {
		return m.encodeFn(ctx, req, progress)
	}
	return &transcoder.EncodeOutput{OutputPath: req.OutputPath}, nil
}

// mockProber provides a configurable fake for transcoder.Prober.
type mockProber struct {
	probeFn func(ctx context.Context, path string) (*model.VideoMetadata, error)
}

func (m *mockProber) Probe(ctx context.Context, path string) (*model.VideoMetadata, error) {
	if m.probeFn != nil {
		return m.probeFn(ctx, path)
	}
	return &model.VideoMetadata{DurationSeconds: 10, Width: 1920, Height: 1080}, nil
}

// mockFileCache provides a configurable fake for cache.FileCache.
type mockFileCache struct {
	getFn    func(ctx context.Context, id int64) (*model.File, error)
	setFn    func(ctx context.Context, f *model.File, ttl time.Duration) error
	deleteFn func(ctx context.Context, id int64) error
}

func (m *mockFileCache) Get(ctx context.Context, id int64) (*model.File, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

func (m *mockFileCache) Set(ctx context.Context, f *model.File, ttl time.Duration) error {
	if m.setFn != nil {
		return m.setFn(ctx, f, ttl)
	}
	return nil
}

func (m *mockFileCache) Delete(ctx context.Context, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}
