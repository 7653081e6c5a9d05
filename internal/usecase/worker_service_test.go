package usecase

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
	"github.com/nebula-systems/nebula/internal/transcoder"
)

var errSimulatedEncodeFailure = errors.New("simulated encode failure")

func newTestJobControl(t *testing.T) *jobcontrol.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return jobcontrol.NewClient(rdb)
}

func TestWorkerService_ProcessTask_SkipsTerminalJob(t *testing.T) {
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, Status: model.StatusCompleted}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			t.Fatal("TransitionJob should not be called for an already-terminal job")
			return nil, nil
		},
	}
	svc := NewWorkerService(&mockFileRepository{}, jobs, &mockObjectStorage{}, newTestJobControl(t), &mockTranscoder{}, &mockProber{}, DefaultWorkerServiceConfig())

	err := svc.ProcessTask(context.Background(), repository.TranscodeTask{JobID: 1, FileID: 1, TargetQuality: 720})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
}

func TestWorkerService_ProcessTask_CASConflictIsNotAnError(t *testing.T) {
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, Status: model.StatusPending}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			return nil, repository.ErrJobStateConflict
		},
	}
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: id, Filename: "clip.mp4"}, nil
		},
	}
	svc := NewWorkerService(files, jobs, &mockObjectStorage{}, newTestJobControl(t), &mockTranscoder{}, &mockProber{}, DefaultWorkerServiceConfig())

	err := svc.ProcessTask(context.Background(), repository.TranscodeTask{JobID: 1, FileID: 1, TargetQuality: 720})
	if err != nil {
		t.Fatalf("expected nil error on CAS conflict (message still acked), got %v", err)
	}
}

func TestWorkerService_ProcessTask_HappyPath(t *testing.T) {
	scratch := t.TempDir()
	cfg := DefaultWorkerServiceConfig()
	cfg.ScratchDir = scratch

	f := &model.File{ID: 1, Filename: "clip.mp4", ObjectKey: "uploads/2026/07/a.mp4", MimeType: "video/mp4"}

	var completedArgs struct {
		jobID, fileID int64
		quality       int
		key           model.ObjectKey
		size          int64
	}

	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) { return f, nil },
	}
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, FileID: 1, TargetQuality: 720, Status: model.StatusPending}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, FileID: 1, TargetQuality: 720, Status: to}, nil
		},
		completeJobFn: func(ctx context.Context, jobID, fileID int64, quality int, outputKey model.ObjectKey, outputSize int64, metadata *model.EncoderMetadata) (*model.TranscodingJob, error) {
			completedArgs.jobID, completedArgs.fileID, completedArgs.quality = jobID, fileID, quality
			completedArgs.key, completedArgs.size = outputKey, outputSize
			return &model.TranscodingJob{ID: jobID, Status: model.StatusCompleted}, nil
		},
	}
	storage := &mockObjectStorage{
		getRangeFn: func(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("source bytes")), nil
		},
		putFn: func(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
			return nil
		},
	}
	transc := &mockTranscoder{
		encodeFn: func(ctx context.Context, req transcoder.EncodeRequest, progress chan<- transcoder.ProgressEvent) (*transcoder.EncodeOutput, error) {
			progress <- transcoder.ProgressEvent{ProcessedSeconds: 5}
			if err := os.WriteFile(req.OutputPath, []byte("encoded output"), 0o644); err != nil {
				return nil, err
			}
			return &transcoder.EncodeOutput{OutputPath: req.OutputPath}, nil
		},
	}
	prober := &mockProber{
		probeFn: func(ctx context.Context, path string) (*model.VideoMetadata, error) {
			return &model.VideoMetadata{DurationSeconds: 10, Width: 1280, Height: 720}, nil
		},
	}

	svc := NewWorkerService(files, jobs, storage, newTestJobControl(t), transc, prober, cfg)

	err := svc.ProcessTask(context.Background(), repository.TranscodeTask{JobID: 9, FileID: 1, TargetQuality: 720})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if completedArgs.jobID != 9 || completedArgs.fileID != 1 || completedArgs.quality != 720 {
		t.Fatalf("unexpected CompleteJob args: %+v", completedArgs)
	}
	if completedArgs.key != "transcoded/1/clip_720p.mp4" {
		t.Errorf("unexpected output key: %q", completedArgs.key)
	}
	if completedArgs.size == 0 {
		t.Error("expected nonzero output size")
	}
}

func TestWorkerService_ProcessTask_EncodeFailureMarksJobFailed(t *testing.T) {
	scratch := t.TempDir()
	cfg := DefaultWorkerServiceConfig()
	cfg.ScratchDir = scratch

	var failedReason string
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: 1, Filename: "clip.mp4", ObjectKey: "uploads/a.mp4"}, nil
		},
	}
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, FileID: 1, TargetQuality: 480, Status: model.StatusPending}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			if to == model.StatusFailed && patch.ErrorMessage != nil {
				failedReason = *patch.ErrorMessage
			}
			return &model.TranscodingJob{ID: id, Status: to}, nil
		},
	}
	storage := &mockObjectStorage{
		getRangeFn: func(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("source bytes")), nil
		},
	}
	transc := &mockTranscoder{
		encodeFn: func(ctx context.Context, req transcoder.EncodeRequest, progress chan<- transcoder.ProgressEvent) (*transcoder.EncodeOutput, error) {
			return nil, errSimulatedEncodeFailure
		},
	}

	svc := NewWorkerService(files, jobs, storage, newTestJobControl(t), transc, &mockProber{}, cfg)

	if err := svc.ProcessTask(context.Background(), repository.TranscodeTask{JobID: 3, FileID: 1, TargetQuality: 480}); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if failedReason == "" {
		t.Error("expected job to be marked failed with a reason recorded")
	}
}

func TestWorkerService_ProcessTask_CancellationFlagStopsEncode(t *testing.T) {
	scratch := t.TempDir()
	cfg := DefaultWorkerServiceConfig()
	cfg.ScratchDir = scratch
	cfg.CancelPollInterval = 10 * time.Millisecond

	control := newTestJobControl(t)
	if err := control.RequestCancel(context.Background(), "task-cancel-me"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	var cancelledTo model.Status
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: 1, Filename: "clip.mp4", ObjectKey: "uploads/a.mp4"}, nil
		},
	}
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, FileID: 1, TargetQuality: 480, Status: model.StatusPending}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			if to == model.StatusProcessing {
				return &model.TranscodingJob{ID: id, FileID: 1, TargetQuality: 480, Status: to, QueueTaskID: "task-cancel-me"}, nil
			}
			cancelledTo = to
			return &model.TranscodingJob{ID: id, Status: to}, nil
		},
	}
	storage := &mockObjectStorage{
		getRangeFn: func(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("source bytes")), nil
		},
	}
	transc := &mockTranscoder{
		encodeFn: func(ctx context.Context, req transcoder.EncodeRequest, progress chan<- transcoder.ProgressEvent) (*transcoder.EncodeOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	svc := NewWorkerService(files, jobs, storage, control, transc, &mockProber{}, cfg)

	if err := svc.ProcessTask(context.Background(), repository.TranscodeTask{JobID: 4, FileID: 1, TargetQuality: 480}); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if cancelledTo != model.StatusCancelled {
		t.Errorf("expected job transitioned to cancelled, got %v", cancelledTo)
	}
}
