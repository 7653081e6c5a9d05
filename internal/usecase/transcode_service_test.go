package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
)

func TestTranscodeService_RequestTranscode_RejectsNonVideo(t *testing.T) {
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: 1, MimeType: "application/pdf"}, nil
		},
	}
	svc := NewTranscodeService(files, &mockJobRepository{}, &mockMessageQueue{})

	_, err := svc.RequestTranscode(context.Background(), RequestTranscodeInput{FileID: 1, Qualities: []int{720}})
	if !errors.Is(err, ErrNotVideo) {
		t.Fatalf("expected ErrNotVideo, got %v", err)
	}
}

func TestTranscodeService_RequestTranscode_DropsUnrecognizedQualitiesBeforeCreate(t *testing.T) {
	var gotQualities []int
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: 1, MimeType: "video/mp4"}, nil
		},
	}
	jobs := &mockJobRepository{
		createJobsFn: func(ctx context.Context, fileID int64, qualities []int) ([]*model.TranscodingJob, []repository.SkippedQuality, error) {
			gotQualities = qualities
			return []*model.TranscodingJob{{ID: 10, FileID: fileID, TargetQuality: 720}}, nil, nil
		},
	}
	queue := &mockMessageQueue{}
	svc := NewTranscodeService(files, jobs, queue)

	out, err := svc.RequestTranscode(context.Background(), RequestTranscodeInput{FileID: 1, Qualities: []int{720, 360}})
	if err != nil {
		t.Fatalf("RequestTranscode: %v", err)
	}
	if len(gotQualities) != 1 || gotQualities[0] != 720 {
		t.Fatalf("expected only recognized quality passed to CreateJobs, got %v", gotQualities)
	}
	if len(out.Created) != 1 {
		t.Fatalf("expected 1 created job, got %d", len(out.Created))
	}
}

func TestTranscodeService_RequestTranscode_EnqueuesEachCreatedJob(t *testing.T) {
	var enqueued []repository.TranscodeTask
	var taskIDSet int64
	files := &mockFileRepository{
		getFileFn: func(ctx context.Context, id int64) (*model.File, error) {
			return &model.File{ID: 1, MimeType: "video/mp4", ObjectKey: "uploads/a.mp4"}, nil
		},
	}
	jobs := &mockJobRepository{
		createJobsFn: func(ctx context.Context, fileID int64, qualities []int) ([]*model.TranscodingJob, []repository.SkippedQuality, error) {
			return []*model.TranscodingJob{
				{ID: 1, FileID: fileID, TargetQuality: 480},
				{ID: 2, FileID: fileID, TargetQuality: 720},
			}, []repository.SkippedQuality{{Quality: 1080, Reason: "already transcoded"}}, nil
		},
		setQueueTaskIDFn: func(ctx context.Context, jobID int64, taskID string) error {
			taskIDSet++
			return nil
		},
	}
	queue := &mockMessageQueue{
		enqueueFn: func(ctx context.Context, task repository.TranscodeTask) (string, error) {
			enqueued = append(enqueued, task)
			return "task-id", nil
		},
	}

	svc := NewTranscodeService(files, jobs, queue)
	out, err := svc.RequestTranscode(context.Background(), RequestTranscodeInput{FileID: 1, Qualities: []int{480, 720, 1080}})
	if err != nil {
		t.Fatalf("RequestTranscode: %v", err)
	}
	if len(enqueued) != 2 {
		t.Fatalf("expected 2 tasks enqueued, got %d", len(enqueued))
	}
	if taskIDSet != 2 {
		t.Fatalf("expected queue task id recorded for both jobs, got %d", taskIDSet)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].Quality != 1080 {
		t.Fatalf("expected skipped quality surfaced, got %+v", out.Skipped)
	}
}

func TestTranscodeService_CancelJob_RevokesActiveJob(t *testing.T) {
	var revoked string
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, Status: model.StatusProcessing, QueueTaskID: "task-5"}, nil
		},
	}
	queue := &mockMessageQueue{
		revokeFn: func(ctx context.Context, taskID string) error {
			revoked = taskID
			return nil
		},
	}
	svc := NewTranscodeService(&mockFileRepository{}, jobs, queue)

	if err := svc.CancelJob(context.Background(), 5); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if revoked != "task-5" {
		t.Errorf("expected revoke called with task id, got %q", revoked)
	}
}

func TestTranscodeService_CancelJob_RejectsTerminalJob(t *testing.T) {
	revokeCalled := false
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, Status: model.StatusCompleted}, nil
		},
	}
	queue := &mockMessageQueue{
		revokeFn: func(ctx context.Context, taskID string) error {
			revokeCalled = true
			return nil
		},
	}
	svc := NewTranscodeService(&mockFileRepository{}, jobs, queue)

	err := svc.CancelJob(context.Background(), 5)
	if !errors.Is(err, repository.ErrJobStateConflict) {
		t.Fatalf("expected ErrJobStateConflict for a terminal job, got %v", err)
	}
	if revokeCalled {
		t.Error("expected no revoke call for an already-terminal job")
	}
}

func TestTranscodeService_CancelJob_TransitionsPendingJobDirectly(t *testing.T) {
	var transitioned model.Status
	jobs := &mockJobRepository{
		getJobFn: func(ctx context.Context, id int64) (*model.TranscodingJob, error) {
			return &model.TranscodingJob{ID: id, Status: model.StatusPending}, nil
		},
		transitionJobFn: func(ctx context.Context, id int64, from []model.Status, to model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
			transitioned = to
			return &model.TranscodingJob{ID: id, Status: to}, nil
		},
	}
	queue := &mockMessageQueue{
		revokeFn: func(ctx context.Context, taskID string) error {
			t.Fatal("a pending job was never dispatched, Revoke should not be called")
			return nil
		},
	}
	svc := NewTranscodeService(&mockFileRepository{}, jobs, queue)

	if err := svc.CancelJob(context.Background(), 5); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if transitioned != model.StatusCancelled {
		t.Errorf("expected direct CAS to cancelled, got %v", transitioned)
	}
}
