package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
)

// ErrNotVideo is returned when a transcode is requested for a non-video
// file.
var ErrNotVideo = errors.New("file is not a video")

// RequestTranscodeInput is the validated body of POST /transcode.
type RequestTranscodeInput struct {
	FileID    int64
	Qualities []int
}

// RequestTranscodeOutput reports what CreateJobs actually did: some
// requested qualities may have been skipped because a job is already
// active or a variant already exists.
type RequestTranscodeOutput struct {
	Created []*model.TranscodingJob
	Skipped []repository.SkippedQuality
}

// TranscodeService implements the API side of the transcoding pipeline:
// validating a request and handing each accepted quality to the queue.
// The worker side (consuming and running the encode) lives in
// WorkerService.
type TranscodeService interface {
	RequestTranscode(ctx context.Context, input RequestTranscodeInput) (*RequestTranscodeOutput, error)
	GetJob(ctx context.Context, jobID int64) (*model.TranscodingJob, error)
	ListJobsForFile(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error)
	ListJobs(ctx context.Context, status *model.Status, offset, limit int) ([]*model.TranscodingJob, int, error)
	CancelJob(ctx context.Context, jobID int64) error
}

type transcodeService struct {
	files repository.FileRepository
	jobs  repository.JobRepository
	queue repository.MessageQueue
}

func NewTranscodeService(files repository.FileRepository, jobs repository.JobRepository, queue repository.MessageQueue) TranscodeService {
	return &transcodeService{files: files, jobs: jobs, queue: queue}
}

// RequestTranscode validates the target file exists and is a video, then
// asks the catalog to atomically filter qualities down to the ones that
// actually need a new job, and enqueues one TranscodeTask per created job.
func (s *transcodeService) RequestTranscode(ctx context.Context, input RequestTranscodeInput) (*RequestTranscodeOutput, error) {
	f, err := s.files.GetFile(ctx, input.FileID)
	if err != nil {
		return nil, err
	}
	if !f.IsVideo() {
		return nil, ErrNotVideo
	}

	qualities := make([]int, 0, len(input.Qualities))
	for _, q := range input.Qualities {
		if model.IsRecognizedQuality(q) {
			qualities = append(qualities, q)
		}
	}

	created, skipped, err := s.jobs.CreateJobs(ctx, input.FileID, qualities)
	if err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}

	for _, job := range created {
		taskID, err := s.queue.Enqueue(ctx, repository.TranscodeTask{
			JobID:         job.ID,
			FileID:        job.FileID,
			ObjectKey:     f.ObjectKey.String(),
			TargetQuality: job.TargetQuality,
		})
		if err != nil {
			// The job row stays pending with no queue task, and nothing
			// re-enqueues it: a re-request skips it as an active job
			// until CancelJob moves it to cancelled. Enqueue failures
			// mid-loop don't roll back jobs already enqueued.
			return nil, fmt.Errorf("enqueue job %d: %w", job.ID, err)
		}
		if err := s.jobs.SetQueueTaskID(ctx, job.ID, taskID); err != nil {
			return nil, fmt.Errorf("record queue task id for job %d: %w", job.ID, err)
		}
		job.QueueTaskID = taskID
	}

	return &RequestTranscodeOutput{Created: created, Skipped: skipped}, nil
}

func (s *transcodeService) GetJob(ctx context.Context, jobID int64) (*model.TranscodingJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

func (s *transcodeService) ListJobsForFile(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error) {
	return s.jobs.ListJobsForFile(ctx, fileID)
}

func (s *transcodeService) ListJobs(ctx context.Context, status *model.Status, offset, limit int) ([]*model.TranscodingJob, int, error) {
	return s.jobs.ListJobs(ctx, status, offset, limit)
}

// CancelJob cancels an active job. A job still pending (never picked up by
// a worker) is transitioned straight to cancelled via the same CAS the
// worker itself would use. A job already processing can't be flipped
// directly — the worker may be mid-encode — so its queue_task_id's
// cancellation flag is raised instead, and the worker's own CAS performs
// the transition once it notices. A terminal job returns
// ErrJobStateConflict so the handler can report it as not cancellable.
func (s *transcodeService) CancelJob(ctx context.Context, jobID int64) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return repository.ErrJobStateConflict
	}

	if job.Status == model.StatusPending {
		cancelled := true
		_, err := s.jobs.TransitionJob(ctx, job.ID, []model.Status{model.StatusPending}, model.StatusCancelled, repository.JobPatch{
			CompletedAt: &cancelled,
		})
		return err
	}

	if job.QueueTaskID == "" {
		return nil
	}
	return s.queue.Revoke(ctx, job.QueueTaskID)
}
