package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
	"github.com/nebula-systems/nebula/internal/infrastructure/metrics"
	"github.com/nebula-systems/nebula/internal/transcoder"
)

// errJobCancelled is returned internally when a cancellation flag is
// observed mid-encode; it never escapes ProcessTask as an error the queue
// retries, since cancellation is a normal terminal outcome.
var errJobCancelled = errors.New("job cancelled")

// WorkerServiceConfig holds tunables for the worker's per-job control flow.
type WorkerServiceConfig struct {
	// ScratchDir is the base directory per-job temp directories are
	// created under.
	ScratchDir string
	// JobTimeout bounds the whole of ProcessTask, including download,
	// encode and upload.
	JobTimeout time.Duration
	// CancelPollInterval controls how often the cancellation watcher polls
	// the job-control cancellation flag while the encode runs.
	CancelPollInterval time.Duration
}

func DefaultWorkerServiceConfig() WorkerServiceConfig {
	return WorkerServiceConfig{
		ScratchDir:         os.TempDir(),
		JobTimeout:         4 * time.Hour,
		CancelPollInterval: 2 * time.Second,
	}
}

// WorkerService consumes TranscodeTasks and drives a single job through
// the catalog's state machine to a terminal state: work dir, download,
// transcode, upload, status update, cleanup, in that fixed order with
// defined failure handling at each step.
type WorkerService interface {
	ProcessTask(ctx context.Context, task repository.TranscodeTask) error
}

type workerService struct {
	files      repository.FileRepository
	jobs       repository.JobRepository
	storage    repository.ObjectStorage
	control    *jobcontrol.Client
	transcoder transcoder.Transcoder
	prober     transcoder.Prober

	cfg WorkerServiceConfig
}

func NewWorkerService(
	files repository.FileRepository,
	jobs repository.JobRepository,
	storage repository.ObjectStorage,
	control *jobcontrol.Client,
	tc transcoder.Transcoder,
	prober transcoder.Prober,
	cfg WorkerServiceConfig,
) WorkerService {
	return &workerService{
		files: files, jobs: jobs, storage: storage, control: control,
		transcoder: tc, prober: prober, cfg: cfg,
	}
}

// ProcessTask runs the worker's nine-step control flow:
//  1. load job + file, idempotent no-op if the job is already terminal
//  2. CAS pending -> processing
//  3. per-job scratch directory
//  4. stream the source object to a local file
//  5. probe the source for total duration (progress denominator)
//  6. encode, forwarding progress to the catalog and the control channel,
//     while a watcher goroutine polls the cancellation flag
//  7. probe the produced output
//  8. stream the output back to the object store
//  9. atomically mark completed and record the variant
//
// A missing job, an already-terminal job, or a lost step-2 CAS (another
// worker already claimed the job, or it was already resolved) returns nil
// with no change. Any other catalog error from loading or claiming the
// job is returned, so the queue republishes the task. Every other failure,
// a failed source-file lookup included, transitions the job to failed with
// the triggering error recorded, and returns nil so the queue acks the
// message.
func (s *workerService) ProcessTask(ctx context.Context, task repository.TranscodeTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	job, err := s.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			slog.Warn("dropping task for missing job", "job_id", task.JobID)
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		slog.Info("skipping already-terminal job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	f, err := s.files.GetFile(ctx, task.FileID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("source file lookup failed: %v", err))
		return nil
	}

	started := true
	job, err = s.jobs.TransitionJob(ctx, job.ID, []model.Status{model.StatusPending}, model.StatusProcessing, repository.JobPatch{StartedAt: &started})
	if err != nil {
		if errors.Is(err, repository.ErrJobStateConflict) {
			slog.Info("job already claimed or resolved", "job_id", task.JobID)
			return nil
		}
		return fmt.Errorf("transition to processing: %w", err)
	}

	scratchDir, err := os.MkdirTemp(s.cfg.ScratchDir, fmt.Sprintf("nebula-job-%d-", job.ID))
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("scratch dir creation failed: %v", err))
		return nil
	}
	defer os.RemoveAll(scratchDir)

	start := time.Now()
	outcome, err := s.runJob(ctx, job, f, task, scratchDir)
	metrics.TranscodeJobDurationSeconds.WithLabelValues(fmt.Sprintf("%d", job.TargetQuality), outcome).Observe(time.Since(start).Seconds())
	metrics.TranscodeJobsTotal.WithLabelValues(fmt.Sprintf("%d", job.TargetQuality), outcome).Inc()

	if job.QueueTaskID != "" {
		if clearErr := s.control.ClearCancel(ctx, job.QueueTaskID); clearErr != nil {
			slog.Warn("failed to clear cancellation flag", "job_id", job.ID, "error", clearErr)
		}
	}

	if err != nil && !errors.Is(err, errJobCancelled) {
		slog.Error("transcode job failed", "job_id", job.ID, "error", err)
		s.failJob(ctx, job.ID, err.Error())
	}
	return nil
}

// runJob executes steps 4-9 and returns the metrics outcome label alongside
// any error. errJobCancelled is returned (not wrapped) when the control
// channel's cancellation flag fires mid-encode.
func (s *workerService) runJob(ctx context.Context, job *model.TranscodingJob, f *model.File, task repository.TranscodeTask, scratchDir string) (string, error) {
	inputPath := filepath.Join(scratchDir, "input"+filepath.Ext(f.Filename))
	if err := s.downloadToFile(ctx, f.ObjectKey.String(), inputPath); err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("download source: %w", err)
	}

	sourceMeta, err := s.prober.Probe(ctx, inputPath)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("probe source: %w", err)
	}

	outputFilename := fmt.Sprintf("%s_%dp.mp4", trimExt(f.Filename), job.TargetQuality)
	outputPath := filepath.Join(scratchDir, outputFilename)

	encCtx, cancelEncode := context.WithCancel(ctx)
	defer cancelEncode()

	if job.QueueTaskID != "" {
		go s.watchForCancellation(encCtx, cancelEncode, job.QueueTaskID)
	}

	progressCh := make(chan transcoder.ProgressEvent, 8)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		s.forwardProgress(ctx, job, task, sourceMeta.DurationSeconds, progressCh)
	}()

	_, encErr := s.transcoder.Encode(encCtx, transcoder.EncodeRequest{
		InputPath:     inputPath,
		OutputPath:    outputPath,
		TargetQuality: job.TargetQuality,
	}, progressCh)
	<-progressDone

	if encErr != nil {
		if errors.Is(encCtx.Err(), context.Canceled) && ctx.Err() == nil {
			s.cancelJob(ctx, job.ID)
			return metrics.OutcomeCancelled, errJobCancelled
		}
		return metrics.OutcomeFailed, fmt.Errorf("encode: %w", encErr)
	}

	outputMeta, err := s.prober.Probe(ctx, outputPath)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("probe output: %w", err)
	}

	outputInfo, err := os.Stat(outputPath)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("stat output: %w", err)
	}

	outputKey := model.ObjectKey(fmt.Sprintf("transcoded/%d/%s", f.ID, outputFilename))
	if err := s.uploadFromFile(ctx, outputKey.String(), outputPath, outputInfo.Size(), "video/mp4"); err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("upload output: %w", err)
	}

	encoderMeta := &model.EncoderMetadata{
		Width:       outputMeta.Width,
		Height:      outputMeta.Height,
		BitrateKbps: outputMeta.BitrateKbps,
		Duration:    outputMeta.DurationSeconds,
	}

	if _, err := s.jobs.CompleteJob(ctx, job.ID, f.ID, job.TargetQuality, outputKey, outputInfo.Size(), encoderMeta); err != nil {
		s.storage.Delete(ctx, outputKey.String())
		return metrics.OutcomeFailed, fmt.Errorf("complete job: %w", err)
	}

	// Every API process (not just one with a direct connection to this
	// worker) may be serving f.ID's cached File, so the invalidation has
	// to travel over the same Redis side channel rather than an in-process
	// call.
	if err := s.control.PublishFileInvalidated(ctx, f.ID); err != nil {
		slog.Warn("failed to publish file invalidation", "file_id", f.ID, "error", err)
	}

	return metrics.OutcomeCompleted, nil
}

// watchForCancellation polls the job-control cancellation flag and cancels
// encCtx the moment it fires, which in turn makes the transcoder's
// exec.Cmd.Cancel hook (SIGTERM, then SIGKILL after the grace period) tear
// down ffmpeg.
func (s *workerService) watchForCancellation(ctx context.Context, cancel context.CancelFunc, taskID string) {
	ticker := time.NewTicker(s.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := s.control.IsCancelled(ctx, taskID)
			if err != nil {
				slog.Warn("cancellation check failed", "task_id", taskID, "error", err)
				continue
			}
			if cancelled {
				cancel()
				return
			}
		}
	}
}

// forwardProgress converts each ProgressEvent into a percent-complete and
// writes it to both the catalog (authoritative, polled by clients) and the
// job-control channel (cheap, high-frequency). Degrades to pinning
// progress at 0 when totalDuration is unknown.
func (s *workerService) forwardProgress(ctx context.Context, job *model.TranscodingJob, task repository.TranscodeTask, totalDuration float64, events <-chan transcoder.ProgressEvent) {
	for ev := range events {
		if totalDuration <= 0 {
			continue
		}
		percent := (ev.ProcessedSeconds / totalDuration) * 100
		if percent > 100 {
			percent = 100
		}
		if err := s.jobs.SetProgress(ctx, job.ID, percent); err != nil {
			slog.Warn("failed to record progress", "job_id", job.ID, "error", err)
		}
		if job.QueueTaskID != "" {
			if err := s.control.PublishProgress(ctx, job.QueueTaskID, percent); err != nil {
				slog.Warn("failed to publish progress", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (s *workerService) downloadToFile(ctx context.Context, key, localPath string) error {
	body, err := s.storage.GetRange(ctx, key, 0, 0)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, body)
	return err
}

func (s *workerService) uploadFromFile(ctx context.Context, key, localPath string, size int64, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.storage.Put(ctx, key, f, size, contentType)
}

// failJob transitions an active job to failed, recording errMsg. Called
// from contexts that must not propagate the underlying error to the queue
// (it's already been handled), so failures here are only logged.
func (s *workerService) failJob(ctx context.Context, jobID int64, errMsg string) {
	completed := true
	_, err := s.jobs.TransitionJob(ctx, jobID, []model.Status{model.StatusPending, model.StatusProcessing}, model.StatusFailed, repository.JobPatch{
		ErrorMessage: &errMsg,
		CompletedAt:  &completed,
	})
	if err != nil && !errors.Is(err, repository.ErrJobStateConflict) {
		slog.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

func (s *workerService) cancelJob(ctx context.Context, jobID int64) {
	completed := true
	_, err := s.jobs.TransitionJob(ctx, jobID, []model.Status{model.StatusProcessing}, model.StatusCancelled, repository.JobPatch{CompletedAt: &completed})
	if err != nil && !errors.Is(err, repository.ErrJobStateConflict) {
		slog.Error("failed to mark job cancelled", "job_id", jobID, "error", err)
	}
}

func trimExt(filename string) string {
	ext := filepath.Ext(filename)
	return filename[:len(filename)-len(ext)]
}
