package repository

import (
	"context"

	"github.com/nebula-systems/nebula/internal/domain/model"
)

// FileRepository is the durable, transactional home of File rows.
type FileRepository interface {
	// InsertFile atomically inserts a new file. A unique-constraint
	// violation on object_key surfaces as ErrDuplicateObjectKey.
	InsertFile(ctx context.Context, f *model.File) (*model.File, error)

	// GetFile returns a single file by id, or ErrFileNotFound.
	GetFile(ctx context.Context, id int64) (*model.File, error)

	// ListFiles returns files ordered by upload_date desc. limit is
	// clamped to 100 by the caller before reaching this layer.
	ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error)

	// DeleteFile removes the file row. The caller is responsible for
	// deleting the referenced objects from the ObjectStore and for
	// cascading cancellation of active jobs (see usecase.FileService);
	// this method only deletes the row itself, and the schema's ON DELETE
	// CASCADE removes every job row of the file with it, terminal or not.
	DeleteFile(ctx context.Context, id int64) error

	// AppendVariant records a variant on the file in a standalone
	// statement, overwriting any existing entry for the quality. Job
	// completion does not go through it: JobRepository.CompleteJob
	// updates the job and the file's variants in one transaction itself.
	AppendVariant(ctx context.Context, fileID int64, quality int, key model.ObjectKey) error
}

// CreatedJob describes one job created by CreateJobs.
type CreatedJob struct {
	Job *model.TranscodingJob
}

// SkippedQuality describes one quality CreateJobs declined to create a job
// for, and why.
type SkippedQuality struct {
	Quality int
	Reason  string
}

// JobRepository is the durable, transactional home of TranscodingJob rows.
type JobRepository interface {
	// CreateJobs atomically filters out qualities that already have an
	// active job or an existing variant for file_id, inserts the
	// remainder as pending jobs, and returns both lists. The filter runs
	// inside one transaction so two concurrent callers cannot both create
	// a job for the same (file_id, quality).
	CreateJobs(ctx context.Context, fileID int64, qualities []int) (created []*model.TranscodingJob, skipped []SkippedQuality, err error)

	// GetJob returns a single job by id, or ErrJobNotFound.
	GetJob(ctx context.Context, id int64) (*model.TranscodingJob, error)

	// ListJobsForFile returns every job recorded for a file, newest first.
	ListJobsForFile(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error)

	// ListJobs returns a paginated, optionally status-filtered job list.
	ListJobs(ctx context.Context, status *model.Status, offset, limit int) (jobs []*model.TranscodingJob, total int, err error)

	// TransitionJob performs an optimistic compare-and-set on status: it
	// succeeds only if the job's current status is a member of fromStates,
	// applying patch fields atomically with the status change. A CAS miss
	// returns ErrJobStateConflict.
	TransitionJob(ctx context.Context, id int64, fromStates []model.Status, toState model.Status, patch JobPatch) (*model.TranscodingJob, error)

	// SetQueueTaskID records the broker-assigned task id on a job so it
	// can later be revoked.
	SetQueueTaskID(ctx context.Context, jobID int64, taskID string) error

	// SetProgress updates progress on a job in processing. This is called
	// many times over a job's life and leaves the status untouched
	// (progress is not a state transition); if no processing job has that
	// id it returns ErrJobNotFound.
	SetProgress(ctx context.Context, jobID int64, progress float64) error

	// CompleteJob transitions a job processing -> completed and appends
	// the produced variant to its parent file's transcoded_variants in a
	// single transaction: both commit or neither does.
	CompleteJob(ctx context.Context, jobID, fileID int64, quality int, outputKey model.ObjectKey, outputSize int64, metadata *model.EncoderMetadata) (*model.TranscodingJob, error)
}

// JobPatch carries the optional fields a TransitionJob call may set
// alongside the status change. Nil/zero fields are left untouched.
type JobPatch struct {
	Progress        *float64
	OutputKey       *model.ObjectKey
	OutputSize      *int64
	ErrorMessage    *string
	EncoderMetadata *model.EncoderMetadata
	StartedAt       *bool // true => set to now()
	CompletedAt     *bool // true => set to now()
}
