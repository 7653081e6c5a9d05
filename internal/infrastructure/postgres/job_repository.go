package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
)

// jobDB is the part of *pgxpool.Pool the repository uses; pgxmock's pool
// satisfies it as well, which is how the tests substitute a fake.
type jobDB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepository implements repository.JobRepository over PostgreSQL.
type JobRepository struct {
	pool jobDB
}

var _ repository.JobRepository = (*JobRepository)(nil)

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// CreateJobs runs under repeatable read so the active-job/existing-variant
// check and the subsequent insert observe a consistent snapshot, but two
// concurrent callers can still both pass that check for the same
// (file_id, quality) and race to insert: the partial unique index is the
// real backstop, and each insert runs inside its own savepoint so a
// losing insert's unique violation folds into skipped instead of
// poisoning the rest of the transaction.
func (r *JobRepository) CreateJobs(ctx context.Context, fileID int64, qualities []int) ([]*model.TranscodingJob, []repository.SkippedQuality, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT target_quality FROM transcoding_jobs
		WHERE file_id = $1 AND status IN ('pending', 'processing')`, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query active jobs: %w", err)
	}
	active := make(map[int]bool)
	for rows.Next() {
		var q int
		if err := rows.Scan(&q); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan active job quality: %w", err)
		}
		active[q] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var variantsJSON []byte
	if err := tx.QueryRow(ctx, `SELECT transcoded_variants FROM files WHERE id = $1`, fileID).Scan(&variantsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, repository.ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("failed to load file variants: %w", err)
	}
	existingVariants := make(map[string]string)
	if len(variantsJSON) > 0 {
		_ = json.Unmarshal(variantsJSON, &existingVariants)
	}

	var created []*model.TranscodingJob
	var skipped []repository.SkippedQuality

	for _, q := range qualities {
		if !model.IsRecognizedQuality(q) {
			skipped = append(skipped, repository.SkippedQuality{Quality: q, Reason: "unrecognized quality"})
			continue
		}
		if active[q] {
			skipped = append(skipped, repository.SkippedQuality{Quality: q, Reason: "active job already exists"})
			continue
		}
		if _, ok := existingVariants[fmt.Sprintf("%d", q)]; ok {
			skipped = append(skipped, repository.SkippedQuality{Quality: q, Reason: "already transcoded"})
			continue
		}

		job, err := model.NewTranscodingJob(fileID, q)
		if err != nil {
			return nil, nil, err
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open savepoint: %w", err)
		}
		row := sp.QueryRow(ctx, `
			INSERT INTO transcoding_jobs (file_id, target_quality, status, progress)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`, job.FileID, job.TargetQuality, job.Status, job.Progress)
		if err := row.Scan(&job.ID, &job.CreatedAt); err != nil {
			_ = sp.Rollback(ctx)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				skipped = append(skipped, repository.SkippedQuality{Quality: q, Reason: "active job already exists"})
				continue
			}
			return nil, nil, fmt.Errorf("failed to insert job: %w", err)
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to release savepoint: %w", err)
		}

		created = append(created, job)
		active[q] = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit job creation: %w", err)
	}
	return created, skipped, nil
}

func (r *JobRepository) GetJob(ctx context.Context, id int64) (*model.TranscodingJob, error) {
	row := r.pool.QueryRow(ctx, jobSelectColumns+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) ListJobsForFile(ctx context.Context, fileID int64) ([]*model.TranscodingJob, error) {
	rows, err := r.pool.Query(ctx, jobSelectColumns+` WHERE file_id = $1 ORDER BY created_at DESC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) ListJobs(ctx context.Context, status *model.Status, offset, limit int) ([]*model.TranscodingJob, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM transcoding_jobs WHERE $1::text IS NULL OR status = $1`, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := r.pool.Query(ctx, jobSelectColumns+`
		WHERE $1::text IS NULL OR status = $1
		ORDER BY created_at DESC OFFSET $2 LIMIT $3`, status, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (r *JobRepository) TransitionJob(ctx context.Context, id int64, fromStates []model.Status, toState model.Status, patch repository.JobPatch) (*model.TranscodingJob, error) {
	setClauses := []string{"status = $2"}
	args := []any{id, toState}
	arg := 3

	if patch.Progress != nil {
		setClauses = append(setClauses, fmt.Sprintf("progress = $%d", arg))
		args = append(args, *patch.Progress)
		arg++
	}
	if patch.OutputKey != nil {
		setClauses = append(setClauses, fmt.Sprintf("output_key = $%d", arg))
		args = append(args, string(*patch.OutputKey))
		arg++
	}
	if patch.OutputSize != nil {
		setClauses = append(setClauses, fmt.Sprintf("output_size = $%d", arg))
		args = append(args, *patch.OutputSize)
		arg++
	}
	if patch.ErrorMessage != nil {
		setClauses = append(setClauses, fmt.Sprintf("error_message = $%d", arg))
		args = append(args, *patch.ErrorMessage)
		arg++
	}
	if patch.EncoderMetadata != nil {
		metaJSON, err := json.Marshal(patch.EncoderMetadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal encoder metadata: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("encoder_metadata = $%d", arg))
		args = append(args, metaJSON)
		arg++
	}
	if patch.StartedAt != nil && *patch.StartedAt {
		setClauses = append(setClauses, "started_at = now()")
	}
	if patch.CompletedAt != nil && *patch.CompletedAt {
		setClauses = append(setClauses, "completed_at = now()")
	}

	query := fmt.Sprintf(`
		UPDATE transcoding_jobs SET %s
		WHERE id = $1 AND status = ANY($%d)
		RETURNING id`, joinClauses(setClauses), arg)
	args = append(args, statusSlice(fromStates))

	var updatedID int64
	err := r.pool.QueryRow(ctx, query, args...).Scan(&updatedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrJobStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	return r.GetJob(ctx, id)
}

func (r *JobRepository) SetQueueTaskID(ctx context.Context, jobID int64, taskID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE transcoding_jobs SET queue_task_id = $2 WHERE id = $1`, jobID, taskID)
	if err != nil {
		return fmt.Errorf("failed to set queue task id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) SetProgress(ctx context.Context, jobID int64, progress float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcoding_jobs SET progress = $2
		WHERE id = $1 AND status = 'processing'`, jobID, progress)
	if err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

// CompleteJob marks a job completed and publishes its variant on the
// parent file in one transaction, matching the invariant that a completed
// job's output_key always exists in the store and its file's
// transcoded_variants already points to it by the time either is
// observable.
func (r *JobRepository) CompleteJob(ctx context.Context, jobID, fileID int64, quality int, outputKey model.ObjectKey, outputSize int64, metadata *model.EncoderMetadata) (*model.TranscodingJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal encoder metadata: %w", err)
	}

	var updatedID int64
	err = tx.QueryRow(ctx, `
		UPDATE transcoding_jobs
		SET status = 'completed', progress = 100, output_key = $2, output_size = $3,
		    encoder_metadata = $4, completed_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING id`, jobID, string(outputKey), outputSize, metaJSON).Scan(&updatedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrJobStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE files
		SET transcoded_variants = jsonb_set(transcoded_variants, $2, to_jsonb($3::text), true)
		WHERE id = $1`, fileID, fmt.Sprintf("{%d}", quality), string(outputKey))
	if err != nil {
		return nil, fmt.Errorf("failed to append variant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repository.ErrFileNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit job completion: %w", err)
	}

	return r.GetJob(ctx, jobID)
}

const jobSelectColumns = `
	SELECT id, file_id, target_quality, status, progress, output_key, output_size,
	       error_message, encoder_metadata, queue_task_id, created_at, started_at, completed_at
	FROM transcoding_jobs`

func scanJob(r row) (*model.TranscodingJob, error) {
	var j model.TranscodingJob
	var outputKey, errorMessage, queueTaskID *string
	var outputSize *int64
	var metaJSON []byte

	if err := r.Scan(
		&j.ID, &j.FileID, &j.TargetQuality, &j.Status, &j.Progress,
		&outputKey, &outputSize, &errorMessage, &metaJSON, &queueTaskID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}

	if outputKey != nil {
		j.OutputKey = model.ObjectKey(*outputKey)
	}
	if outputSize != nil {
		j.OutputSize = *outputSize
	}
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	if queueTaskID != nil {
		j.QueueTaskID = *queueTaskID
	}
	if len(metaJSON) > 0 {
		var meta model.EncoderMetadata
		if err := json.Unmarshal(metaJSON, &meta); err == nil {
			j.EncoderMetadata = &meta
		}
	}

	return &j, nil
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

func statusSlice(states []model.Status) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
