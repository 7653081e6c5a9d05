package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
)

func newMockJobRepo(t *testing.T) (*JobRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return &JobRepository{pool: mock}, mock
}

func TestJobRepository_CreateJobs_SkipsActiveAndTranscoded(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT target_quality FROM transcoding_jobs").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"target_quality"}).AddRow(720))
	mock.ExpectQuery("SELECT transcoded_variants FROM files").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"transcoded_variants"}).AddRow([]byte(`{"480":"transcoded/7/a_480p.mp4"}`)))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO transcoding_jobs").
		WithArgs(int64(7), 1080, model.StatusPending, float64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()
	mock.ExpectCommit()

	created, skipped, err := repo.CreateJobs(context.Background(), 7, []int{480, 720, 1080})
	if err != nil {
		t.Fatalf("CreateJobs: %v", err)
	}
	if len(created) != 1 || created[0].TargetQuality != 1080 {
		t.Errorf("expected only 1080 created, got %+v", created)
	}
	if len(skipped) != 2 {
		t.Errorf("expected 2 skipped, got %+v", skipped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestJobRepository_CreateJobs_RaceFoldsIntoSkipped simulates a second
// caller's insert for the same (file_id, quality) winning the partial
// unique index after this caller's own active-job check already passed:
// the per-insert savepoint absorbs the 23505 so the quality is reported
// as skipped, and a later quality in the same call still commits.
func TestJobRepository_CreateJobs_RaceFoldsIntoSkipped(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT target_quality FROM transcoding_jobs").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"target_quality"}))
	mock.ExpectQuery("SELECT transcoded_variants FROM files").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"transcoded_variants"}).AddRow([]byte(`{}`)))

	// 480: a concurrent caller's insert for the same (file_id, quality)
	// commits first, so this savepoint's insert hits the unique index.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO transcoding_jobs").
		WithArgs(int64(7), 480, model.StatusPending, float64(0)).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})
	mock.ExpectRollback()

	// 720: no conflict, commits normally.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO transcoding_jobs").
		WithArgs(int64(7), 720, model.StatusPending, float64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(2), time.Now()))
	mock.ExpectCommit()

	mock.ExpectCommit()

	created, skipped, err := repo.CreateJobs(context.Background(), 7, []int{480, 720})
	if err != nil {
		t.Fatalf("CreateJobs: %v", err)
	}
	if len(created) != 1 || created[0].TargetQuality != 720 {
		t.Errorf("expected only 720 created, got %+v", created)
	}
	if len(skipped) != 1 || skipped[0].Quality != 480 || skipped[0].Reason != "active job already exists" {
		t.Errorf("expected 480 skipped as already-active, got %+v", skipped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestJobRepository_TransitionJob_CASMiss(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	mock.ExpectQuery("UPDATE transcoding_jobs SET").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := repo.TransitionJob(context.Background(), 3, []model.Status{model.StatusPending}, model.StatusProcessing, repository.JobPatch{})
	if err != repository.ErrJobStateConflict {
		t.Errorf("expected ErrJobStateConflict, got %v", err)
	}
}

func TestJobRepository_SetProgress_NotFound(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	mock.ExpectExec("UPDATE transcoding_jobs SET progress").
		WithArgs(int64(9), 42.5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetProgress(context.Background(), 9, 42.5)
	if err != repository.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
