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

// DBTX abstracts *pgxpool.Pool and pgx.Tx so repository methods can run
// either standalone or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolationCode = "23505"

// FileRepository implements repository.FileRepository over PostgreSQL.
type FileRepository struct {
	db DBTX
}

var _ repository.FileRepository = (*FileRepository)(nil)

// NewFileRepository constructs a FileRepository against a pool. The db
// field is typed as DBTX, so code inside this package can also build one
// over a pgx.Tx or a mock pool.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{db: pool}
}

func (r *FileRepository) InsertFile(ctx context.Context, f *model.File) (*model.File, error) {
	videoMeta, err := json.Marshal(f.VideoMetadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal video metadata: %w", err)
	}
	variants, err := json.Marshal(f.TranscodedVariants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcoded variants: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO files (filename, object_key, size_bytes, mime_type, content_hash, description, owner_id, video_metadata, transcoded_variants)
		VALUES ($1, $2, $3, $4, nullif($5, ''), nullif($6, ''), $7, $8, $9)
		RETURNING id, upload_date`,
		f.Filename, string(f.ObjectKey), f.SizeBytes, f.MimeType, f.ContentHash, f.Description, f.OwnerID, videoMeta, variants,
	)

	var id int64
	if err := row.Scan(&id, &f.UploadDate); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, repository.ErrDuplicateObjectKey
		}
		return nil, fmt.Errorf("failed to insert file: %w", err)
	}
	f.ID = id
	return f, nil
}

func (r *FileRepository) GetFile(ctx context.Context, id int64) (*model.File, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, filename, object_key, size_bytes, mime_type, content_hash, description, owner_id, video_metadata, transcoded_variants, upload_date
		FROM files WHERE id = $1`, id)
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (r *FileRepository) ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, filename, object_key, size_bytes, mime_type, content_hash, description, owner_id, video_metadata, transcoded_variants, upload_date
		FROM files
		WHERE $1::bigint IS NULL OR owner_id = $1
		ORDER BY upload_date DESC
		OFFSET $2 LIMIT $3`, ownerID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *FileRepository) DeleteFile(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrFileNotFound
	}
	return nil
}

func (r *FileRepository) AppendVariant(ctx context.Context, fileID int64, quality int, key model.ObjectKey) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE files
		SET transcoded_variants = jsonb_set(transcoded_variants, $2, to_jsonb($3::text), true)
		WHERE id = $1`,
		fileID, fmt.Sprintf("{%d}", quality), string(key),
	)
	if err != nil {
		return fmt.Errorf("failed to append variant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrFileNotFound
	}
	return nil
}

// row abstracts pgx.Row / pgx.Rows' shared Scan signature.
type row interface {
	Scan(dest ...any) error
}

func scanFile(r row) (*model.File, error) {
	var f model.File
	var objectKey string
	var contentHash, description *string
	var videoMeta, variants []byte

	if err := r.Scan(
		&f.ID, &f.Filename, &objectKey, &f.SizeBytes, &f.MimeType,
		&contentHash, &description, &f.OwnerID, &videoMeta, &variants, &f.UploadDate,
	); err != nil {
		return nil, err
	}

	f.ObjectKey = model.ObjectKey(objectKey)
	if contentHash != nil {
		f.ContentHash = *contentHash
	}
	if description != nil {
		f.Description = *description
	}

	if len(videoMeta) > 0 {
		var meta model.VideoMetadata
		if err := json.Unmarshal(videoMeta, &meta); err == nil {
			f.VideoMetadata = &meta
		}
	}

	f.TranscodedVariants = make(map[string]model.ObjectKey)
	if len(variants) > 0 {
		var raw map[string]string
		if err := json.Unmarshal(variants, &raw); err == nil {
			for q, k := range raw {
				f.TranscodedVariants[q] = model.ObjectKey(k)
			}
		}
	}

	return &f, nil
}
