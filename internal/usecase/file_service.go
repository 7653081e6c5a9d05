package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
)

// UploadInput carries a server-mediated upload: the handler has already
// read the multipart part (or buffered it to learn its size) and hands the
// service a plain io.Reader plus its known length.
type UploadInput struct {
	Filename    string
	ContentType string
	Description string
	OwnerID     *int64
	Size        int64
	Body        io.Reader
}

// PresignedUpload is the result of InitiatePresignedUpload: a client
// uploads directly to ObjectKey via URL, then calls CompleteUpload.
type PresignedUpload struct {
	ObjectKey model.ObjectKey
	UploadURL string
	ExpiresAt time.Time
}

// CompleteUploadInput finalizes a presigned upload once the client reports
// it has finished the direct PUT.
type CompleteUploadInput struct {
	ObjectKey   model.ObjectKey
	Filename    string
	ContentType string
	Description string
	OwnerID     *int64
}

// StreamResult is what OpenStream hands back to the HTTP layer: an open
// body the handler copies to the response, plus enough metadata to set
// Content-Range/Content-Length/Content-Type.
type StreamResult struct {
	Body        io.ReadCloser
	Range       *model.RangeSpec // nil for a full-file response
	TotalSize   int64
	ContentType string
}

// FileService is the catalog's business logic: upload, presign, list,
// stream and delete, across the two-entity (File, TranscodingJob) model.
type FileService interface {
	Upload(ctx context.Context, input UploadInput) (*model.File, error)
	InitiatePresignedUpload(ctx context.Context, filename, contentType string) (*PresignedUpload, error)
	CompleteUpload(ctx context.Context, input CompleteUploadInput) (*model.File, error)
	GetFile(ctx context.Context, id int64) (*model.File, error)
	ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error)
	DeleteFile(ctx context.Context, id int64) error
	OpenStream(ctx context.Context, id int64, quality *int, rawRange string) (*StreamResult, error)
	PresignDownload(ctx context.Context, id int64, quality *int, ttl time.Duration, hint repository.NetworkHint) (string, error)
}

// FileServiceConfig holds tunables for FileService.
type FileServiceConfig struct {
	PresignUploadTTL   time.Duration
	PresignDownloadTTL time.Duration
	// MaxListLimit clamps the page size a caller may request.
	MaxListLimit int
}

func DefaultFileServiceConfig() FileServiceConfig {
	return FileServiceConfig{
		PresignUploadTTL:   15 * time.Minute,
		PresignDownloadTTL: time.Hour,
		MaxListLimit:       100,
	}
}

type fileService struct {
	files   repository.FileRepository
	jobs    repository.JobRepository
	storage repository.ObjectStorage
	queue   repository.MessageQueue

	cfg FileServiceConfig
}

func NewFileService(
	files repository.FileRepository,
	jobs repository.JobRepository,
	storage repository.ObjectStorage,
	queue repository.MessageQueue,
	cfg FileServiceConfig,
) FileService {
	return &fileService{files: files, jobs: jobs, storage: storage, queue: queue, cfg: cfg}
}

// Upload streams input.Body straight to the object store while computing a
// SHA-256 hash on the fly via io.TeeReader, without needing the body to be
// seekable, then inserts the catalog row. If the catalog insert fails, the
// just-written object is deleted so no orphan remains in storage.
func (s *fileService) Upload(ctx context.Context, input UploadInput) (*model.File, error) {
	key := generateUploadKey(input.Filename)

	hasher := sha256.New()
	tee := io.TeeReader(input.Body, hasher)

	if err := s.storage.Put(ctx, key.String(), tee, input.Size, input.ContentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	f, err := model.NewFile(input.Filename, key, input.Size, input.ContentType)
	if err != nil {
		s.cleanupOrphan(ctx, key)
		return nil, err
	}
	f.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	f.Description = input.Description
	f.OwnerID = input.OwnerID

	created, err := s.files.InsertFile(ctx, f)
	if err != nil {
		s.cleanupOrphan(ctx, key)
		return nil, fmt.Errorf("insert file: %w", err)
	}

	return created, nil
}

// InitiatePresignedUpload mints a direct-to-storage upload URL for a
// client that wants to upload without routing bytes through the API
// process.
func (s *fileService) InitiatePresignedUpload(ctx context.Context, filename, contentType string) (*PresignedUpload, error) {
	key := generateUploadKey(filename)

	url, err := s.storage.PresignPut(ctx, key.String(), s.cfg.PresignUploadTTL, repository.NetworkAuto)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &PresignedUpload{
		ObjectKey: key,
		UploadURL: url,
		ExpiresAt: time.Now().Add(s.cfg.PresignUploadTTL),
	}, nil
}

// CompleteUpload finalizes a presigned upload: it requires the client to
// have already PUT the object, confirmed by stat'ing it to learn the real
// size, then inserts the catalog row. No content hash is computed here —
// the body never passes through this process.
func (s *fileService) CompleteUpload(ctx context.Context, input CompleteUploadInput) (*model.File, error) {
	if !input.ObjectKey.IsOriginal() {
		return nil, repository.ErrInvalidObjectKeyPrefix
	}

	info, err := s.storage.Stat(ctx, input.ObjectKey.String())
	if err != nil {
		return nil, fmt.Errorf("stat uploaded object: %w", err)
	}

	contentType := input.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}

	f, err := model.NewFile(input.Filename, input.ObjectKey, info.Size, contentType)
	if err != nil {
		return nil, err
	}
	f.Description = input.Description
	f.OwnerID = input.OwnerID

	created, err := s.files.InsertFile(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	return created, nil
}

func (s *fileService) GetFile(ctx context.Context, id int64) (*model.File, error) {
	return s.files.GetFile(ctx, id)
}

func (s *fileService) ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*model.File, error) {
	if limit <= 0 || limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}
	return s.files.ListFiles(ctx, offset, limit, ownerID)
}

// DeleteFile cascades: active jobs for the file are revoked through the
// queue, then the catalog row (and, via the schema's ON DELETE CASCADE,
// its job rows) is removed, and only once that succeeds are the objects
// the file owned — original plus every published variant — deleted from
// storage.
//
// The catalog row is deleted before the storage objects specifically so a
// failure partway through never leaves a files row whose object_key or
// transcoded_variants point at something that no longer exists: if
// storage cleanup fails after the row is gone, the result is merely an
// orphaned object, not a catalog entry pointing into the void. Storage/
// queue failures are logged, not fatal, for the same reason an upload
// that crashes after the storage write but before the catalog insert is
// tolerated elsewhere — an orphan is recoverable, a dangling reference is
// not.
func (s *fileService) DeleteFile(ctx context.Context, id int64) error {
	f, err := s.files.GetFile(ctx, id)
	if err != nil {
		return err
	}

	jobs, err := s.jobs.ListJobsForFile(ctx, id)
	if err != nil {
		return fmt.Errorf("list jobs for file: %w", err)
	}
	for _, j := range jobs {
		if !j.Status.IsActive() || j.QueueTaskID == "" {
			continue
		}
		if err := s.queue.Revoke(ctx, j.QueueTaskID); err != nil {
			slog.Warn("failed to revoke active job on file delete",
				"file_id", id, "job_id", j.ID, "error", err)
		}
	}

	if err := s.files.DeleteFile(ctx, id); err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, f.ObjectKey.String()); err != nil {
		slog.Warn("failed to delete original object on file delete",
			"file_id", id, "key", f.ObjectKey, "error", err)
	}
	for _, variantKey := range f.TranscodedVariants {
		if err := s.storage.Delete(ctx, variantKey.String()); err != nil {
			slog.Warn("failed to delete variant object on file delete",
				"file_id", id, "key", variantKey, "error", err)
		}
	}

	return nil
}

// OpenStream resolves which object (original or a specific quality's
// variant) a stream request targets, parses rawRange if present, and opens
// the appropriate storage read. quality == nil means "the original".
func (s *fileService) OpenStream(ctx context.Context, id int64, quality *int, rawRange string) (*StreamResult, error) {
	f, err := s.files.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}

	key := f.ObjectKey
	contentType := f.MimeType
	if quality != nil {
		variantKey, ok := f.VariantKey(*quality)
		if !ok {
			return nil, repository.ErrObjectNotFound
		}
		key = variantKey
		contentType = "video/mp4"
	}

	info, err := s.storage.Stat(ctx, key.String())
	if err != nil {
		return nil, err
	}

	if rawRange == "" {
		body, err := s.storage.Get(ctx, key.String())
		if err != nil {
			return nil, err
		}
		return &StreamResult{Body: body, TotalSize: info.Size, ContentType: contentType}, nil
	}

	spec, err := parseRange(rawRange, info.Size)
	if err != nil {
		return nil, err
	}

	body, err := s.storage.GetRange(ctx, key.String(), spec.Start, spec.Length())
	if err != nil {
		return nil, err
	}
	return &StreamResult{Body: body, Range: &spec, TotalSize: info.Size, ContentType: contentType}, nil
}

// PresignDownload mints a GET URL for the original or a specific variant.
func (s *fileService) PresignDownload(ctx context.Context, id int64, quality *int, ttl time.Duration, hint repository.NetworkHint) (string, error) {
	f, err := s.files.GetFile(ctx, id)
	if err != nil {
		return "", err
	}

	key := f.ObjectKey
	if quality != nil {
		variantKey, ok := f.VariantKey(*quality)
		if !ok {
			return "", repository.ErrObjectNotFound
		}
		key = variantKey
	}

	if ttl <= 0 {
		ttl = s.cfg.PresignDownloadTTL
	}
	disposition := fmt.Sprintf(`attachment; filename="%s"`, f.Filename)
	return s.storage.PresignGet(ctx, key.String(), ttl, hint, disposition, "")
}

func (s *fileService) cleanupOrphan(ctx context.Context, key model.ObjectKey) {
	if err := s.storage.Delete(ctx, key.String()); err != nil {
		slog.Error("failed to clean up orphaned upload object", "key", key, "error", err)
	}
}

// generateUploadKey builds a key of the form uploads/YYYY/MM/<uuid><ext>.
func generateUploadKey(filename string) model.ObjectKey {
	now := time.Now()
	ext := path.Ext(filename)
	return model.ObjectKey(fmt.Sprintf("uploads/%04d/%02d/%s%s", now.Year(), int(now.Month()), uuid.NewString(), ext))
}

// RangeNotSatisfiableError wraps repository.ErrRangeNotSatisfiable with the
// object's total size, so the HTTP layer can emit a correct
// "Content-Range: bytes */size" header on a 416 without a second Stat call.
type RangeNotSatisfiableError struct {
	Size   int64
	reason string
}

func (e *RangeNotSatisfiableError) Error() string {
	return fmt.Sprintf("%s: %s", repository.ErrRangeNotSatisfiable, e.reason)
}

func (e *RangeNotSatisfiableError) Unwrap() error {
	return repository.ErrRangeNotSatisfiable
}

func rangeErr(size int64, reason string) error {
	return &RangeNotSatisfiableError{Size: size, reason: reason}
}

// parseRange parses a single-range "bytes=start-end" or suffix "bytes=-N"
// header value against the object's total size.
func parseRange(raw string, size int64) (model.RangeSpec, error) {
	const prefix = "bytes="
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return model.RangeSpec{}, rangeErr(size, "malformed range header")
	}
	spec := raw[len(prefix):]

	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return model.RangeSpec{}, rangeErr(size, "malformed range header")
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return model.RangeSpec{}, rangeErr(size, "malformed suffix range")
		}
		if size == 0 {
			return model.RangeSpec{}, rangeErr(size, "empty object")
		}
		if n > size {
			n = size
		}
		return model.RangeSpec{Start: size - n, End: size - 1, Size: size, Raw: raw}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return model.RangeSpec{}, rangeErr(size, "start out of bounds")
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return model.RangeSpec{}, rangeErr(size, "end out of bounds")
		}
		if end >= size {
			end = size - 1
		}
	}

	return model.RangeSpec{Start: start, End: end, Size: size, Raw: raw}, nil
}
