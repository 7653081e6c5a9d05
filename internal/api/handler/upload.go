package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/usecase"
)

// UploadHandler serves the three-shaped upload surface: a server-mediated
// multipart POST, and the presign/complete pair for direct-to-storage
// uploads.
type UploadHandler struct {
	files usecase.FileService
}

func NewUploadHandler(files usecase.FileService) *UploadHandler {
	return &UploadHandler{files: files}
}

type fileResponse struct {
	ID          int64   `json:"id"`
	Filename    string  `json:"filename"`
	FilePath    string  `json:"file_path"`
	Size        int64   `json:"size"`
	MimeType    string  `json:"mime_type"`
	UploadDate  string  `json:"upload_date"`
	Description string  `json:"description,omitempty"`
	UserID      *int64  `json:"user_id"`
}

func toFileResponse(f *model.File) fileResponse {
	return fileResponse{
		ID:          f.ID,
		Filename:    f.Filename,
		FilePath:    f.ObjectKey.String(),
		Size:        f.SizeBytes,
		MimeType:    f.MimeType,
		UploadDate:  f.UploadDate.Format("2006-01-02T15:04:05Z07:00"),
		Description: f.Description,
		UserID:      f.OwnerID,
	}
}

type uploadResponse struct {
	Success bool         `json:"success"`
	File    fileResponse `json:"file"`
}

// Upload handles POST /upload: a single multipart file part plus optional
// description/user_id form fields. Go's mime/multipart doesn't report a
// part's size before it's been read, so we buffer to a temp file to learn
// the size before handing a fresh reader to the FileService.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	var (
		description string
		ownerID     *int64
		part        *multipart.Part
	)

	for {
		p, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			Error(w, http.StatusBadRequest, "failed to read multipart body")
			return
		}

		switch p.FormName() {
		case "file":
			part = p
		case "description":
			b, _ := io.ReadAll(p)
			description = string(b)
		case "user_id":
			b, _ := io.ReadAll(p)
			if id, err := strconv.ParseInt(string(b), 10, 64); err == nil {
				ownerID = &id
			}
		}
		if part != nil {
			break
		}
	}

	if part == nil {
		Error(w, http.StatusBadRequest, "no filename provided")
		return
	}
	filename := part.FileName()
	if filename == "" {
		Error(w, http.StatusBadRequest, "no filename provided")
		return
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(filename)); guessed != "" {
			contentType = guessed
		} else if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	spool, err := os.CreateTemp("", "nebula-upload-*")
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to buffer upload")
		return
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	size, err := io.Copy(spool, part)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to read upload body")
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		Error(w, http.StatusInternalServerError, "failed to rewind upload buffer")
		return
	}

	f, err := h.files.Upload(r.Context(), usecase.UploadInput{
		Filename:    filename,
		ContentType: contentType,
		Description: description,
		OwnerID:     ownerID,
		Size:        size,
		Body:        spool,
	})
	if err != nil {
		handleFileServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, uploadResponse{Success: true, File: toFileResponse(f)})
}

type presignUploadRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type"`
	Description string `json:"description"`
	UserID      *int64 `json:"user_id"`
}

type presignUploadResponse struct {
	Success   bool   `json:"success"`
	ObjectKey string `json:"object_key"`
	UploadURL string `json:"upload_url"`
}

// PresignUpload handles POST /upload/presign.
func (h *UploadHandler) PresignUpload(w http.ResponseWriter, r *http.Request) {
	var req presignUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := req.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(req.Filename)); guessed != "" {
			contentType = guessed
		}
	}

	upload, err := h.files.InitiatePresignedUpload(r.Context(), req.Filename, contentType)
	if err != nil {
		Error(w, http.StatusInternalServerError, fmt.Sprintf("failed to create upload url: %v", err))
		return
	}

	JSON(w, http.StatusOK, presignUploadResponse{
		Success:   true,
		ObjectKey: upload.ObjectKey.String(),
		UploadURL: upload.UploadURL,
	})
}

type completeUploadRequest struct {
	ObjectKey   string `json:"object_key" validate:"required"`
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type"`
	Description string `json:"description"`
	UserID      *int64 `json:"user_id"`
}

// CompleteUpload handles POST /upload/complete.
func (h *UploadHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := h.files.CompleteUpload(r.Context(), usecase.CompleteUploadInput{
		ObjectKey:   model.ObjectKey(req.ObjectKey),
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Description: req.Description,
		OwnerID:     req.UserID,
	})
	if err != nil {
		handleFileServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, uploadResponse{Success: true, File: toFileResponse(f)})
}

// handleFileServiceError maps the repository error taxonomy to HTTP status,
// shared by every handler that calls into FileService.
func handleFileServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrFileNotFound), errors.Is(err, repository.ErrObjectNotFound):
		Error(w, http.StatusNotFound, "file not found")
	case errors.Is(err, repository.ErrInvalidObjectKeyPrefix):
		Error(w, http.StatusBadRequest, "invalid object_key")
	case errors.Is(err, repository.ErrDuplicateObjectKey):
		Error(w, http.StatusConflict, "object key already registered")
	case errors.Is(err, repository.ErrRangeNotSatisfiable):
		Error(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	case errors.Is(err, model.ErrEmptyFilename), errors.Is(err, model.ErrFilenameTooLong),
		errors.Is(err, model.ErrEmptyObjectKey), errors.Is(err, model.ErrNegativeSize):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, fmt.Sprintf("unexpected error: %v", err))
	}
}
