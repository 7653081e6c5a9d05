package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-systems/nebula/internal/usecase"
)

// FileHandler serves the read/delete side of the file catalog.
type FileHandler struct {
	files usecase.FileService
}

func NewFileHandler(files usecase.FileService) *FileHandler {
	return &FileHandler{files: files}
}

type listFilesResponse struct {
	Success bool           `json:"success"`
	Files   []fileResponse `json:"files"`
	Count   int            `json:"count"`
}

// List handles GET /files?skip=&limit=.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	var ownerID *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ownerID = &id
		}
	}

	files, err := h.files.ListFiles(r.Context(), skip, limit, ownerID)
	if err != nil {
		handleFileServiceError(w, err)
		return
	}

	out := make([]fileResponse, len(files))
	for i, f := range files {
		out[i] = toFileResponse(f)
	}
	JSON(w, http.StatusOK, listFilesResponse{Success: true, Files: out, Count: len(out)})
}

type getFileResponse struct {
	Success bool         `json:"success"`
	File    fileResponse `json:"file"`
}

// Get handles GET /files/{id}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "file id must be an integer")
		return
	}

	f, err := h.files.GetFile(r.Context(), id)
	if err != nil {
		handleFileServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, getFileResponse{Success: true, File: toFileResponse(f)})
}

type deleteFileResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Delete handles DELETE /files/{id}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "file id must be an integer")
		return
	}

	if err := h.files.DeleteFile(r.Context(), id); err != nil {
		handleFileServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, deleteFileResponse{Success: true, Message: "file deleted successfully"})
}
