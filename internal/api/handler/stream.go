package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-systems/nebula/internal/usecase"
)

// StreamHandler serves the byte-range streaming and full-download
// endpoints.
type StreamHandler struct {
	files usecase.FileService
}

func NewStreamHandler(files usecase.FileService) *StreamHandler {
	return &StreamHandler{files: files}
}

// Stream handles GET /files/{id}/stream[?quality=Q], honouring a Range
// header with 200/206/416.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "file id must be an integer")
		return
	}

	var quality *int
	if raw := r.URL.Query().Get("quality"); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil {
			Error(w, http.StatusBadRequest, "quality must be an integer")
			return
		}
		quality = &q
	}

	result, err := h.files.OpenStream(r.Context(), id, quality, r.Header.Get("Range"))
	if err != nil {
		var rangeErr *usecase.RangeNotSatisfiableError
		if errors.As(err, &rangeErr) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
			Error(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
			return
		}
		handleFileServiceError(w, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")

	if result.Range == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(result.TotalSize, 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, result.Body)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", result.Range.Start, result.Range.End, result.TotalSize))
	w.Header().Set("Content-Length", strconv.FormatInt(result.Range.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	io.Copy(w, result.Body)
}

// Download handles GET /files/{id}/download: full body,
// Content-Disposition: attachment.
func (h *StreamHandler) Download(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.files.OpenStream(r.Context(), id, nil, "")
	if err != nil {
		handleFileServiceError(w, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, f.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(result.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, result.Body)
}
