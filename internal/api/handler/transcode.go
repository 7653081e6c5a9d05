package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-systems/nebula/internal/domain/model"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/usecase"
)

// TranscodeHandler serves the transcoding control-plane endpoints.
type TranscodeHandler struct {
	files      usecase.FileService
	transcodes usecase.TranscodeService
}

func NewTranscodeHandler(files usecase.FileService, transcodes usecase.TranscodeService) *TranscodeHandler {
	return &TranscodeHandler{files: files, transcodes: transcodes}
}

type transcodeRequest struct {
	FileID    int64 `json:"file_id" validate:"required,gt=0"`
	Qualities []int `json:"qualities" validate:"omitempty,dive,oneof=480 720 1080"`
}

type createdJobResponse struct {
	JobID       int64  `json:"job_id"`
	Quality     int    `json:"quality"`
	Status      string `json:"status"`
	QueueTaskID string `json:"queue_task_id"`
}

type skippedQualityResponse struct {
	Quality int    `json:"quality"`
	Reason  string `json:"reason"`
}

type transcodeResponse struct {
	Created []createdJobResponse     `json:"created"`
	Skipped []skippedQualityResponse `json:"skipped"`
}

// RequestTranscode handles POST /transcode.
func (h *TranscodeHandler) RequestTranscode(w http.ResponseWriter, r *http.Request) {
	var req transcodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Qualities) == 0 {
		req.Qualities = []int{480, 720}
	}

	out, err := h.transcodes.RequestTranscode(r.Context(), usecase.RequestTranscodeInput{
		FileID:    req.FileID,
		Qualities: req.Qualities,
	})
	if err != nil {
		handleTranscodeServiceError(w, err)
		return
	}

	created := make([]createdJobResponse, len(out.Created))
	for i, job := range out.Created {
		created[i] = createdJobResponse{
			JobID:       job.ID,
			Quality:     job.TargetQuality,
			Status:      "queued",
			QueueTaskID: job.QueueTaskID,
		}
	}
	skipped := make([]skippedQualityResponse, len(out.Skipped))
	for i, s := range out.Skipped {
		skipped[i] = skippedQualityResponse{Quality: s.Quality, Reason: s.Reason}
	}

	JSON(w, http.StatusOK, transcodeResponse{Created: created, Skipped: skipped})
}

type jobResponse struct {
	ID              int64                   `json:"id"`
	FileID          int64                   `json:"file_id"`
	TargetQuality   int                     `json:"target_quality"`
	Status          string                  `json:"status"`
	Progress        float64                 `json:"progress"`
	OutputPath      string                  `json:"output_path,omitempty"`
	OutputSize      int64                   `json:"output_size,omitempty"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	EncoderMetadata *model.EncoderMetadata  `json:"ffmpeg_metadata,omitempty"`
	QueueTaskID     string                  `json:"queue_task_id,omitempty"`
	CreatedAt       string                  `json:"created_at"`
	StartedAt       *string                 `json:"started_at,omitempty"`
	CompletedAt     *string                 `json:"completed_at,omitempty"`
}

func toJobResponse(j *model.TranscodingJob) jobResponse {
	resp := jobResponse{
		ID:              j.ID,
		FileID:          j.FileID,
		TargetQuality:   j.TargetQuality,
		Status:          string(j.Status),
		Progress:        j.Progress,
		OutputSize:      j.OutputSize,
		ErrorMessage:    j.ErrorMessage,
		EncoderMetadata: j.EncoderMetadata,
		QueueTaskID:     j.QueueTaskID,
		CreatedAt:       j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.OutputKey != "" {
		resp.OutputPath = j.OutputKey.String()
	}
	if j.StartedAt != nil {
		s := j.StartedAt.Format("2006-01-02T15:04:05Z07:00")
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		resp.CompletedAt = &s
	}
	return resp
}

type fileTranscodeStatusResponse struct {
	FileID              int64         `json:"file_id"`
	Filename            string        `json:"filename"`
	OriginalSize        int64         `json:"original_size"`
	IsVideo             bool          `json:"is_video"`
	Jobs                []jobResponse `json:"jobs"`
	AvailableQualities  []int         `json:"available_qualities"`
}

// FileStatus handles GET /transcode/{file_id}.
func (h *TranscodeHandler) FileStatus(w http.ResponseWriter, r *http.Request) {
	fileID, err := strconv.ParseInt(chi.URLParam(r, "file_id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "file id must be an integer")
		return
	}

	f, err := h.files.GetFile(r.Context(), fileID)
	if err != nil {
		handleFileServiceError(w, err)
		return
	}

	jobs, err := h.transcodes.ListJobsForFile(r.Context(), fileID)
	if err != nil {
		handleTranscodeServiceError(w, err)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}

	JSON(w, http.StatusOK, fileTranscodeStatusResponse{
		FileID:             fileID,
		Filename:           f.Filename,
		OriginalSize:       f.SizeBytes,
		IsVideo:            f.IsVideo(),
		Jobs:               out,
		AvailableQualities: f.AvailableQualities(),
	})
}

// GetJob handles GET /transcode/job/{id}.
func (h *TranscodeHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "job id must be an integer")
		return
	}

	job, err := h.transcodes.GetJob(r.Context(), jobID)
	if err != nil {
		handleTranscodeServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, toJobResponse(job))
}

type listJobsResponse struct {
	Total int           `json:"total"`
	Jobs  []jobResponse `json:"jobs"`
	Limit int           `json:"limit"`
	Skip  int           `json:"skip"`
}

// ListJobs handles GET /transcode/jobs?status=&skip=&limit=.
func (h *TranscodeHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var status *model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.Status(raw)
		status = &s
	}

	jobs, total, err := h.transcodes.ListJobs(r.Context(), status, skip, limit)
	if err != nil {
		handleTranscodeServiceError(w, err)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}

	JSON(w, http.StatusOK, listJobsResponse{Total: total, Jobs: out, Limit: limit, Skip: skip})
}

type cancelJobResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// CancelJob handles DELETE /transcode/job/{id}.
func (h *TranscodeHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "job id must be an integer")
		return
	}

	if err := h.transcodes.CancelJob(r.Context(), jobID); err != nil {
		handleTranscodeServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, cancelJobResponse{Message: "job cancelled", Status: "cancelled"})
}

func handleTranscodeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrFileNotFound):
		Error(w, http.StatusNotFound, "file not found")
	case errors.Is(err, repository.ErrJobNotFound):
		Error(w, http.StatusNotFound, "job not found")
	case errors.Is(err, repository.ErrJobStateConflict):
		Error(w, http.StatusBadRequest, "cannot cancel a job that has already reached a terminal state")
	case errors.Is(err, usecase.ErrNotVideo):
		Error(w, http.StatusBadRequest, "file is not a video")
	default:
		Error(w, http.StatusInternalServerError, "unexpected error")
	}
}
