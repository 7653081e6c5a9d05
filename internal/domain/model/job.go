package model

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a TranscodingJob.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions enumerates the single-step transitions the state machine
// in the transcoder worker's control flow allows. Every transition is a CAS
// from an explicit "from" set, never a blanket allow.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransitionTo reports whether moving from s to target is a legal
// single-step transition.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsActive reports whether the job is still pending or processing.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// IsTerminal reports whether the job has reached a state it will never
// leave.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QualityPresets lists the only target heights the transcoder accepts.
var QualityPresets = []int{480, 720, 1080}

// IsRecognizedQuality reports whether q is one of the supported target
// heights.
func IsRecognizedQuality(q int) bool {
	for _, p := range QualityPresets {
		if p == q {
			return true
		}
	}
	return false
}

var (
	ErrUnrecognizedQuality = errors.New("target quality is not a recognized preset")
	ErrInvalidTransition   = errors.New("illegal job state transition")
)

// EncoderMetadata is the probe result for a produced variant, captured on
// successful encode so API consumers can report the artifact's real
// geometry/bitrate without re-probing.
type EncoderMetadata struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	BitrateKbps int     `json:"bitrate_kbps"`
	Duration    float64 `json:"duration_seconds"`
}

// TranscodingJob is one request to produce a variant of a File at a given
// target quality.
type TranscodingJob struct {
	ID              int64
	FileID          int64
	TargetQuality   int
	Status          Status
	Progress        float64
	OutputKey       ObjectKey // set iff completed
	OutputSize      int64     // set iff completed
	ErrorMessage    string    // set iff failed/cancelled
	EncoderMetadata *EncoderMetadata
	QueueTaskID     string // opaque handle for revocation
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// NewTranscodingJob validates and constructs a pending job ready for
// catalog insertion.
func NewTranscodingJob(fileID int64, quality int) (*TranscodingJob, error) {
	if !IsRecognizedQuality(quality) {
		return nil, fmt.Errorf("%w: %d", ErrUnrecognizedQuality, quality)
	}
	return &TranscodingJob{
		FileID:        fileID,
		TargetQuality: quality,
		Status:        StatusPending,
		Progress:      0,
	}, nil
}

// TransitionTo validates and applies a state transition in memory. Callers
// that need the CAS-against-storage guarantee use
// repository.JobRepository.TransitionJob instead; this helper exists so
// usecases can fail fast before a round trip.
func (j *TranscodingJob) TransitionTo(target Status) error {
	if !j.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, target)
	}
	j.Status = target
	return nil
}

// RangeSpec is a canonicalized, inclusive byte range plus the original
// Range header text for logging. Construction enforces
// 0 <= start <= end < size.
type RangeSpec struct {
	Start int64
	End   int64
	Size  int64
	Raw   string
}

// Length returns the number of bytes the range covers.
func (r RangeSpec) Length() int64 {
	return r.End - r.Start + 1
}
