// Package transcoder drives the external ffmpeg/ffprobe subprocesses that
// turn a source video into a target-quality MP4 variant.
package transcoder

import (
	"context"

	"github.com/nebula-systems/nebula/internal/domain/model"
)

// ProgressEvent is one point on the encoder's lazy progress sequence: a
// processed-duration sample, already scaled from the subprocess's raw
// out_time_ms into seconds. The worker converts this to a 0-100 percent
// using the pre-probed total duration; it does not belong inside the
// driver itself.
type ProgressEvent struct {
	ProcessedSeconds float64
}

// EncodeOutput is the result of a successful Encode call.
type EncodeOutput struct {
	OutputPath string
	Metadata   model.EncoderMetadata
}

// EncodeRequest bundles the inputs a single encode needs. Cancellation
// reaches the driver only through the ctx passed to Encode.
type EncodeRequest struct {
	InputPath     string
	OutputPath    string
	TargetQuality int
}

// Transcoder drives the encoder subprocess for a single job. Progress is
// emitted on a channel rather than via a callback closure, so the worker
// that consumes it can apply its own cancellation and Catalog-update
// policy without the driver knowing about either.
type Transcoder interface {
	// Encode runs to completion or until ctx is cancelled, emitting
	// ProgressEvents on progress as it reads the subprocess's progress
	// stream. progress is closed when Encode returns, by Encode itself.
	Encode(ctx context.Context, req EncodeRequest, progress chan<- ProgressEvent) (*EncodeOutput, error)
}

// Prober obtains container/stream metadata ahead of and after an encode.
type Prober interface {
	Probe(ctx context.Context, path string) (*model.VideoMetadata, error)
}
