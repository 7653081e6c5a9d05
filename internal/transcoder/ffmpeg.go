package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nebula-systems/nebula/internal/domain/model"
)

// qualityPreset is the fixed tuple of encoder parameters for a target
// height, per the table the worker's control flow is specified against.
type qualityPreset struct {
	width        int
	height       int
	videoBitrate string // e.g. "1000k"
	audioBitrate string // e.g. "128k"
	audioRate    string // e.g. "44100"
}

var presetsByHeight = map[int]qualityPreset{
	480:  {width: 854, height: 480, videoBitrate: "1000k", audioBitrate: "128k", audioRate: "44100"},
	720:  {width: 1280, height: 720, videoBitrate: "2500k", audioBitrate: "192k", audioRate: "44100"},
	1080: {width: 1920, height: 1080, videoBitrate: "5000k", audioBitrate: "256k", audioRate: "44100"},
}

// FFmpegConfig configures the subprocess driver.
type FFmpegConfig struct {
	FFmpegPath  string
	VideoCodec  string
	VideoPreset string
	AudioCodec  string
	// GracePeriod is how long Encode waits after SIGTERM before escalating
	// to SIGKILL on cancellation.
	GracePeriod time.Duration
}

// DefaultFFmpegConfig returns sensible defaults for the encoder driver.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		FFmpegPath:  "ffmpeg",
		VideoCodec:  "libx264",
		VideoPreset: "medium",
		AudioCodec:  "aac",
		GracePeriod: 5 * time.Second,
	}
}

// FFmpegTranscoder implements Transcoder by shelling out to ffmpeg.
type FFmpegTranscoder struct {
	config FFmpegConfig
}

var _ Transcoder = (*FFmpegTranscoder)(nil)

func NewFFmpegTranscoder(config FFmpegConfig) *FFmpegTranscoder {
	return &FFmpegTranscoder{config: config}
}

// Encode runs ffmpeg to completion, parsing its `-progress pipe:1` stream
// line by line and emitting a ProgressEvent per out_time_ms sample; a
// sample is dropped when progress is full. Always closes progress before
// returning, on every exit path.
func (t *FFmpegTranscoder) Encode(ctx context.Context, req EncodeRequest, progress chan<- ProgressEvent) (*EncodeOutput, error) {
	defer close(progress)

	preset, ok := presetsByHeight[req.TargetQuality]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrUnrecognizedQuality, req.TargetQuality)
	}

	args := t.buildArgs(req.InputPath, req.OutputPath, preset)
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)
	// Default exec.CommandContext cancellation is an immediate SIGKILL,
	// which leaves no chance for ffmpeg to finalize the MP4 moov atom.
	// Route cancellation through Terminate instead, for a clean SIGTERM
	// first.
	cmd.Cancel = func() error {
		return Terminate(cmd, t.config.GracePeriod)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "out_time_ms=") {
			continue
		}
		micros, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
		if err != nil {
			continue
		}
		select {
		case progress <- ProgressEvent{ProcessedSeconds: float64(micros) / 1_000_000}:
		default:
			// Consumer is behind; drop rather than stall the reader loop.
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg exited with error: %w", err)
	}

	return &EncodeOutput{OutputPath: req.OutputPath}, nil
}

// buildArgs constructs the ffmpeg argument list: fit-and-pad scale to
// preserve aspect ratio (scale so neither dimension exceeds the target,
// then pad the shorter axis with black), faststart MP4, and a machine
// readable progress stream on stdout.
func (t *FFmpegTranscoder) buildArgs(input, output string, p qualityPreset) []string {
	scaleFilter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		p.width, p.height, p.width, p.height,
	)
	bufsize := doubleBitrate(p.videoBitrate)

	return []string{
		"-y",
		"-i", input,
		"-c:v", t.config.VideoCodec,
		"-preset", t.config.VideoPreset,
		"-crf", "23",
		"-vf", scaleFilter,
		"-b:v", p.videoBitrate,
		"-maxrate", p.videoBitrate,
		"-bufsize", bufsize,
		"-c:a", t.config.AudioCodec,
		"-b:a", p.audioBitrate,
		"-ar", p.audioRate,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-progress", "pipe:1",
		"-nostats",
		output,
	}
}

// doubleBitrate doubles a "Nk" bitrate string for the VBV buffer size,
// which must be twice the target peak bitrate.
func doubleBitrate(bitrate string) string {
	n, err := strconv.Atoi(strings.TrimSuffix(bitrate, "k"))
	if err != nil {
		return bitrate
	}
	return strconv.Itoa(n*2) + "k"
}

// Terminate sends SIGTERM to the process and, if it hasn't exited within
// grace, escalates to SIGKILL. Used by the worker on job cancellation;
// exec.CommandContext's own ctx-cancel already sends SIGKILL immediately,
// which doesn't give ffmpeg a chance to flush a clean partial file, so
// cancellation goes through this path instead of relying on context
// cancellation alone.
func Terminate(cmd *exec.Cmd, grace time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return cmd.Process.Kill()
	}
}
