package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nebula-systems/nebula/internal/domain/model"
)

// FFprobeProber shells out to ffprobe and parses its JSON stream/format
// report: pick the first video stream for geometry/codec/fps, and
// format.duration and format.bit_rate for the rest. Audio streams are not
// read.
type FFprobeProber struct {
	ffprobePath string
}

var _ Prober = (*FFprobeProber)(nil)

func NewFFprobeProber(ffprobePath string) *FFprobeProber {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFprobeProber{ffprobePath: ffprobePath}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		BitRate      string `json:"bit_rate"`
	} `json:"streams"`
}

func (p *FFprobeProber) Probe(ctx context.Context, path string) (*model.VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	meta := &model.VideoMetadata{}
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		meta.DurationSeconds = d
	}
	if br, err := strconv.Atoi(parsed.Format.BitRate); err == nil {
		meta.BitrateKbps = br / 1000
	}

	for _, s := range parsed.Streams {
		if s.CodecType == "video" && meta.Width == 0 {
			meta.Width = s.Width
			meta.Height = s.Height
			meta.Codec = s.CodecName
			meta.FPS = parseFrameRate(s.RFrameRate)
		}
	}

	return meta, nil
}

// parseFrameRate converts ffprobe's "num/den" r_frame_rate into a float,
// returning 0 if the field is malformed or den is zero.
func parseFrameRate(raw string) float64 {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
