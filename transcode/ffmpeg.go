// Package transcode plans and runs re-encode attempts that shrink an
// artifact under a destination size limit.
package transcode

import (
	"context"
	"fmt"
	"strings"

	execute "github.com/alexellis/go-execute/v2"
)

// EncodeSpec describes one re-encode attempt. An empty VideoCodec drops the
// video stream (audio-only output).
type EncodeSpec struct {
	VideoCodec   string
	VideoBitrate string
	AudioCodec   string
	AudioBitrate string
	Scale        string
	Format       string
}

// Codec names the dominant codec of the attempt for logging and metrics.
func (s EncodeSpec) Codec() string {
	if s.VideoCodec != "" {
		return s.VideoCodec
	}
	return "audio"
}

// Runner runs the external transcoding tool for one attempt. The output
// file's existence and size are inspected by the caller; the runner's return
// value alone is not a success signal.
type Runner interface {
	Encode(ctx context.Context, inputPath, outputPath string, spec EncodeSpec) error
}

// FFmpeg runs the ffmpeg CLI.
type FFmpeg struct {
	// Binary is the tool executable (default "ffmpeg").
	Binary string
}

// NewFFmpeg creates an FFmpeg runner with defaults.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Binary: "ffmpeg"}
}

// Encode implements Runner by invoking ffmpeg.
func (f *FFmpeg) Encode(ctx context.Context, inputPath, outputPath string, spec EncodeSpec) error {
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	task := execute.ExecTask{
		Command: binary,
		Args:    buildArgs(inputPath, outputPath, spec),
	}

	res, err := task.Execute(ctx)
	if err != nil {
		return fmt.Errorf("running transcode tool: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("transcode tool exited %d: %s", res.ExitCode, lastLine(res.Stderr))
	}

	return nil
}

func buildArgs(inputPath, outputPath string, spec EncodeSpec) []string {
	args := []string{"-i", inputPath}

	if spec.VideoCodec == "" {
		args = append(args, "-vn")
	} else {
		args = append(args, "-c:v", spec.VideoCodec, "-b:v", spec.VideoBitrate)
		if spec.Scale != "" {
			args = append(args, "-vf", fmt.Sprintf("scale=%s:flags=lanczos", spec.Scale))
		}
		if spec.VideoCodec == "libx264" {
			args = append(args, "-preset", "medium", "-crf", "23")
		}
	}

	if spec.AudioCodec != "" {
		args = append(args, "-c:a", spec.AudioCodec)
	}
	if spec.AudioBitrate != "" {
		args = append(args, "-b:a", spec.AudioBitrate)
	}
	if spec.Format != "" {
		args = append(args, "-f", spec.Format)
	}

	return append(args, "-y", outputPath)
}

// lastLine trims ffmpeg's verbose stderr to its final non-empty line, which
// carries the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "unknown error"
}
