package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/telemetry"
)

var (
	// ErrAttemptFailed indicates every re-encode attempt failed to produce
	// an output file.
	ErrAttemptFailed = errors.New("transcode: all attempts failed")

	// ErrLimitNotMet indicates at least one attempt produced output, but
	// none came in under the size limit.
	ErrLimitNotMet = errors.New("transcode: size limit not met")
)

// audioBitrates is the descending quality ladder for audio-only attempts.
var audioBitrates = []string{"128k", "96k", "64k"}

// videoSpecs is the attempt ladder for video: one VP9/Opus WebM pass first,
// then H.264/AAC MP4 passes at falling bitrates with a 720p downscale.
var videoSpecs = []EncodeSpec{
	{VideoCodec: "libvpx-vp9", VideoBitrate: "1M", AudioCodec: "libopus", AudioBitrate: "128k", Format: "webm"},
	{VideoCodec: "libx264", VideoBitrate: "1M", AudioCodec: "aac", AudioBitrate: "128k", Scale: "1280:720"},
	{VideoCodec: "libx264", VideoBitrate: "800k", AudioCodec: "aac", AudioBitrate: "128k", Scale: "1280:720"},
	{VideoCodec: "libx264", VideoBitrate: "500k", AudioCodec: "aac", AudioBitrate: "96k", Scale: "1280:720"},
}

// Result is an accepted compression output. The caller owns Path and must
// remove it when done.
type Result struct {
	Path string
	Size int64
}

// Planner walks a per-kind ladder of re-encode attempts until one fits under
// the limit. Rejected attempts are deleted as soon as they are measured, so
// at most one temporary file exists when a call returns.
type Planner struct {
	runner  Runner
	tempDir string
	logger  *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the logger.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logger.With("component", "transcode")
	}
}

// WithTempDir sets the directory attempt outputs are written to. Defaults to
// the system temporary directory.
func WithTempDir(dir string) PlannerOption {
	return func(p *Planner) {
		p.tempDir = dir
	}
}

// NewPlanner creates a Planner driving the given runner.
func NewPlanner(runner Runner, opts ...PlannerOption) *Planner {
	p := &Planner{
		runner: runner,
		logger: slog.Default().With("component", "transcode"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Compress re-encodes inputPath until an attempt fits under limit bytes.
// Returns ErrLimitNotMet when every attempt stays oversize and
// ErrAttemptFailed when no attempt produces output at all.
func (p *Planner) Compress(ctx context.Context, inputPath string, kind mediarelay.Kind, limit int64) (*Result, error) {
	specs, ext := ladderFor(kind, inputPath)

	producedOutput := false

	for i, spec := range specs {
		outputPath := p.attemptPath(inputPath, i, ext, spec)

		start := time.Now()
		err := p.runner.Encode(ctx, inputPath, outputPath, spec)

		info, statErr := os.Stat(outputPath)
		switch {
		case err != nil || statErr != nil:
			if statErr == nil {
				os.Remove(outputPath)
			}
			telemetry.RecordCompressionAttempt(ctx, string(kind), spec.Codec(), "error", 0)
			p.logger.Warn("compression attempt failed",
				"input", inputPath, "codec", spec.Codec(), "bitrate", attemptBitrate(spec), "error", err)
			continue
		case info.Size() == 0:
			os.Remove(outputPath)
			telemetry.RecordCompressionAttempt(ctx, string(kind), spec.Codec(), "error", 0)
			continue
		case info.Size() > limit:
			producedOutput = true
			telemetry.RecordCompressionAttempt(ctx, string(kind), spec.Codec(), "oversize", info.Size())
			p.logger.Info("compression attempt still oversize",
				"input", inputPath, "codec", spec.Codec(), "bitrate", attemptBitrate(spec),
				"size", info.Size(), "limit", limit)
			os.Remove(outputPath)
			continue
		}

		telemetry.RecordCompressionAttempt(ctx, string(kind), spec.Codec(), "accepted", info.Size())
		p.logger.Info("compression succeeded",
			"input", inputPath, "codec", spec.Codec(), "bitrate", attemptBitrate(spec),
			"size", info.Size(), "duration", time.Since(start))

		return &Result{Path: outputPath, Size: info.Size()}, nil
	}

	if producedOutput {
		return nil, ErrLimitNotMet
	}
	return nil, ErrAttemptFailed
}

// ladderFor returns the attempt specs for a kind and the output extension.
// Video WebM attempts override the extension per-spec via Format.
func ladderFor(kind mediarelay.Kind, inputPath string) ([]EncodeSpec, string) {
	if kind == mediarelay.KindVideo {
		return videoSpecs, ".mp4"
	}

	specs := make([]EncodeSpec, 0, len(audioBitrates))
	for _, bitrate := range audioBitrates {
		specs = append(specs, EncodeSpec{AudioBitrate: bitrate})
	}

	ext := filepath.Ext(inputPath)
	if ext == "" {
		ext = ".webm"
	}
	return specs, ext
}

func (p *Planner) attemptPath(inputPath string, attempt int, ext string, spec EncodeSpec) string {
	if spec.Format == "webm" {
		ext = ".webm"
	}

	dir := p.tempDir
	if dir == "" {
		dir = os.TempDir()
	}

	base := filepath.Base(inputPath)
	base = base[:len(base)-len(filepath.Ext(base))]

	return filepath.Join(dir, fmt.Sprintf("%s_compress%d%s", base, attempt, ext))
}

func attemptBitrate(spec EncodeSpec) string {
	if spec.VideoBitrate != "" {
		return spec.VideoBitrate
	}
	return spec.AudioBitrate
}
