// Package relay uploads locally fetched artifacts to the messaging backend,
// compressing them under the destination size limit first, and tracks the
// resulting background tasks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/directory"
	"github.com/wolfeidau/media-relay/telegram"
	"github.com/wolfeidau/media-relay/telemetry"
	"github.com/wolfeidau/media-relay/transcode"
)

// DefaultSizeLimit is the destination's per-file upload ceiling.
const DefaultSizeLimit = 50 << 20

// Uploader sends a local file to the backend with a typed transfer method.
type Uploader interface {
	Send(ctx context.Context, method telegram.TransferMethod, path, caption string) (*telegram.Message, error)
}

// Compressor shrinks an artifact under a size limit.
type Compressor interface {
	Compress(ctx context.Context, inputPath string, kind mediarelay.Kind, limit int64) (*transcode.Result, error)
}

// Receipt describes a completed relay.
type Receipt struct {
	Entry      *mediarelay.DirectoryEntry
	Method     telegram.TransferMethod
	Size       int64
	Compressed bool
}

// Engine performs the relay pipeline: size check, optional compression,
// method selection, upload, and normalization of the backend's response.
type Engine struct {
	uploader  Uploader
	planner   Compressor
	sizeLimit int64
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger.With("component", "relay")
	}
}

// WithSizeLimit overrides the destination size limit.
func WithSizeLimit(limit int64) EngineOption {
	return func(e *Engine) {
		e.sizeLimit = limit
	}
}

// NewEngine creates an Engine. planner may be nil, in which case oversize
// artifacts go straight to a document transfer.
func NewEngine(uploader Uploader, planner Compressor, opts ...EngineOption) *Engine {
	e := &Engine{
		uploader:  uploader,
		planner:   planner,
		sizeLimit: DefaultSizeLimit,
		logger:    slog.Default().With("component", "relay"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Relay uploads the artifact, compressing first when it exceeds the size
// limit. A compressed temp file is always removed before returning,
// regardless of outcome. Failures are returned typed, never swallowed:
// telegram.ErrTooLarge, telegram.ErrTimeout, or a telegram.StatusError.
func (e *Engine) Relay(ctx context.Context, artifact *mediarelay.LocalArtifact, caption string) (*Receipt, error) {
	uploadPath := artifact.Path
	uploadSize := artifact.Size
	compressed := false

	if uploadSize > e.sizeLimit && e.planner != nil {
		res, err := e.planner.Compress(ctx, artifact.Path, artifact.Kind, e.sizeLimit)
		switch {
		case err == nil:
			uploadPath = res.Path
			uploadSize = res.Size
			compressed = true
			defer os.Remove(res.Path)
		case errors.Is(err, transcode.ErrLimitNotMet), errors.Is(err, transcode.ErrAttemptFailed):
			// pass the original through and let the upload step report
			// the oversize condition
			e.logger.Warn("compression did not fit under limit, relaying original",
				"identifier", artifact.Identifier, "kind", artifact.Kind,
				"size", uploadSize, "limit", e.sizeLimit, "error", err)
		default:
			return nil, fmt.Errorf("compressing %s: %w", artifact.Identifier, err)
		}
	}

	method := e.selectMethod(artifact.Kind, uploadSize)

	e.logger.Info("relaying artifact",
		"identifier", artifact.Identifier, "kind", artifact.Kind,
		"method", method, "size", uploadSize, "compressed", compressed)

	start := time.Now()
	msg, err := e.uploader.Send(ctx, method, uploadPath, caption)
	if err != nil {
		telemetry.RecordRelay(ctx, string(method), uploadOutcome(err), time.Since(start), 0)
		return nil, fmt.Errorf("uploading %s: %w", artifact.Identifier, err)
	}
	telemetry.RecordRelay(ctx, string(method), "success", time.Since(start), uploadSize)

	entry := directory.EntryFromMessage(msg, artifact.Identifier)
	if entry == nil {
		// upload went through but the backend's response carried no media
		// payload we can index
		entry = &mediarelay.DirectoryEntry{
			Identifier: artifact.Identifier,
			Kind:       artifact.Kind,
			Size:       uploadSize,
			MessageRef: msg.MessageID,
		}
	}

	return &Receipt{
		Entry:      entry,
		Method:     method,
		Size:       uploadSize,
		Compressed: compressed,
	}, nil
}

// selectMethod routes still-oversize artifacts to a generic document
// transfer, everything else to the kind-specific method.
func (e *Engine) selectMethod(kind mediarelay.Kind, size int64) telegram.TransferMethod {
	if size > e.sizeLimit {
		return telegram.TransferDocument
	}
	if kind == mediarelay.KindVideo {
		return telegram.TransferVideo
	}
	return telegram.TransferAudio
}

func uploadOutcome(err error) string {
	switch {
	case errors.Is(err, telegram.ErrTooLarge):
		return "too_large"
	case errors.Is(err, telegram.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
