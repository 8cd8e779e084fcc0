// Package fetch implements primary acquisition: resolving an identifier to a
// local media file by walking an ordered list of format tiers, each retried
// with backoff. Concurrent fetches for the same identifier are deduplicated
// with singleflight so only one tool invocation runs.
package fetch

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
	"golang.org/x/sync/singleflight"
)

// Sentinel errors classifying fetch failures.
var (
	// ErrFormatUnavailable means the requested format tier does not exist
	// for this identifier. Permanent for the tier: no retries, advance.
	ErrFormatUnavailable = errors.New("requested format unavailable")

	// ErrRateLimited means the upstream throttled the request. Transient:
	// the backoff schedule keeps retrying the same tier.
	ErrRateLimited = errors.New("rate limited")

	// ErrAllTiersExhausted means every tier's retry schedule ran out.
	ErrAllTiersExhausted = errors.New("all format tiers exhausted")
)

// DefaultBackoff is the per-tier retry schedule: four attempts with the
// delay before each.
var DefaultBackoff = []time.Duration{0, 1 * time.Second, 2 * time.Second, 4 * time.Second}

// Tier is one format/quality option, ordered by preference.
type Tier struct {
	// Format is the selector string passed to the fetch tool.
	Format string

	// MergeFormat requests a merged output container, if set.
	MergeFormat string
}

// audioTiers and videoTiers mirror the selector ladders the upstream
// supports, best-preferred first.
var (
	audioTiers = []Tier{
		{Format: "bestaudio[abr<=128]/bestaudio"},
		{Format: "bestaudio/best"},
		{Format: "worstaudio/worst"},
	}
	videoTiers = []Tier{
		{Format: "bestvideo[height<=720]+bestaudio/best", MergeFormat: "mp4"},
		{Format: "bestvideo+bestaudio/best", MergeFormat: "mp4"},
		{Format: "worstvideo/worst+bestaudio/worst", MergeFormat: "mp4"},
	}
)

// TiersFor returns the ordered format tiers for a media kind.
func TiersFor(kind mediarelay.Kind) []Tier {
	if kind == mediarelay.KindVideo {
		return videoTiers
	}
	return audioTiers
}

// Tool invokes the external content-fetch tool for a single attempt. The
// tool writes the artifact to outputPath as a side effect; its error must be
// classified with ErrFormatUnavailable / ErrRateLimited where the failure is
// recognisable.
type Tool interface {
	Fetch(ctx context.Context, identifier, outputPath string, tier Tier) error
}

// Ledger records validated artifacts for housekeeping. Implemented by the
// expiry metadata store; nil disables recording.
type Ledger interface {
	Record(ctx context.Context, artifact *mediarelay.LocalArtifact, sum mediarelay.Hash) error
	Touch(ctx context.Context, identifier string, kind mediarelay.Kind) error
}

// Engine fetches artifacts to a downloads directory.
type Engine struct {
	dir     string
	tool    Tool
	ledger  Ledger
	backoff []time.Duration
	logger  *slog.Logger
	group   singleflight.Group
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithBackoff overrides the per-tier retry schedule.
func WithBackoff(schedule []time.Duration) Option {
	return func(e *Engine) {
		e.backoff = schedule
	}
}

// WithLedger sets the artifact ledger.
func WithLedger(ledger Ledger) Option {
	return func(e *Engine) {
		e.ledger = ledger
	}
}

// NewEngine creates a fetch engine writing into dir.
func NewEngine(dir string, tool Tool, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}

	e := &Engine{
		dir:     dir,
		tool:    tool,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dir returns the downloads directory.
func (e *Engine) Dir() string {
	return e.dir
}

// ArtifactPath returns the canonical on-disk path for an identifier and kind.
func (e *Engine) ArtifactPath(identifier string, kind mediarelay.Kind) string {
	return filepath.Join(e.dir, mediarelay.FileName(identifier, kind))
}

// Lookup returns the local artifact if a validated file already exists at
// the canonical path, without any tool invocation.
func (e *Engine) Lookup(ctx context.Context, identifier string, kind mediarelay.Kind) (*mediarelay.LocalArtifact, bool) {
	path := e.ArtifactPath(identifier, kind)
	size, ok := validateFile(path)
	if !ok {
		return nil, false
	}

	if e.ledger != nil {
		_ = e.ledger.Touch(ctx, identifier, kind)
	}

	return &mediarelay.LocalArtifact{
		Identifier: identifier,
		Kind:       kind,
		Path:       path,
		Size:       size,
	}, true
}

// Fetch resolves an identifier to a local artifact. An existing validated
// file short-circuits without a tool call. Otherwise tiers are attempted in
// order, each with the backoff schedule, and concurrent calls for the same
// (identifier, kind) share one in-flight fetch.
//
// If the caller's context expires before the fetch completes, Fetch returns
// the context error but the in-flight fetch continues for other waiters.
func (e *Engine) Fetch(ctx context.Context, identifier string, kind mediarelay.Kind) (*mediarelay.LocalArtifact, error) {
	if artifact, ok := e.Lookup(ctx, identifier, kind); ok {
		return artifact, nil
	}

	key := identifier + ":" + kind.String()
	ch := e.group.DoChan(key, func() (any, error) {
		// Detached context so no single caller's cancellation stops the
		// fetch for everyone else.
		return e.fetchTiers(context.WithoutCancel(ctx), identifier, kind)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			e.group.Forget(key)
			return nil, res.Err
		}
		return res.Val.(*mediarelay.LocalArtifact), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetchTiers walks the tier ladder for one deduplicated fetch.
func (e *Engine) fetchTiers(ctx context.Context, identifier string, kind mediarelay.Kind) (*mediarelay.LocalArtifact, error) {
	path := e.ArtifactPath(identifier, kind)
	logger := e.logger.With("identifier", identifier, "kind", kind.String())
	start := time.Now()

	for tierIdx, tier := range TiersFor(kind) {
		tierLogger := logger.With("tier", tierIdx, "format", tier.Format)

	retries:
		for attempt, delay := range e.backoff {
			if delay > 0 {
				if err := e.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}

			err := e.tool.Fetch(ctx, identifier, path, tier)

			// The tool's return value is not trusted alone: success is the
			// artifact existing on disk with a non-zero size.
			if size, ok := validateFile(path); ok {
				telemetry.RecordFetchAttempt(ctx, kind.String(), tierIdx, "success")
				telemetry.RecordFetch(ctx, kind.String(), "success", time.Since(start))
				return e.recordArtifact(ctx, identifier, kind, path, size, tierLogger)
			}

			switch {
			case errors.Is(err, ErrFormatUnavailable):
				telemetry.RecordFetchAttempt(ctx, kind.String(), tierIdx, "format_unavailable")
				tierLogger.Debug("format unavailable, advancing tier")
				break retries
			case errors.Is(err, ErrRateLimited):
				telemetry.RecordFetchAttempt(ctx, kind.String(), tierIdx, "rate_limited")
				tierLogger.Warn("rate limited", "attempt", attempt)
			default:
				telemetry.RecordFetchAttempt(ctx, kind.String(), tierIdx, "error")
				tierLogger.Warn("fetch attempt failed", "attempt", attempt, "error", err)
			}
		}
	}

	telemetry.RecordFetch(ctx, kind.String(), "exhausted", time.Since(start))
	logger.Error("all tiers exhausted")
	return nil, fmt.Errorf("fetching %s: %w", identifier, ErrAllTiersExhausted)
}

// recordArtifact fingerprints a validated artifact and records it in the
// ledger (best effort).
func (e *Engine) recordArtifact(ctx context.Context, identifier string, kind mediarelay.Kind, path string, size int64, logger *slog.Logger) (*mediarelay.LocalArtifact, error) {
	artifact := &mediarelay.LocalArtifact{
		Identifier: identifier,
		Kind:       kind,
		Path:       path,
		Size:       size,
	}

	if e.ledger != nil {
		sum, _, err := mediarelay.HashFile(path)
		if err != nil {
			logger.Warn("failed to fingerprint artifact", "error", err)
		} else if err := e.ledger.Record(ctx, artifact, sum); err != nil {
			logger.Warn("failed to record artifact", "error", err)
		}
	}

	logger.Info("fetched artifact", "size", size)
	return artifact, nil
}

// validateFile reports whether path holds a non-empty regular file. A
// zero-byte partial left by a crashed tool invocation is removed and treated
// as absent.
func validateFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return 0, false
	}
	return info.Size(), true
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
