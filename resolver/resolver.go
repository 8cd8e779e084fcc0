// Package resolver orchestrates acquisition: fetch locally first, fall back
// to the remote directory, and schedule background relays of fetched files.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/directory"
	"github.com/wolfeidau/media-relay/relay"
	"github.com/wolfeidau/media-relay/telegram"
)

// ResolutionType tells the caller what kind of link they got back.
type ResolutionType string

const (
	// TypeLocalFile means the artifact is served from local disk.
	TypeLocalFile ResolutionType = "local_file"
	// TypeDBChannel means the link points at the remote directory's copy.
	TypeDBChannel ResolutionType = "db_channel"
)

const (
	// SourceLocal marks resolutions satisfied by the local fetch engine.
	SourceLocal = "local_downloader"
	// SourceDirectory marks resolutions satisfied by the remote directory.
	SourceDirectory = "telegram_db"
)

// DefaultRelayWorkers bounds how many background relays run at once.
const DefaultRelayWorkers = 4

// Resolution is the outcome of a resolve request.
type Resolution struct {
	Type   ResolutionType             `json:"type"`
	Source string                     `json:"source"`
	Link   string                     `json:"link"`
	Entry  *mediarelay.DirectoryEntry `json:"entry,omitempty"`
	TaskID string                     `json:"upload_task_id,omitempty"`
}

// Fetcher is the primary acquisition engine.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string, kind mediarelay.Kind) (*mediarelay.LocalArtifact, error)
}

// Finder is the secondary directory search.
type Finder interface {
	Find(ctx context.Context, identifier string) (*mediarelay.DirectoryEntry, error)
}

// LinkResolver turns a stored file reference into a direct download URL.
type LinkResolver interface {
	FileURL(ctx context.Context, fileRef string) (string, error)
}

// Relayer uploads a local artifact to the backend.
type Relayer interface {
	Relay(ctx context.Context, artifact *mediarelay.LocalArtifact, caption string) (*relay.Receipt, error)
}

// Orchestrator runs the per-request resolve state machine. Relays are
// detached: they run on a bounded worker pool with a background context, and
// the caller observes them only through the task registry.
type Orchestrator struct {
	fetcher  Fetcher
	finder   Finder
	links    LinkResolver
	relayer  Relayer
	registry *relay.Registry
	cache    *directory.Cache

	localLink func(identifier string, kind mediarelay.Kind) string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "resolver")
	}
}

// WithRelayWorkers bounds the background relay pool.
func WithRelayWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = make(chan struct{}, n)
		}
	}
}

// WithLocalLink sets how local-file links are rendered for callers. The
// default is a /file path with the kind as a query parameter.
func WithLocalLink(fn func(identifier string, kind mediarelay.Kind) string) Option {
	return func(o *Orchestrator) {
		o.localLink = fn
	}
}

// WithDirectoryCache lets successful relays warm the directory cache.
func WithDirectoryCache(cache *directory.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

// New creates an Orchestrator. relayer may be nil to disable background
// relays entirely.
func New(fetcher Fetcher, finder Finder, links LinkResolver, relayer Relayer, registry *relay.Registry, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		fetcher:  fetcher,
		finder:   finder,
		links:    links,
		relayer:  relayer,
		registry: registry,
		localLink: func(identifier string, kind mediarelay.Kind) string {
			return fmt.Sprintf("/file/%s?type=%s", identifier, kind)
		},
		logger: slog.Default().With("component", "resolver"),
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, DefaultRelayWorkers),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Resolve runs the acquisition state machine for one request. The primary
// fetch is tried first; on success the local link is returned and, when
// scheduleRelay is set, a detached relay task is started. On primary failure
// the directory search runs exactly once; its hit resolves to the remote
// download URL. Both failing surfaces the fetch error.
func (o *Orchestrator) Resolve(ctx context.Context, identifier string, kind mediarelay.Kind, scheduleRelay bool) (*Resolution, error) {
	artifact, fetchErr := o.fetcher.Fetch(ctx, identifier, kind)
	if fetchErr == nil {
		res := &Resolution{
			Type:   TypeLocalFile,
			Source: SourceLocal,
			Link:   o.localLink(identifier, kind),
		}
		if scheduleRelay && o.relayer != nil {
			res.TaskID = o.scheduleRelay(artifact)
		}
		return res, nil
	}

	o.logger.Warn("primary fetch failed, trying directory",
		"identifier", identifier, "kind", kind, "error", fetchErr)

	entry, err := o.finder.Find(ctx, identifier)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			o.logger.Warn("directory search failed", "identifier", identifier, "error", err)
		}
		return nil, fmt.Errorf("resolving %s: %w", identifier, fetchErr)
	}

	link, err := o.links.FileURL(ctx, entry.FileRef)
	if err != nil {
		return nil, fmt.Errorf("resolving stored file for %s: %w", identifier, err)
	}

	return &Resolution{
		Type:   TypeDBChannel,
		Source: SourceDirectory,
		Link:   link,
		Entry:  entry,
	}, nil
}

// ScheduleRelay starts a detached relay for an already-fetched artifact and
// returns the task id.
func (o *Orchestrator) ScheduleRelay(artifact *mediarelay.LocalArtifact) string {
	return o.scheduleRelay(artifact)
}

func (o *Orchestrator) scheduleRelay(artifact *mediarelay.LocalArtifact) string {
	handle := o.registry.Begin(artifact.Identifier, artifact.Kind)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-o.ctx.Done():
			handle.Error("shutting down")
			return
		}

		o.runRelay(handle, artifact)
	}()

	return handle.ID()
}

// runRelay executes one background relay on the orchestrator's own context,
// detached from the request that scheduled it.
func (o *Orchestrator) runRelay(handle *relay.Handle, artifact *mediarelay.LocalArtifact) {
	receipt, err := o.relayer.Relay(o.ctx, artifact, artifact.Identifier)
	if err != nil {
		switch {
		case errors.Is(err, telegram.ErrTooLarge), errors.Is(err, telegram.ErrTimeout):
			handle.Fail(err.Error())
		default:
			handle.Error(err.Error())
		}
		o.logger.Error("background relay failed",
			"identifier", artifact.Identifier, "kind", artifact.Kind, "error", err)
		return
	}

	handle.Complete(receipt.Entry)
	if o.cache != nil && receipt.Entry != nil {
		o.cache.Put(artifact.Identifier, receipt.Entry)
	}

	o.logger.Info("background relay completed",
		"identifier", artifact.Identifier, "kind", artifact.Kind,
		"method", receipt.Method, "size", receipt.Size)
}

// Registry exposes the task registry for status lookups.
func (o *Orchestrator) Registry() *relay.Registry {
	return o.registry
}

// Close cancels in-flight background relays and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
