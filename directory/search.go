// Package directory searches the durable store's channel history for
// previously relayed artifacts, backed by a TTL cache of results.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/telegram"
	"github.com/wolfeidau/media-relay/telemetry"
)

const (
	// DefaultPageSize is the history window fetched per page.
	DefaultPageSize = 100

	// DefaultMaxDeepPages bounds the deep search to 5 further pages
	// (500 entries) beyond the shallow page.
	DefaultMaxDeepPages = 5
)

// ErrNotFound is returned when no entry matches the identifier. A transport
// failure during the search also surfaces as ErrNotFound: the search is
// aborted, not retried.
var ErrNotFound = errors.New("not found in directory")

// HistoryClient fetches pages of the remote history.
type HistoryClient interface {
	History(ctx context.Context, cursor int64, limit int) ([]telegram.Message, error)
}

// Searcher finds previously relayed artifacts in the remote history.
type Searcher struct {
	client   HistoryClient
	cache    *Cache
	logger   *slog.Logger
	pageSize int
	maxDeep  int
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithLogger sets the logger for the searcher.
func WithLogger(logger *slog.Logger) SearcherOption {
	return func(s *Searcher) {
		s.logger = logger
	}
}

// WithPageSize sets the history page size.
func WithPageSize(n int) SearcherOption {
	return func(s *Searcher) {
		s.pageSize = n
	}
}

// WithMaxDeepPages bounds the deep search page count.
func WithMaxDeepPages(n int) SearcherOption {
	return func(s *Searcher) {
		s.maxDeep = n
	}
}

// NewSearcher creates a searcher over the given history client and cache.
func NewSearcher(client HistoryClient, cache *Cache, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		client:   client,
		cache:    cache,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		maxDeep:  DefaultMaxDeepPages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the searcher's TTL cache.
func (s *Searcher) Cache() *Cache {
	return s.cache
}

// Find looks up the identifier: cache first, then a shallow search of the
// newest history page, then a bounded deep search paging backward. The first
// match is cached and returned. Misses and transport failures both return
// ErrNotFound.
func (s *Searcher) Find(ctx context.Context, identifier string) (*mediarelay.DirectoryEntry, error) {
	start := time.Now()
	logger := s.logger.With("identifier", identifier)

	if entry, ok := s.cache.Get(identifier); ok {
		telemetry.RecordDirectorySearch(ctx, "cache_hit", time.Since(start))
		logger.Debug("directory cache hit")
		return entry, nil
	}

	// Shallow search: newest page only.
	page, err := s.client.History(ctx, 0, s.pageSize)
	if err != nil {
		telemetry.RecordDirectorySearch(ctx, "error", time.Since(start))
		logger.Warn("history fetch failed, aborting search", "error", err)
		return nil, ErrNotFound
	}

	if entry := matchPage(page, identifier); entry != nil {
		s.cache.Put(identifier, entry)
		telemetry.RecordDirectorySearch(ctx, "shallow_hit", time.Since(start))
		logger.Debug("found in shallow search", "message_ref", entry.MessageRef)
		return entry, nil
	}

	// Deep search: page backward from the last seen message reference.
	cursor := lastMessageRef(page)
	for range s.maxDeep {
		if cursor == 0 {
			break
		}

		page, err = s.client.History(ctx, cursor, s.pageSize)
		if err != nil {
			telemetry.RecordDirectorySearch(ctx, "error", time.Since(start))
			logger.Warn("deep history fetch failed, aborting search", "error", err)
			return nil, ErrNotFound
		}
		if len(page) == 0 {
			break
		}

		if entry := matchPage(page, identifier); entry != nil {
			s.cache.Put(identifier, entry)
			telemetry.RecordDirectorySearch(ctx, "deep_hit", time.Since(start))
			logger.Debug("found in deep search", "message_ref", entry.MessageRef)
			return entry, nil
		}

		cursor = lastMessageRef(page)
	}

	telemetry.RecordDirectorySearch(ctx, "miss", time.Since(start))
	return nil, ErrNotFound
}

// matchPage scans a history page for an exact substring match of the
// identifier in each message's caption or text.
func matchPage(page []telegram.Message, identifier string) *mediarelay.DirectoryEntry {
	for i := range page {
		msg := &page[i]
		if !strings.Contains(msg.CaptionOrText(), identifier) {
			continue
		}
		if entry := EntryFromMessage(msg, identifier); entry != nil {
			return entry
		}
	}
	return nil
}

// lastMessageRef returns the pagination cursor for the next page.
func lastMessageRef(page []telegram.Message) int64 {
	if len(page) == 0 {
		return 0
	}
	return page[len(page)-1].MessageID
}

// EntryFromMessage classifies a backend message into a directory entry.
// Documents are classified back into audio or video by MIME type and file
// extension; documents that are neither are not playable artifacts and nil
// is returned.
func EntryFromMessage(msg *telegram.Message, identifier string) *mediarelay.DirectoryEntry {
	switch {
	case msg.Audio != nil:
		title := msg.Audio.Title
		if title == "" {
			title = "audio_" + identifier
		}
		return &mediarelay.DirectoryEntry{
			Identifier: identifier,
			FileRef:    msg.Audio.FileID,
			Size:       msg.Audio.FileSize,
			Duration:   time.Duration(msg.Audio.Duration) * time.Second,
			MIMEType:   orDefault(msg.Audio.MIMEType, mediarelay.KindAudio.DefaultMIME()),
			Kind:       mediarelay.KindAudio,
			MessageRef: msg.MessageID,
			Title:      title,
		}
	case msg.Video != nil:
		return &mediarelay.DirectoryEntry{
			Identifier: identifier,
			FileRef:    msg.Video.FileID,
			Size:       msg.Video.FileSize,
			Duration:   time.Duration(msg.Video.Duration) * time.Second,
			MIMEType:   orDefault(msg.Video.MIMEType, mediarelay.KindVideo.DefaultMIME()),
			Kind:       mediarelay.KindVideo,
			MessageRef: msg.MessageID,
		}
	case msg.Document != nil:
		kind, ok := classifyDocument(msg.Document.MIMEType, msg.Document.FileName)
		if !ok {
			return nil
		}
		return &mediarelay.DirectoryEntry{
			Identifier: identifier,
			FileRef:    msg.Document.FileID,
			Size:       msg.Document.FileSize,
			MIMEType:   msg.Document.MIMEType,
			Kind:       kind,
			MessageRef: msg.MessageID,
			FileName:   msg.Document.FileName,
		}
	default:
		return nil
	}
}

// classifyDocument maps a document's MIME type and file extension onto a
// media kind.
func classifyDocument(mimeType, fileName string) (mediarelay.Kind, bool) {
	switch {
	case strings.Contains(mimeType, "audio"),
		strings.HasSuffix(fileName, ".webm"),
		strings.HasSuffix(fileName, ".mp3"):
		return mediarelay.KindAudio, true
	case strings.Contains(mimeType, "video"),
		strings.HasSuffix(fileName, ".mp4"),
		strings.HasSuffix(fileName, ".mkv"):
		return mediarelay.KindVideo, true
	default:
		return "", false
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
