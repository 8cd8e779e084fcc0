package expiry

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/media-relay/telemetry"
)

// Config holds downloads-directory housekeeping configuration.
type Config struct {
	// TTL is the time-to-live for artifacts since last access. Artifacts
	// not touched within this duration are removed. Zero disables
	// TTL-based removal.
	TTL time.Duration

	// MaxSize is the maximum total size of the downloads directory in
	// bytes. When exceeded, LRU eviction removes the least recently
	// accessed artifacts until under the limit. Zero disables the limit.
	MaxSize int64

	// CheckInterval is how often to run housekeeping. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for housekeeping events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           7 * 24 * time.Hour,
		MaxSize:       10 * 1024 * 1024 * 1024, // 10 GB
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager reclaims disk space from the downloads directory using the ledger
// as its source of truth.
type Manager struct {
	config Config
	ledger *Ledger
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a housekeeping manager over the ledger.
func NewManager(ledger *Ledger, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		ledger: ledger,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background housekeeping.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop halts background housekeeping and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// ExpireResult reports one housekeeping pass.
type ExpireResult struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single housekeeping pass.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	artifacts, err := m.ledger.List(ctx)
	if err != nil {
		m.logger.Error("failed to list ledger", "error", err)
		result.Errors++
		return result
	}

	if m.config.TTL > 0 {
		ttl := m.expireByTTL(ctx, artifacts)
		result.TTLExpired = ttl.expired
		result.BytesFreed += ttl.bytesFreed
		result.Errors += ttl.errors
		artifacts = ttl.remaining
	}

	if m.config.MaxSize > 0 {
		lru := m.evictByLRU(ctx, artifacts)
		result.LRUEvicted = lru.evicted
		result.BytesFreed += lru.bytesFreed
		result.Errors += lru.errors
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "downloads", result.TTLExpired+result.LRUEvicted, result.Duration)

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		m.logger.Info("housekeeping complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("housekeeping complete, nothing to remove")
	}

	return result
}

type ttlResult struct {
	expired    int
	bytesFreed int64
	errors     int
	remaining  []*ArtifactMetadata
}

func (m *Manager) expireByTTL(ctx context.Context, artifacts []*ArtifactMetadata) ttlResult {
	result := ttlResult{}
	cutoff := m.now().Add(-m.config.TTL)

	for _, meta := range artifacts {
		if !meta.LastAccessed.Before(cutoff) {
			result.remaining = append(result.remaining, meta)
			continue
		}

		if err := m.deleteArtifact(ctx, meta); err != nil {
			m.logger.Warn("failed to remove expired artifact",
				"identifier", meta.Identifier, "kind", meta.Kind, "error", err)
			result.errors++
			continue
		}

		result.expired++
		result.bytesFreed += meta.Size
		m.logger.Debug("removed artifact by TTL",
			"identifier", meta.Identifier, "kind", meta.Kind,
			"age", m.now().Sub(meta.LastAccessed))
	}

	return result
}

type lruResult struct {
	evicted    int
	bytesFreed int64
	errors     int
}

func (m *Manager) evictByLRU(ctx context.Context, artifacts []*ArtifactMetadata) lruResult {
	result := lruResult{}

	var totalSize int64
	for _, meta := range artifacts {
		totalSize += meta.Size
	}

	if totalSize <= m.config.MaxSize {
		return result
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastAccessed.Before(artifacts[j].LastAccessed)
	})

	for _, meta := range artifacts {
		if totalSize <= m.config.MaxSize {
			break
		}

		if err := m.deleteArtifact(ctx, meta); err != nil {
			m.logger.Warn("failed to evict artifact",
				"identifier", meta.Identifier, "kind", meta.Kind, "error", err)
			result.errors++
			continue
		}

		result.evicted++
		result.bytesFreed += meta.Size
		totalSize -= meta.Size

		m.logger.Debug("evicted artifact by LRU",
			"identifier", meta.Identifier, "kind", meta.Kind, "size", meta.Size)
	}

	return result
}

// deleteArtifact removes the file then the ledger record. A missing file is
// not an error; the record is stale and still gets cleaned up.
func (m *Manager) deleteArtifact(ctx context.Context, meta *ArtifactMetadata) error {
	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.ledger.Delete(ctx, meta.Identifier, meta.Kind)
}

// ForceExpire immediately removes artifacts not accessed within olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	artifacts, err := m.ledger.List(ctx)
	if err != nil {
		result.Errors++
		return result
	}

	cutoff := m.now().Add(-olderThan)
	for _, meta := range artifacts {
		if meta.LastAccessed.Before(cutoff) {
			if err := m.deleteArtifact(ctx, meta); err != nil {
				result.Errors++
				continue
			}
			result.TTLExpired++
			result.BytesFreed += meta.Size
		}
	}

	result.Duration = m.now().Sub(start)
	return result
}

// GetStats returns current ledger statistics.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	return m.ledger.GetStats(ctx)
}
