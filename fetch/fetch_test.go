package fetch

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediarelay "github.com/wolfeidau/media-relay"
)

// fakeTool scripts per-tier behaviour for engine tests.
type fakeTool struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64

	// behave decides the outcome of one attempt. Writing the output file
	// signals success regardless of the returned error.
	behave func(callsForTier int, outputPath string, tier Tier) error
}

func newFakeTool(behave func(callsForTier int, outputPath string, tier Tier) error) *fakeTool {
	return &fakeTool{calls: make(map[string]int), behave: behave}
}

func (f *fakeTool) Fetch(_ context.Context, _ string, outputPath string, tier Tier) error {
	f.mu.Lock()
	f.calls[tier.Format]++
	n := f.calls[tier.Format]
	f.mu.Unlock()
	f.total.Add(1)

	return f.behave(n, outputPath, tier)
}

func (f *fakeTool) callsFor(format string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[format]
}

func noDelay() Option {
	return WithBackoff([]time.Duration{0, 0, 0, 0})
}

func writeArtifact(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("media payload"), 0o600))
}

func TestFetchExistingFileShortCircuits(t *testing.T) {
	dir := t.TempDir()

	tool := newFakeTool(func(int, string, Tier) error {
		t.Fatal("tool must not be invoked when the artifact exists")
		return nil
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	writeArtifact(t, engine.ArtifactPath("abc123", mediarelay.KindAudio))

	artifact, err := engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.NoError(t, err)
	require.Equal(t, "abc123", artifact.Identifier)
	require.Equal(t, int64(13), artifact.Size)
	require.Zero(t, tool.total.Load())
}

func TestFetchTierFallbackOnFormatUnavailable(t *testing.T) {
	dir := t.TempDir()
	tiers := TiersFor(mediarelay.KindAudio)

	tool := newFakeTool(func(_ int, outputPath string, tier Tier) error {
		if tier.Format == tiers[0].Format {
			return ErrFormatUnavailable
		}
		// Tier 2 succeeds by writing the artifact.
		return os.WriteFile(outputPath, []byte("tier two audio"), 0o600)
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	artifact, err := engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.NoError(t, err)
	require.Equal(t, int64(14), artifact.Size)

	// Format-unavailable abandons the tier immediately: exactly one attempt
	// on tier 1, no retry schedule exhaustion.
	require.Equal(t, 1, tool.callsFor(tiers[0].Format))
	require.Equal(t, 1, tool.callsFor(tiers[1].Format))
}

func TestFetchRetriesRateLimitedWithinTier(t *testing.T) {
	dir := t.TempDir()
	tiers := TiersFor(mediarelay.KindAudio)

	tool := newFakeTool(func(calls int, outputPath string, tier Tier) error {
		if tier.Format != tiers[0].Format {
			t.Fatalf("unexpected tier %q", tier.Format)
		}
		if calls < 3 {
			return ErrRateLimited
		}
		return os.WriteFile(outputPath, []byte("finally"), 0o600)
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.NoError(t, err)
	require.Equal(t, 3, tool.callsFor(tiers[0].Format))
}

func TestFetchAllTiersExhausted(t *testing.T) {
	dir := t.TempDir()

	tool := newFakeTool(func(int, string, Tier) error {
		return errors.New("network unreachable")
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), "abc123", mediarelay.KindVideo)
	require.ErrorIs(t, err, ErrAllTiersExhausted)

	// Each of the three tiers ran the full four-attempt schedule.
	require.Equal(t, int64(12), tool.total.Load())
}

func TestFetchZeroByteFileIsFailure(t *testing.T) {
	dir := t.TempDir()

	tool := newFakeTool(func(_ int, outputPath string, _ Tier) error {
		// Simulate a crashed tool leaving an empty partial.
		_ = os.WriteFile(outputPath, nil, 0o600)
		return errors.New("interrupted")
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.ErrorIs(t, err, ErrAllTiersExhausted)

	// The zero-byte partial must not linger to be misreported as success.
	_, statErr := os.Stat(engine.ArtifactPath("abc123", mediarelay.KindAudio))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchDeduplicatesConcurrentCalls(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})

	tool := newFakeTool(func(_ int, outputPath string, _ Tier) error {
		<-release
		return os.WriteFile(outputPath, []byte("shared fetch"), 0o600)
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
		}()
	}

	// Let all goroutines join the flight before releasing the tool.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), tool.total.Load())
}

func TestFetchCallerContextCancelled(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	defer close(release)

	tool := newFakeTool(func(_ int, outputPath string, _ Tier) error {
		<-release
		return os.WriteFile(outputPath, []byte("late"), 0o600)
	})

	engine, err := NewEngine(dir, tool, noDelay())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = engine.Fetch(ctx, "abc123", mediarelay.KindAudio)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingLedger struct {
	mu       sync.Mutex
	recorded []mediarelay.LocalArtifact
	touched  int
}

func (l *recordingLedger) Record(_ context.Context, artifact *mediarelay.LocalArtifact, sum mediarelay.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sum.IsZero() {
		return errors.New("zero checksum")
	}
	l.recorded = append(l.recorded, *artifact)
	return nil
}

func (l *recordingLedger) Touch(context.Context, string, mediarelay.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched++
	return nil
}

func TestFetchRecordsLedger(t *testing.T) {
	dir := t.TempDir()
	ledger := &recordingLedger{}

	tool := newFakeTool(func(_ int, outputPath string, _ Tier) error {
		return os.WriteFile(outputPath, []byte("ledger entry"), 0o600)
	})

	engine, err := NewEngine(dir, tool, noDelay(), WithLedger(ledger))
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.NoError(t, err)
	require.Len(t, ledger.recorded, 1)
	require.Equal(t, "abc123", ledger.recorded[0].Identifier)

	// Second call hits the existing file and touches the ledger instead.
	_, err = engine.Fetch(context.Background(), "abc123", mediarelay.KindAudio)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.touched)
}
