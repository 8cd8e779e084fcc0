package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/directory"
	"github.com/wolfeidau/media-relay/fetch"
	"github.com/wolfeidau/media-relay/relay"
	"github.com/wolfeidau/media-relay/telegram"
)

type fakeFetcher struct {
	artifact *mediarelay.LocalArtifact
	err      error
	calls    atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, _ mediarelay.Kind) (*mediarelay.LocalArtifact, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.artifact, nil
}

type fakeFinder struct {
	entry *mediarelay.DirectoryEntry
	err   error
	calls atomic.Int32
}

func (f *fakeFinder) Find(_ context.Context, _ string) (*mediarelay.DirectoryEntry, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.entry, nil
}

type fakeLinks struct {
	url string
	err error
}

func (f *fakeLinks) FileURL(_ context.Context, _ string) (string, error) {
	return f.url, f.err
}

type fakeRelayer struct {
	receipt *relay.Receipt
	err     error
	calls   atomic.Int32
	done    chan struct{}
}

func (f *fakeRelayer) Relay(_ context.Context, _ *mediarelay.LocalArtifact, _ string) (*relay.Receipt, error) {
	f.calls.Add(1)
	if f.done != nil {
		defer close(f.done)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func waitForTerminal(t *testing.T, registry *relay.Registry, taskID string) *relay.Task {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if task, ok := registry.Get(taskID); ok && task.Status.Terminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state", taskID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResolvePrimarySuccessSchedulesRelay(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{
		Identifier: "abc123",
		Kind:       mediarelay.KindAudio,
		Path:       "/tmp/abc123.webm",
		Size:       40 << 20,
	}
	entry := &mediarelay.DirectoryEntry{Identifier: "abc123", FileRef: "ref-1", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{artifact: artifact}
	finder := &fakeFinder{}
	relayer := &fakeRelayer{receipt: &relay.Receipt{Entry: entry}, done: make(chan struct{})}
	registry := relay.NewRegistry()

	o := New(fetcher, finder, &fakeLinks{}, relayer, registry)
	defer o.Close()

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, true)
	require.NoError(t, err)

	require.Equal(t, TypeLocalFile, res.Type)
	require.Equal(t, SourceLocal, res.Source)
	require.Equal(t, "/file/abc123?type=audio", res.Link)
	require.Equal(t, "abc123_audio", res.TaskID)

	// the secondary is never consulted on primary success
	require.EqualValues(t, 0, finder.calls.Load())

	// immediately after returning, the task exists in uploading or has
	// already completed; it must end completed
	task := waitForTerminal(t, registry, "abc123_audio")
	require.Equal(t, relay.StatusCompleted, task.Status)
	require.Equal(t, "ref-1", task.Entry.FileRef)
}

func TestResolveFallsBackToDirectory(t *testing.T) {
	entry := &mediarelay.DirectoryEntry{Identifier: "abc123", FileRef: "ref-9", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{err: fetch.ErrAllTiersExhausted}
	finder := &fakeFinder{entry: entry}
	links := &fakeLinks{url: "https://files.example.com/ref-9"}
	registry := relay.NewRegistry()

	o := New(fetcher, finder, links, nil, registry)
	defer o.Close()

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, true)
	require.NoError(t, err)

	require.Equal(t, TypeDBChannel, res.Type)
	require.Equal(t, SourceDirectory, res.Source)
	require.Equal(t, "https://files.example.com/ref-9", res.Link)
	require.Equal(t, entry, res.Entry)
	require.Empty(t, res.TaskID)

	// secondary invoked exactly once
	require.EqualValues(t, 1, finder.calls.Load())
}

func TestResolveBothFailReturnsFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: fetch.ErrAllTiersExhausted}
	finder := &fakeFinder{err: directory.ErrNotFound}
	registry := relay.NewRegistry()

	o := New(fetcher, finder, &fakeLinks{}, nil, registry)
	defer o.Close()

	_, err := o.Resolve(context.Background(), "missing", mediarelay.KindAudio, false)
	require.ErrorIs(t, err, fetch.ErrAllTiersExhausted)
	require.EqualValues(t, 1, finder.calls.Load())
}

func TestResolveNoRelayWhenOptedOut(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{Identifier: "abc123", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{artifact: artifact}
	relayer := &fakeRelayer{}
	registry := relay.NewRegistry()

	o := New(fetcher, &fakeFinder{}, &fakeLinks{}, relayer, registry)
	defer o.Close()

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, false)
	require.NoError(t, err)
	require.Empty(t, res.TaskID)

	_, ok := registry.Get("abc123_audio")
	require.False(t, ok)
	require.EqualValues(t, 0, relayer.calls.Load())
}

func TestResolveRelayTooLargeMarksFailed(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{Identifier: "huge1", Kind: mediarelay.KindVideo, Size: 200 << 20}

	fetcher := &fakeFetcher{artifact: artifact}
	relayer := &fakeRelayer{err: telegram.ErrTooLarge}
	registry := relay.NewRegistry()

	o := New(fetcher, &fakeFinder{}, &fakeLinks{}, relayer, registry)
	defer o.Close()

	res, err := o.Resolve(context.Background(), "huge1", mediarelay.KindVideo, true)
	require.NoError(t, err)

	task := waitForTerminal(t, registry, res.TaskID)
	require.Equal(t, relay.StatusFailed, task.Status)
}

func TestResolveRelayUnexpectedErrorMarksError(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{Identifier: "abc123", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{artifact: artifact}
	relayer := &fakeRelayer{err: errors.New("backend exploded")}
	registry := relay.NewRegistry()

	o := New(fetcher, &fakeFinder{}, &fakeLinks{}, relayer, registry)
	defer o.Close()

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, true)
	require.NoError(t, err)

	task := waitForTerminal(t, registry, res.TaskID)
	require.Equal(t, relay.StatusError, task.Status)
	require.Contains(t, task.Message, "backend exploded")
}

func TestResolveRelayWarmsDirectoryCache(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{Identifier: "abc123", Kind: mediarelay.KindAudio}
	entry := &mediarelay.DirectoryEntry{Identifier: "abc123", FileRef: "ref-2", Kind: mediarelay.KindAudio}

	cache := directory.NewCache(time.Hour)
	fetcher := &fakeFetcher{artifact: artifact}
	relayer := &fakeRelayer{receipt: &relay.Receipt{Entry: entry}}
	registry := relay.NewRegistry()

	o := New(fetcher, &fakeFinder{}, &fakeLinks{}, relayer, registry, WithDirectoryCache(cache))
	defer o.Close()

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, true)
	require.NoError(t, err)

	waitForTerminal(t, registry, res.TaskID)

	cached, ok := cache.Get("abc123")
	require.True(t, ok)
	require.Equal(t, "ref-2", cached.FileRef)
}

func TestResolveFileURLFailureSurfaces(t *testing.T) {
	entry := &mediarelay.DirectoryEntry{Identifier: "abc123", FileRef: "ref-9", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{err: fetch.ErrAllTiersExhausted}
	finder := &fakeFinder{entry: entry}
	links := &fakeLinks{err: telegram.ErrNotFound}
	registry := relay.NewRegistry()

	o := New(fetcher, finder, links, nil, registry)
	defer o.Close()

	_, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, false)
	require.ErrorIs(t, err, telegram.ErrNotFound)
}

func TestCloseWaitsForInFlightRelays(t *testing.T) {
	artifact := &mediarelay.LocalArtifact{Identifier: "abc123", Kind: mediarelay.KindAudio}
	entry := &mediarelay.DirectoryEntry{Identifier: "abc123", FileRef: "ref-1", Kind: mediarelay.KindAudio}

	fetcher := &fakeFetcher{artifact: artifact}
	relayer := &fakeRelayer{receipt: &relay.Receipt{Entry: entry}}
	registry := relay.NewRegistry()

	o := New(fetcher, &fakeFinder{}, &fakeLinks{}, relayer, registry)

	res, err := o.Resolve(context.Background(), "abc123", mediarelay.KindAudio, true)
	require.NoError(t, err)

	o.Close()

	// after Close, the scheduled relay has run to a terminal state
	task, ok := registry.Get(res.TaskID)
	require.True(t, ok)
	require.True(t, task.Status.Terminal())
}
