package transcode

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mediarelay "github.com/wolfeidau/media-relay"
)

// fakeRunner writes a file of the scripted size for each attempt, or fails
// the attempt entirely when size is negative.
type fakeRunner struct {
	sizes []int64
	specs []EncodeSpec
}

func (f *fakeRunner) Encode(_ context.Context, _, outputPath string, spec EncodeSpec) error {
	attempt := len(f.specs)
	f.specs = append(f.specs, spec)

	if attempt >= len(f.sizes) {
		return errors.New("scripted attempts exhausted")
	}

	size := f.sizes[attempt]
	if size < 0 {
		return errors.New("encoder blew up")
	}

	return os.WriteFile(outputPath, bytes.Repeat([]byte{0xaa}, int(size)), 0o600)
}

func writeInput(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("original media payload"), 0o600))
	return path
}

func tempFileCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	count := 0
	for _, e := range entries {
		if e.Name() != "input.webm" && e.Name() != "input.mp4" {
			count++
		}
	}
	return count
}

func TestCompressAudioFirstAttemptFits(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	runner := &fakeRunner{sizes: []int64{40}}
	planner := NewPlanner(runner, WithTempDir(dir))

	res, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.NoError(t, err)
	require.Equal(t, int64(40), res.Size)
	require.FileExists(t, res.Path)

	require.Len(t, runner.specs, 1)
	require.Equal(t, "128k", runner.specs[0].AudioBitrate)
	require.Empty(t, runner.specs[0].VideoCodec)

	require.Equal(t, 1, tempFileCount(t, dir))
}

func TestCompressAudioLadderDescends(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	// 128k and 96k stay oversize, 64k fits.
	runner := &fakeRunner{sizes: []int64{90, 70, 45}}
	planner := NewPlanner(runner, WithTempDir(dir))

	res, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.NoError(t, err)
	require.Equal(t, int64(45), res.Size)

	require.Len(t, runner.specs, 3)
	require.Equal(t, "128k", runner.specs[0].AudioBitrate)
	require.Equal(t, "96k", runner.specs[1].AudioBitrate)
	require.Equal(t, "64k", runner.specs[2].AudioBitrate)

	// rejected attempts were deleted, only the accepted output remains
	require.Equal(t, 1, tempFileCount(t, dir))
}

func TestCompressVideoWebMThenMP4(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.mp4")

	// WebM attempt oversize, first MP4 attempt fits.
	runner := &fakeRunner{sizes: []int64{200, 45}}
	planner := NewPlanner(runner, WithTempDir(dir))

	res, err := planner.Compress(context.Background(), input, mediarelay.KindVideo, 50)
	require.NoError(t, err)
	require.Equal(t, int64(45), res.Size)
	require.Equal(t, ".mp4", filepath.Ext(res.Path))

	require.Len(t, runner.specs, 2)
	require.Equal(t, "libvpx-vp9", runner.specs[0].VideoCodec)
	require.Equal(t, "webm", runner.specs[0].Format)
	require.Equal(t, "libx264", runner.specs[1].VideoCodec)
	require.Equal(t, "1M", runner.specs[1].VideoBitrate)
	require.Equal(t, "1280:720", runner.specs[1].Scale)
}

func TestCompressVideoFullLadder(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.mp4")

	runner := &fakeRunner{sizes: []int64{200, 150, 120, 48}}
	planner := NewPlanner(runner, WithTempDir(dir))

	res, err := planner.Compress(context.Background(), input, mediarelay.KindVideo, 50)
	require.NoError(t, err)
	require.Equal(t, int64(48), res.Size)

	require.Len(t, runner.specs, 4)
	require.Equal(t, "500k", runner.specs[3].VideoBitrate)
	require.Equal(t, "96k", runner.specs[3].AudioBitrate)
}

func TestCompressLimitNotMet(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	runner := &fakeRunner{sizes: []int64{90, 80, 70}}
	planner := NewPlanner(runner, WithTempDir(dir))

	_, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.ErrorIs(t, err, ErrLimitNotMet)

	// nothing left behind
	require.Equal(t, 0, tempFileCount(t, dir))
}

func TestCompressAllAttemptsFail(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	runner := &fakeRunner{sizes: []int64{-1, -1, -1}}
	planner := NewPlanner(runner, WithTempDir(dir))

	_, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.ErrorIs(t, err, ErrAttemptFailed)

	require.Equal(t, 0, tempFileCount(t, dir))
}

func TestCompressFailureMixedWithOversize(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	// one attempt produced output (oversize), the rest failed: the caller
	// should learn the limit was not met, not that encoding is broken
	runner := &fakeRunner{sizes: []int64{-1, 90, -1}}
	planner := NewPlanner(runner, WithTempDir(dir))

	_, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.ErrorIs(t, err, ErrLimitNotMet)
}

func TestCompressZeroByteOutputRejected(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.webm")

	runner := &fakeRunner{sizes: []int64{0, 30}}
	planner := NewPlanner(runner, WithTempDir(dir))

	res, err := planner.Compress(context.Background(), input, mediarelay.KindAudio, 50)
	require.NoError(t, err)
	require.Equal(t, int64(30), res.Size)
	require.Equal(t, 1, tempFileCount(t, dir))
}
