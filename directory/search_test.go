package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/telegram"
)

// fakeHistory serves scripted pages keyed by cursor.
type fakeHistory struct {
	pages map[int64][]telegram.Message
	errAt map[int64]error
	calls []int64
}

func (f *fakeHistory) History(_ context.Context, cursor int64, _ int) ([]telegram.Message, error) {
	f.calls = append(f.calls, cursor)
	if err, ok := f.errAt[cursor]; ok {
		return nil, err
	}
	return f.pages[cursor], nil
}

func audioMessage(id int64, caption string) telegram.Message {
	return telegram.Message{
		MessageID: id,
		Caption:   caption,
		Audio: &telegram.Audio{
			FileID:   "audio_file",
			FileSize: 1024,
			Duration: 30,
			MIMEType: "audio/mpeg",
			Title:    "a song",
		},
	}
}

func TestFindShallowHit(t *testing.T) {
	history := &fakeHistory{pages: map[int64][]telegram.Message{
		0: {
			{MessageID: 100, Text: "unrelated"},
			audioMessage(99, "Audio Download\nVideo ID: abc123"),
		},
	}}

	s := NewSearcher(history, NewCache(time.Hour))

	entry, err := s.Find(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, mediarelay.KindAudio, entry.Kind)
	require.Equal(t, "audio_file", entry.FileRef)
	require.Equal(t, 30*time.Second, entry.Duration)
	require.Equal(t, []int64{0}, history.calls)

	// Second lookup is served from cache with no history call.
	_, err = s.Find(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, []int64{0}, history.calls)
}

func TestFindDeepHitPagesBackward(t *testing.T) {
	history := &fakeHistory{pages: map[int64][]telegram.Message{
		0:   {{MessageID: 300, Text: "noise"}, {MessageID: 201, Text: "noise"}},
		201: {{MessageID: 200, Text: "noise"}, {MessageID: 101, Text: "noise"}},
		101: {audioMessage(55, "Video ID: abc123")},
	}}

	s := NewSearcher(history, NewCache(time.Hour))

	entry, err := s.Find(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, int64(55), entry.MessageRef)
	require.Equal(t, []int64{0, 201, 101}, history.calls)
}

func TestFindDeepSearchBounded(t *testing.T) {
	// Every page points at the next; nothing ever matches.
	pages := map[int64][]telegram.Message{0: {{MessageID: 1000, Text: "x"}}}
	cursor := int64(1000)
	for range 10 {
		pages[cursor] = []telegram.Message{{MessageID: cursor - 1, Text: "x"}}
		cursor--
	}

	history := &fakeHistory{pages: pages}
	s := NewSearcher(history, NewCache(time.Hour))

	_, err := s.Find(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrNotFound)

	// Shallow page plus at most DefaultMaxDeepPages deep pages.
	require.Len(t, history.calls, 1+DefaultMaxDeepPages)
}

func TestFindTransportErrorAbortsSearch(t *testing.T) {
	history := &fakeHistory{
		pages: map[int64][]telegram.Message{0: {{MessageID: 10, Text: "x"}}},
		errAt: map[int64]error{10: errors.New("connection reset")},
	}

	s := NewSearcher(history, NewCache(time.Hour))

	_, err := s.Find(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrNotFound)

	// The failed page is not retried and pagination does not advance.
	require.Equal(t, []int64{0, 10}, history.calls)
}

func TestFindExpiredCacheTriggersFreshSearch(t *testing.T) {
	base := time.Now()
	cache := NewCache(3600 * time.Second)
	cache.now = func() time.Time { return base }

	history := &fakeHistory{pages: map[int64][]telegram.Message{
		0: {audioMessage(12, "Video ID: xyz")},
	}}
	s := NewSearcher(history, cache)

	_, err := s.Find(context.Background(), "xyz")
	require.NoError(t, err)
	require.Len(t, history.calls, 1)

	// 4000s later the entry is stale: the cache is bypassed and the remote
	// history is searched again.
	cache.now = func() time.Time { return base.Add(4000 * time.Second) }
	_, err = s.Find(context.Background(), "xyz")
	require.NoError(t, err)
	require.Len(t, history.calls, 2)
}

func TestEntryFromMessageDocumentClassification(t *testing.T) {
	tests := []struct {
		name     string
		doc      telegram.Document
		wantKind mediarelay.Kind
		wantOK   bool
	}{
		{
			name:     "audio mime",
			doc:      telegram.Document{FileID: "f", MIMEType: "audio/ogg", FileName: "x.ogg"},
			wantKind: mediarelay.KindAudio,
			wantOK:   true,
		},
		{
			name:     "webm extension",
			doc:      telegram.Document{FileID: "f", MIMEType: "application/octet-stream", FileName: "abc123.webm"},
			wantKind: mediarelay.KindAudio,
			wantOK:   true,
		},
		{
			name:     "mp4 extension",
			doc:      telegram.Document{FileID: "f", MIMEType: "application/octet-stream", FileName: "abc123.mp4"},
			wantKind: mediarelay.KindVideo,
			wantOK:   true,
		},
		{
			name:     "mkv extension",
			doc:      telegram.Document{FileID: "f", MIMEType: "", FileName: "abc123.mkv"},
			wantKind: mediarelay.KindVideo,
			wantOK:   true,
		},
		{
			name:   "plain document",
			doc:    telegram.Document{FileID: "f", MIMEType: "application/pdf", FileName: "notes.pdf"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &telegram.Message{MessageID: 5, Caption: "Video ID: abc123", Document: &tt.doc}
			entry := EntryFromMessage(msg, "abc123")
			if !tt.wantOK {
				require.Nil(t, entry)
				return
			}
			require.NotNil(t, entry)
			require.Equal(t, tt.wantKind, entry.Kind)
			require.Equal(t, tt.doc.FileName, entry.FileName)
		})
	}
}

func TestEntryFromMessageAudioTitleFallback(t *testing.T) {
	msg := &telegram.Message{
		MessageID: 5,
		Caption:   "Video ID: abc123",
		Audio:     &telegram.Audio{FileID: "f", Duration: 10},
	}

	entry := EntryFromMessage(msg, "abc123")
	require.NotNil(t, entry)
	require.Equal(t, "audio_abc123", entry.Title)
	require.Equal(t, "audio/mpeg", entry.MIMEType)
}
