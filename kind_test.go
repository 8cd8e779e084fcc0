package mediarelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{input: "audio", want: KindAudio},
		{input: "video", want: KindVideo},
		{input: "AUDIO", want: KindAudio},
		{input: "document", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFileName(t *testing.T) {
	require.Equal(t, "abc123.webm", FileName("abc123", KindAudio))
	require.Equal(t, "abc123.mp4", FileName("abc123", KindVideo))
}

func TestKindDefaults(t *testing.T) {
	require.Equal(t, "audio/mpeg", KindAudio.DefaultMIME())
	require.Equal(t, "video/mp4", KindVideo.DefaultMIME())
	require.Equal(t, ".webm", KindAudio.Ext())
	require.Equal(t, ".mp4", KindVideo.Ext())
}
