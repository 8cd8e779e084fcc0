package transcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		spec EncodeSpec
		want []string
	}{
		{
			name: "audio only drops video stream",
			spec: EncodeSpec{AudioBitrate: "96k"},
			want: []string{"-i", "in.webm", "-vn", "-b:a", "96k", "-y", "out.webm"},
		},
		{
			name: "vp9 webm forces container",
			spec: EncodeSpec{VideoCodec: "libvpx-vp9", VideoBitrate: "1M", AudioCodec: "libopus", AudioBitrate: "128k", Format: "webm"},
			want: []string{
				"-i", "in.webm",
				"-c:v", "libvpx-vp9", "-b:v", "1M",
				"-c:a", "libopus", "-b:a", "128k",
				"-f", "webm",
				"-y", "out.webm",
			},
		},
		{
			name: "h264 gets scale preset and crf",
			spec: EncodeSpec{VideoCodec: "libx264", VideoBitrate: "800k", AudioCodec: "aac", AudioBitrate: "128k", Scale: "1280:720"},
			want: []string{
				"-i", "in.webm",
				"-c:v", "libx264", "-b:v", "800k",
				"-vf", "scale=1280:720:flags=lanczos",
				"-preset", "medium", "-crf", "23",
				"-c:a", "aac", "-b:a", "128k",
				"-y", "out.webm",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, buildArgs("in.webm", "out.webm", tt.spec))
		})
	}
}

func TestLastLine(t *testing.T) {
	require.Equal(t, "Conversion failed!", lastLine("frame=1\nframe=2\nConversion failed!\n\n"))
	require.Equal(t, "unknown error", lastLine("  \n\n"))
}

func TestEncodeSpecCodec(t *testing.T) {
	require.Equal(t, "audio", EncodeSpec{AudioBitrate: "64k"}.Codec())
	require.Equal(t, "libx264", EncodeSpec{VideoCodec: "libx264"}.Codec())
}
