package fetch

import (
	"context"
	"fmt"
	"os"
	"strings"

	execute "github.com/alexellis/go-execute/v2"
)

const (
	// defaultUserAgent is sent to the upstream to avoid bot heuristics
	// rejecting anonymous CLI traffic.
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// watchURLFormat derives the upstream URL from an identifier.
	watchURLFormat = "https://www.youtube.com/watch?v=%s"
)

// YTDLTool runs the yt-dlp CLI for one fetch attempt. It classifies failures
// from the tool's stderr text because the CLI exposes no structured error
// codes.
type YTDLTool struct {
	// Binary is the tool executable (default "yt-dlp").
	Binary string

	// CookieFile is passed to the tool when it exists on disk.
	CookieFile string
}

// NewYTDLTool creates a tool wrapper with defaults.
func NewYTDLTool() *YTDLTool {
	return &YTDLTool{Binary: "yt-dlp"}
}

// Fetch implements Tool by invoking the CLI. The artifact file at outputPath
// is the tool's side effect; callers validate it separately.
func (t *YTDLTool) Fetch(ctx context.Context, identifier, outputPath string, tier Tier) error {
	binary := t.Binary
	if binary == "" {
		binary = "yt-dlp"
	}

	args := []string{
		fmt.Sprintf(watchURLFormat, identifier),
		"--output", outputPath,
		"--format", tier.Format,
		"--no-playlist",
		"--quiet",
		"--no-warnings",
		"--geo-bypass",
		"--no-check-certificates",
		"--socket-timeout", "30",
		"--user-agent", defaultUserAgent,
	}
	if tier.MergeFormat != "" {
		args = append(args, "--merge-output-format", tier.MergeFormat)
	}
	if t.CookieFile != "" {
		if _, err := os.Stat(t.CookieFile); err == nil {
			args = append(args, "--cookies", t.CookieFile)
		}
	}

	task := execute.ExecTask{
		Command: binary,
		Args:    args,
	}

	res, err := task.Execute(ctx)
	if err != nil {
		return classifyToolError(err.Error())
	}
	if res.ExitCode != 0 {
		return classifyToolError(res.Stderr)
	}

	return nil
}

// classifyToolError maps yt-dlp stderr text to the fetch error taxonomy.
func classifyToolError(stderr string) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "requested format is not available"):
		return fmt.Errorf("%w: %s", ErrFormatUnavailable, firstLine(stderr))
	case strings.Contains(lower, "http error 429"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "unable to download webpage") && strings.Contains(lower, "429"):
		return fmt.Errorf("%w: %s", ErrRateLimited, firstLine(stderr))
	default:
		return fmt.Errorf("fetch tool failed: %s", firstLine(stderr))
	}
}

// firstLine trims the stderr dump to its first non-empty line for logging.
func firstLine(s string) string {
	for line := range strings.Lines(s) {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return "unknown error"
}
