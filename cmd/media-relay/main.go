// Command media-relay serves audio and video acquired by an external fetch
// tool and relays the artifacts to a messaging-backend channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/media-relay/server"
	"github.com/wolfeidau/media-relay/telemetry"
)

var version = "dev"

type cli struct {
	Address       string        `help:"Address to listen on." default:":8000" env:"RELAY_ADDRESS"`
	Downloads     string        `help:"Directory fetched artifacts are written to." default:"./downloads" env:"RELAY_DOWNLOADS"`
	APIKey        string        `help:"Shared secret checked via the api query parameter." default:"Shadow" env:"RELAY_API_KEY"`
	BotToken      string        `help:"Messaging backend bot token." env:"BOT_TOKEN" required:""`
	ChannelID     string        `help:"Backend channel used as the remote directory." env:"CHANNEL_ID" required:""`
	FetchBinary   string        `help:"External fetch tool executable." default:"yt-dlp" env:"RELAY_FETCH_BINARY"`
	CookieFile    string        `help:"Cookie jar passed to the fetch tool." env:"RELAY_COOKIE_FILE"`
	FFmpegBinary  string        `help:"External transcoding tool executable." default:"ffmpeg" env:"RELAY_FFMPEG_BINARY"`
	UploadLimit   int64         `help:"Destination per-file size ceiling in bytes." default:"52428800" env:"RELAY_UPLOAD_LIMIT"`
	RelayWorkers  int           `help:"Concurrent background relay uploads." default:"4" env:"RELAY_WORKERS"`
	CacheTTL      time.Duration `help:"Directory cache entry lifetime." default:"1h" env:"RELAY_CACHE_TTL"`
	DownloadsTTL  time.Duration `help:"Remove artifacts not accessed within this window (0 disables)." default:"168h" env:"RELAY_DOWNLOADS_TTL"`
	DownloadsMax  int64         `help:"Downloads directory size cap in bytes (0 disables)." default:"10737418240" env:"RELAY_DOWNLOADS_MAX"`
	TaskRetention time.Duration `help:"How long finished relay tasks stay queryable." default:"24h" env:"RELAY_TASK_RETENTION"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" env:"RELAY_PROMETHEUS"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"RELAY_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"RELAY_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// best effort, env vars win over the file
	_ = godotenv.Load()

	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("media-relay"),
		kong.Description("Media acquisition and relay server."),
		kong.Vars{"version": version},
	)

	kctx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	logger, err := buildLogger(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-relay",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		DownloadsPath:    flags.Downloads,
		APIKey:           flags.APIKey,
		BotToken:         flags.BotToken,
		ChannelID:        flags.ChannelID,
		FetchBinary:      flags.FetchBinary,
		CookieFile:       flags.CookieFile,
		TranscodeBinary:  flags.FFmpegBinary,
		UploadLimit:      flags.UploadLimit,
		DirectoryTTL:     flags.CacheTTL,
		RelayWorkers:     flags.RelayWorkers,
		DownloadsTTL:     flags.DownloadsTTL,
		DownloadsMaxSize: flags.DownloadsMax,
		TaskRetention:    flags.TaskRetention,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("media relay started", "address", srv.Address(), "version", version)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return nil
}

func buildLogger(flags *cli) (*slog.Logger, error) {
	var level slog.Level
	switch flags.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}

	return slog.New(handler), nil
}
