// Package server provides the HTTP surface for the media relay.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/wolfeidau/media-relay/directory"
	"github.com/wolfeidau/media-relay/expiry"
	"github.com/wolfeidau/media-relay/fetch"
	"github.com/wolfeidau/media-relay/relay"
	"github.com/wolfeidau/media-relay/resolver"
	"github.com/wolfeidau/media-relay/telegram"
	"github.com/wolfeidau/media-relay/telemetry"
	"github.com/wolfeidau/media-relay/transcode"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8000")
	Address string

	// DownloadsPath is the directory fetched artifacts are written to.
	DownloadsPath string

	// LedgerPath is the bbolt database tracking fetched artifacts.
	// Defaults to ledger.db inside DownloadsPath.
	LedgerPath string

	// APIKey is the shared secret checked on every request via the
	// `api` query parameter. Empty disables the check.
	APIKey string

	// BotToken authenticates against the messaging backend.
	BotToken string

	// ChannelID is the backend channel used as the remote directory.
	ChannelID string

	// BackendBaseURL overrides the messaging backend URL (for tests).
	BackendBaseURL string

	// FetchBinary is the external fetch tool executable.
	FetchBinary string

	// CookieFile is an optional cookie jar passed to the fetch tool.
	CookieFile string

	// TranscodeBinary is the external transcoding tool executable.
	TranscodeBinary string

	// UploadLimit is the destination's per-file size ceiling.
	// Default 50 MB.
	UploadLimit int64

	// DirectoryTTL is the directory cache entry lifetime. Default 1 hour.
	DirectoryTTL time.Duration

	// RelayWorkers bounds concurrent background relays.
	RelayWorkers int

	// DownloadsTTL is how long unaccessed artifacts stay on disk.
	// Zero disables TTL-based removal.
	DownloadsTTL time.Duration

	// DownloadsMaxSize caps the downloads directory in bytes.
	// Zero disables the cap.
	DownloadsMaxSize int64

	// ExpiryCheckInterval is how often downloads housekeeping runs.
	// Default is 1 hour.
	ExpiryCheckInterval time.Duration

	// TaskRetention is how long finished relay tasks stay queryable.
	TaskRetention time.Duration

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for the media relay.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	ledger       *expiry.Ledger
	fetcher      *fetch.Engine
	cache        *directory.Cache
	searcher     *directory.Searcher
	client       *telegram.Client
	registry     *relay.Registry
	orchestrator *resolver.Orchestrator
	expiryMgr    *expiry.Manager
}

// New creates a server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	if cfg.DownloadsPath == "" {
		cfg.DownloadsPath = "./downloads"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.DownloadsPath, "ledger.db")
	}
	if cfg.UploadLimit == 0 {
		cfg.UploadLimit = relay.DefaultSizeLimit
	}
	if cfg.DirectoryTTL == 0 {
		cfg.DirectoryTTL = directory.DefaultTTL
	}

	tool := fetch.NewYTDLTool()
	if cfg.FetchBinary != "" {
		tool.Binary = cfg.FetchBinary
	}
	tool.CookieFile = cfg.CookieFile

	if err := os.MkdirAll(cfg.DownloadsPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}

	ledger, err := expiry.OpenLedger(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifact ledger: %w", err)
	}

	fetcher, err := fetch.NewEngine(cfg.DownloadsPath, tool,
		fetch.WithLogger(cfg.Logger),
		fetch.WithLedger(ledger))
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("creating fetch engine: %w", err)
	}

	clientOpts := []telegram.Option{}
	if cfg.BackendBaseURL != "" {
		clientOpts = append(clientOpts, telegram.WithBaseURL(cfg.BackendBaseURL))
	}
	client := telegram.NewClient(cfg.BotToken, cfg.ChannelID, clientOpts...)

	cache := directory.NewCache(cfg.DirectoryTTL)
	searcher := directory.NewSearcher(client, cache,
		directory.WithLogger(cfg.Logger))

	runner := transcode.NewFFmpeg()
	if cfg.TranscodeBinary != "" {
		runner.Binary = cfg.TranscodeBinary
	}
	planner := transcode.NewPlanner(runner,
		transcode.WithPlannerLogger(cfg.Logger),
		transcode.WithTempDir(cfg.DownloadsPath))

	relayEngine := relay.NewEngine(client, planner,
		relay.WithLogger(cfg.Logger),
		relay.WithSizeLimit(cfg.UploadLimit))

	registryOpts := []relay.RegistryOption{
		relay.WithRegistryLogger(cfg.Logger),
	}
	if cfg.TaskRetention > 0 {
		registryOpts = append(registryOpts, relay.WithRetention(cfg.TaskRetention))
	}
	registry := relay.NewRegistry(registryOpts...)

	orchestratorOpts := []resolver.Option{
		resolver.WithLogger(cfg.Logger),
		resolver.WithDirectoryCache(cache),
	}
	if cfg.RelayWorkers > 0 {
		orchestratorOpts = append(orchestratorOpts, resolver.WithRelayWorkers(cfg.RelayWorkers))
	}
	orchestrator := resolver.New(fetcher, searcher, client, relayEngine, registry, orchestratorOpts...)

	var expiryMgr *expiry.Manager
	if cfg.DownloadsTTL > 0 || cfg.DownloadsMaxSize > 0 {
		expiryMgr = expiry.NewManager(ledger, expiry.Config{
			TTL:           cfg.DownloadsTTL,
			MaxSize:       cfg.DownloadsMaxSize,
			CheckInterval: cfg.ExpiryCheckInterval,
			Logger:        cfg.Logger,
		})
	}

	s := &Server{
		config:       cfg,
		logger:       cfg.Logger,
		ledger:       ledger,
		fetcher:      fetcher,
		cache:        cache,
		searcher:     searcher,
		client:       client,
		registry:     registry,
		orchestrator: orchestrator,
		expiryMgr:    expiryMgr,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(gzhttp.GzipHandler(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // uploads and fetches are slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /song/{id}", s.handleSong)
	mux.HandleFunc("GET /video/{id}", s.handleVideo)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("GET /file/{id}", s.handleFile)

	mux.HandleFunc("GET /upload/status/{task_id}", s.handleUploadStatus)
	mux.HandleFunc("POST /upload/{id}", s.handleUpload)

	mux.HandleFunc("GET /db/search/{id}", s.handleDirectorySearch)
	mux.HandleFunc("POST /db/refresh_cache", s.handleRefreshCache)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, source, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Source != "" {
			attrs = append(attrs, "source", tags.Source)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, tags.Endpoint, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server, including background housekeeping.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting downloads housekeeping",
			"ttl", s.config.DownloadsTTL,
			"max_size", s.config.DownloadsMaxSize,
			"check_interval", s.config.ExpiryCheckInterval,
		)
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting downloads housekeeping: %w", err)
		}
	}

	s.registry.Start()

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and waits for in-flight
// background relays to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	s.registry.Stop()
	s.orchestrator.Close()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.ledger.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker interfaces for
// streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
