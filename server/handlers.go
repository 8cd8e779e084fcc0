package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/directory"
	"github.com/wolfeidau/media-relay/fetch"
	"github.com/wolfeidau/media-relay/telemetry"
)

// mediaResponse is the success payload for acquisition endpoints.
type mediaResponse struct {
	Status       string `json:"status"`
	Link         string `json:"link"`
	Type         string `json:"type"`
	VideoID      string `json:"video_id"`
	Source       string `json:"source"`
	UploadTaskID string `json:"upload_task_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports ledger, cache, and task counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats, err := s.ledger.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tasks := s.registry.Stats()
	taskCounts := make(map[string]int, len(tasks))
	for status, n := range tasks {
		taskCounts[string(status)] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"artifacts":       stats,
		"directory_cache": map[string]int{"entries": s.cache.Len()},
		"relay_tasks":     taskCounts,
	})
}

// handleSong resolves an audio artifact by identifier.
func (s *Server) handleSong(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "song")
	s.resolveMedia(w, r, r.PathValue("id"), mediarelay.KindAudio)
}

// handleVideo resolves a video artifact by identifier.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "video")
	s.resolveMedia(w, r, r.PathValue("id"), mediarelay.KindVideo)
}

// handleDownload resolves from a full watch URL instead of a bare
// identifier.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "download")

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	identifier, err := ExtractIdentifier(rawURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := mediarelay.ParseKind(orDefault(r.URL.Query().Get("type"), string(mediarelay.KindAudio)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.resolveMedia(w, r, identifier, kind)
}

// resolveMedia runs the orchestrator and renders its resolution.
func (s *Server) resolveMedia(w http.ResponseWriter, r *http.Request, identifier string, kind mediarelay.Kind) {
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}

	scheduleRelay := r.URL.Query().Get("upload") != "false"

	res, err := s.orchestrator.Resolve(r.Context(), identifier, kind, scheduleRelay)
	if err != nil {
		if errors.Is(err, fetch.ErrAllTiersExhausted) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	telemetry.SetSource(r, res.Source)

	writeJSON(w, http.StatusOK, mediaResponse{
		Status:       "done",
		Link:         res.Link,
		Type:         string(res.Type),
		VideoID:      identifier,
		Source:       res.Source,
		UploadTaskID: res.TaskID,
	})
}

// handleFile serves a locally fetched artifact.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "file")

	identifier := r.PathValue("id")
	kind, err := mediarelay.ParseKind(orDefault(r.URL.Query().Get("type"), string(mediarelay.KindAudio)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path := s.fetcher.ArtifactPath(identifier, kind)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "file not readable")
		return
	}

	contentType := kind.DefaultMIME()
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "file not readable")
		return
	}

	w.Header().Set("Content-Type", contentType)

	// the ledger checksum doubles as a strong validator
	if meta, err := s.ledger.Get(r.Context(), identifier, kind); err == nil && !meta.Checksum.IsZero() {
		w.Header().Set("ETag", `"`+meta.Checksum.String()+`"`)
	}

	http.ServeContent(w, r, mediarelay.FileName(identifier, kind), info.ModTime(), f)
}

// handleUploadStatus reports the state of one relay task.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload_status")

	task, ok := s.registry.Get(r.PathValue("task_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// handleUpload fetches an artifact (if needed) and schedules a relay for it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	identifier := r.PathValue("id")
	kind, err := mediarelay.ParseKind(orDefault(r.URL.Query().Get("type"), string(mediarelay.KindAudio)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	artifact, err := s.fetcher.Fetch(r.Context(), identifier, kind)
	if err != nil {
		if errors.Is(err, fetch.ErrAllTiersExhausted) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}

	taskID := s.orchestrator.ScheduleRelay(artifact)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "uploading",
		"task_id":  taskID,
		"video_id": identifier,
		"type":     string(kind),
	})
}

// handleDirectorySearch looks an identifier up in the remote directory.
func (s *Server) handleDirectorySearch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "db_search")

	identifier := r.PathValue("id")

	entry, err := s.searcher.Find(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found in directory")
			return
		}
		writeError(w, http.StatusInternalServerError, "directory search failed")
		return
	}

	link, err := s.client.FileURL(r.Context(), entry.FileRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolving stored file failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "done",
		"link":     link,
		"type":     string(entry.Kind),
		"video_id": identifier,
		"source":   "telegram_db",
		"entry":    entry,
	})
}

// handleRefreshCache clears the directory cache.
func (s *Server) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh_cache")

	s.cache.Clear()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "done",
		"message": "directory cache cleared",
	})
}

// ExtractIdentifier pulls the media identifier out of a watch URL. Bare
// identifiers pass through unchanged.
func ExtractIdentifier(raw string) (string, error) {
	if !strings.Contains(raw, "/") && !strings.Contains(raw, "?") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("invalid url")
	}

	if v := u.Query().Get("v"); v != "" {
		return v, nil
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", errors.New("no identifier in url")
	}

	segments := strings.Split(path, "/")
	id := segments[len(segments)-1]
	if id == "" || id == "watch" {
		return "", errors.New("no identifier in url")
	}

	return id, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
