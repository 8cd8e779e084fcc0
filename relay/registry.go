package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/telemetry"
)

// Status is the lifecycle state of a relay task.
type Status string

const (
	// StatusUploading is the initial state of a scheduled relay.
	StatusUploading Status = "uploading"
	// StatusCompleted means the upload succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means the upload was rejected by the destination.
	StatusFailed Status = "failed"
	// StatusError means the relay hit an unexpected error.
	StatusError Status = "error"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusError
}

// Task is a snapshot of one background relay.
type Task struct {
	ID          string                     `json:"task_id"`
	Identifier  string                     `json:"video_id"`
	Kind        mediarelay.Kind            `json:"type"`
	Status      Status                     `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at,omitzero"`
	Entry       *mediarelay.DirectoryEntry `json:"result,omitempty"`
	Message     string                     `json:"message,omitempty"`
}

// TaskID derives the registry key for an identifier and kind.
func TaskID(identifier string, kind mediarelay.Kind) string {
	return fmt.Sprintf("%s_%s", identifier, kind)
}

// task is the registry's mutable record. gen distinguishes successive tasks
// under the same id so a stale handle cannot move a newer task.
type task struct {
	Task
	gen uint64
}

const (
	// DefaultRetention is how long terminal tasks stay visible before the
	// sweep evicts them.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Hour
)

// Registry tracks relay tasks keyed by identifier+kind. Scheduling a new
// task under an existing key overwrites the old record (last-write-wins);
// terminal tasks never move back to uploading. A background sweep evicts
// terminal tasks past the retention window.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*task
	nextGen uint64

	retention     time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetention sets how long terminal tasks are kept.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.retention = d
	}
}

// WithSweepInterval sets the background sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With("component", "relay_registry")
	}
}

// NewRegistry creates an empty Registry. Call Start to enable the retention
// sweep.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:         make(map[string]*task),
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default().With("component", "relay_registry"),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Handle refers to one scheduled task and is the only way to move it to a
// terminal state. A handle for an overwritten task becomes inert.
type Handle struct {
	registry *Registry
	id       string
	gen      uint64
}

// ID returns the task id.
func (h *Handle) ID() string {
	return h.id
}

// Begin records a new task in the uploading state and returns its handle.
// An existing task under the same id, terminal or not, is overwritten.
func (r *Registry) Begin(identifier string, kind mediarelay.Kind) *Handle {
	id := TaskID(identifier, kind)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	r.tasks[id] = &task{
		Task: Task{
			ID:         id,
			Identifier: identifier,
			Kind:       kind,
			Status:     StatusUploading,
			StartedAt:  r.now(),
		},
		gen: r.nextGen,
	}

	return &Handle{registry: r, id: id, gen: r.nextGen}
}

// Complete moves the handle's task to completed with its directory entry.
func (h *Handle) Complete(entry *mediarelay.DirectoryEntry) {
	h.registry.finish(h, StatusCompleted, entry, "")
}

// Fail moves the handle's task to failed, for uploads the destination
// rejected.
func (h *Handle) Fail(message string) {
	h.registry.finish(h, StatusFailed, nil, message)
}

// Error moves the handle's task to error, for unexpected failures.
func (h *Handle) Error(message string) {
	h.registry.finish(h, StatusError, nil, message)
}

func (r *Registry) finish(h *Handle, status Status, entry *mediarelay.DirectoryEntry, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[h.id]
	if !ok || t.gen != h.gen || t.Status.Terminal() {
		return
	}

	t.Status = status
	t.CompletedAt = r.now()
	t.Entry = entry
	t.Message = message
}

// Get returns a snapshot of the task, if present.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}

	snapshot := t.Task
	return &snapshot, true
}

// Stats counts tasks by status.
func (r *Registry) Stats() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Sweep evicts terminal tasks whose completion is older than the retention
// window and returns how many were removed. Tasks still uploading are never
// evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)

	deleted := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			deleted++
		}
	}
	return deleted
}

// Start launches the retention sweep loop.
func (r *Registry) Start() {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run()

	r.logger.Info("task retention sweep started",
		"retention", r.retention, "interval", r.sweepInterval)
}

// Stop terminates the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.stopCh == nil {
		return
	}

	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil

	r.logger.Info("task retention sweep stopped")
}

func (r *Registry) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			deleted := r.Sweep()
			telemetry.RecordReaperCycle(context.Background(), "relay_tasks", deleted, time.Since(start))
			if deleted > 0 {
				r.logger.Info("evicted finished relay tasks", "deleted", deleted)
			}
		}
	}
}
