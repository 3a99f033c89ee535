package registry

import (
	"time"

	"github.com/aiw-dev/aiw/pkg/task"
)

// DefaultStaleAfter is the sweeper deadline after which a live Running task
// is terminated and marked completed. Conservative; override per store.
const DefaultStaleAfter = 4 * time.Hour

// Registry is the facade over a storage backend. Consumers hold a Registry
// and never care which backend is underneath. Construct one per process and
// pass it explicitly — no package-level singleton.
type Registry struct {
	storage Storage
}

// New wraps a storage backend.
func New(storage Storage) *Registry {
	return &Registry{storage: storage}
}

// NewInProcess creates a registry over a fresh in-process store.
func NewInProcess() *Registry {
	return New(NewInProcessStore())
}

// NewShared creates a registry over the current process's shared region.
func NewShared() (*Registry, error) {
	store, err := OpenShared()
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// NewSharedForPID attaches to the shared region of an arbitrary supervisor.
// The region must already exist; ErrNoTasks otherwise.
func NewSharedForPID(pid int32) (*Registry, error) {
	store, err := OpenSharedExisting(pid)
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// Storage exposes the backend, mainly for backend-specific operations
// (SharedFileStore.Cleanup).
func (r *Registry) Storage() Storage {
	return r.storage
}

// Register inserts a Running record.
func (r *Registry) Register(pid int32, record task.Record) error {
	return r.storage.Register(pid, record)
}

// MarkCompleted transitions a record to CompletedUnread.
func (r *Registry) MarkCompleted(pid int32, result *string, exitCode *int, at time.Time) error {
	return r.storage.MarkCompleted(pid, result, exitCode, at)
}

// Entries returns a consistent snapshot of all records.
func (r *Registry) Entries() ([]Entry, error) {
	return r.storage.Entries()
}

// ConsumeCompletedUnread atomically drains completed-but-unread records.
func (r *Registry) ConsumeCompletedUnread() ([]Entry, error) {
	return r.storage.ConsumeCompletedUnread()
}

// HasRunning reports whether any Running record matches the filter.
func (r *Registry) HasRunning(filter *task.ProcessTreeInfo) (bool, error) {
	return r.storage.HasRunning(filter)
}

// SweepStale reconciles registry status with OS liveness.
func (r *Registry) SweepStale(now time.Time, isAlive func(int32) bool, terminate func(int32) error) ([]CleanupEvent, error) {
	return r.storage.SweepStale(now, isAlive, terminate)
}

// Cleanup marks the backing region removable when the backend supports it.
func (r *Registry) Cleanup() error {
	if shared, ok := r.storage.(*SharedFileStore); ok {
		return shared.Cleanup()
	}
	return nil
}
