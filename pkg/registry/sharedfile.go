package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/aiw-dev/aiw/pkg/task"
)

// Shared-region tuning.
const (
	// createRetries bounds transient create failures during open-or-create.
	createRetries = 3
	// createRetryDelay is the back-off between create attempts.
	createRetryDelay = 10 * time.Millisecond
	// sharedFileSuffix distinguishes the file-backed region variant.
	sharedFileSuffix = ".shm"
)

// Compile-time check that SharedFileStore implements Storage.
var _ Storage = (*SharedFileStore)(nil)

// SharedFileStore is the cross-process registry backend. The region is a
// file named "{<supervisor_pid>}_task.shm" holding the JSON map of
// pid → record, guarded by an advisory file lock so cooperating processes
// (pwait) can attach after the creating supervisor exits.
//
// Every mutation is a locked read-modify-write of the whole map; readers
// take the same lock so snapshots are consistent.
type SharedFileStore struct {
	namespace  string
	path       string
	lock       *flock.Flock
	staleAfter time.Duration
}

// Namespace returns the shared-region namespace, e.g. "12345_task".
func Namespace(supervisorPID int32) string {
	return strconv.Itoa(int(supervisorPID)) + "_task"
}

// sharedDir is the directory holding all shared region files.
func sharedDir() string {
	return filepath.Join(os.TempDir(), "aiw")
}

// OpenShared opens (or creates) the shared region for the current process.
func OpenShared() (*SharedFileStore, error) {
	return OpenSharedForPID(int32(os.Getpid()))
}

// OpenSharedForPID opens (or creates) the shared region of the supervisor
// with the given PID.
func OpenSharedForPID(pid int32) (*SharedFileStore, error) {
	return OpenSharedNamespace(Namespace(pid))
}

// OpenSharedExisting attaches to the shared region of the supervisor with
// the given PID without creating it. ErrNoTasks when the region does not
// exist — there is nothing to wait on.
func OpenSharedExisting(pid int32) (*SharedFileStore, error) {
	namespace := Namespace(pid)
	path := filepath.Join(sharedDir(), namespace+sharedFileSuffix)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: namespace %s", ErrNoTasks, namespace)
		}
		return nil, newStorageError("open", namespace, err)
	}
	return newSharedFileStore(namespace, path), nil
}

// OpenSharedNamespace opens (or creates) a region under an explicit
// namespace. Mainly used by tests to avoid PID collisions.
func OpenSharedNamespace(namespace string) (*SharedFileStore, error) {
	dir := sharedDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newStorageError("mkdir", namespace, err)
	}
	path := filepath.Join(dir, namespace+sharedFileSuffix)

	// Create the region if missing. Retried: two supervisors starting at
	// once can race the O_EXCL create; loser attaches to the winner's file.
	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			// Creator writes the empty-map header exactly once.
			if _, werr := f.Write([]byte("{}")); werr != nil {
				_ = f.Close()
				lastErr = werr
				time.Sleep(createRetryDelay)
				continue
			}
			_ = f.Close()
			return newSharedFileStore(namespace, path), nil
		}
		if errors.Is(err, fs.ErrExist) {
			return newSharedFileStore(namespace, path), nil
		}
		lastErr = err
		time.Sleep(createRetryDelay)
	}
	return nil, newStorageError("create", namespace, lastErr)
}

func newSharedFileStore(namespace, path string) *SharedFileStore {
	return &SharedFileStore{
		namespace:  namespace,
		path:       path,
		lock:       flock.New(path + ".lock"),
		staleAfter: DefaultStaleAfter,
	}
}

// SetStaleAfter overrides the sweeper's stale deadline.
func (s *SharedFileStore) SetStaleAfter(d time.Duration) {
	s.staleAfter = d
}

// Cleanup removes the region and its lock file. Existing attachers keep
// their open handles; they are not forced out.
func (s *SharedFileStore) Cleanup() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newStorageError("cleanup", s.namespace, err)
	}
	_ = os.Remove(s.path + ".lock")
	return nil
}

// withLock runs fn holding the exclusive advisory lock.
func (s *SharedFileStore) withLock(op string, fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return newStorageError("lock", s.namespace, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	if err := fn(); err != nil {
		if _, ok := err.(*StorageError); ok {
			return err
		}
		return newStorageError(op, s.namespace, err)
	}
	return nil
}

// load reads the region's map. Caller must hold the lock.
func (s *SharedFileStore) load() (map[int32]task.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[int32]task.Record{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[int32]task.Record{}, nil
	}

	// Wire format: map of pid-as-string to record.
	raw := make(map[string]task.Record)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode region: %w", err)
	}
	records := make(map[int32]task.Record, len(raw))
	for key, rec := range raw {
		pid, perr := strconv.Atoi(key)
		if perr != nil {
			continue // tolerate foreign keys from other writers
		}
		records[int32(pid)] = rec
	}
	return records, nil
}

// commit writes the whole map back. Caller must hold the lock.
func (s *SharedFileStore) commit(records map[int32]task.Record) error {
	raw := make(map[string]task.Record, len(records))
	for pid, rec := range records {
		raw[strconv.Itoa(int(pid))] = rec
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode region: %w", err)
	}

	// Write-then-rename keeps attachers from observing a torn region.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Register implements Storage.
func (s *SharedFileStore) Register(pid int32, record task.Record) error {
	return s.withLock("register", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		if _, exists := records[pid]; exists {
			return ErrAlreadyRegistered
		}
		records[pid] = record
		return s.commit(records)
	})
}

// MarkCompleted implements Storage.
func (s *SharedFileStore) MarkCompleted(pid int32, result *string, exitCode *int, at time.Time) error {
	return s.withLock("mark_completed", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		rec, exists := records[pid]
		if !exists {
			return ErrNotFound
		}
		rec.Complete(result, exitCode, at)
		records[pid] = rec
		return s.commit(records)
	})
}

// Entries implements Storage.
func (s *SharedFileStore) Entries() ([]Entry, error) {
	var entries []Entry
	err := s.withLock("entries", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		entries = snapshotEntries(records)
		return nil
	})
	return entries, err
}

// ConsumeCompletedUnread implements Storage.
func (s *SharedFileStore) ConsumeCompletedUnread() ([]Entry, error) {
	var consumed []Entry
	err := s.withLock("consume", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		for pid, rec := range records {
			if rec.Status == task.StatusCompletedUnread {
				consumed = append(consumed, Entry{PID: pid, Record: rec})
				delete(records, pid)
			}
		}
		sortByCreation(consumed)
		if len(consumed) == 0 {
			return nil
		}
		return s.commit(records)
	})
	return consumed, err
}

// HasRunning implements Storage.
func (s *SharedFileStore) HasRunning(filter *task.ProcessTreeInfo) (bool, error) {
	var running bool
	err := s.withLock("has_running", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Status == task.StatusRunning && matchesFilter(&rec, filter) {
				running = true
				return nil
			}
		}
		return nil
	})
	return running, err
}

// SweepStale implements Storage.
func (s *SharedFileStore) SweepStale(now time.Time, isAlive func(int32) bool, terminate func(int32) error) ([]CleanupEvent, error) {
	var events []CleanupEvent
	err := s.withLock("sweep", func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		var updated map[int32]task.Record
		events, updated = sweepRecords(records, now, s.staleAfter, isAlive, terminate)
		if len(updated) == 0 {
			return nil
		}
		for pid, rec := range updated {
			records[pid] = rec
		}
		return s.commit(records)
	})
	return events, err
}
