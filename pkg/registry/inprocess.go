package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/aiw-dev/aiw/pkg/task"
)

// Compile-time check that InProcessStore implements Storage.
var _ Storage = (*InProcessStore)(nil)

// InProcessStore keeps records in a mutex-guarded map for the lifetime of
// the process. Used by MCP-initiated launches, where a single supervisor
// both launches and waits — no cross-process visibility needed.
type InProcessStore struct {
	mu         sync.Mutex
	records    map[int32]task.Record
	staleAfter time.Duration
}

// NewInProcessStore creates an empty store with the default stale deadline.
func NewInProcessStore() *InProcessStore {
	return &InProcessStore{
		records:    make(map[int32]task.Record),
		staleAfter: DefaultStaleAfter,
	}
}

// SetStaleAfter overrides the sweeper's stale deadline. Zero disables
// termination of long-running live tasks.
func (s *InProcessStore) SetStaleAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleAfter = d
}

// Register implements Storage.
func (s *InProcessStore) Register(pid int32, record task.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[pid]; exists {
		return ErrAlreadyRegistered
	}
	s.records[pid] = record
	return nil
}

// MarkCompleted implements Storage.
func (s *InProcessStore) MarkCompleted(pid int32, result *string, exitCode *int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[pid]
	if !exists {
		return ErrNotFound
	}
	rec.Complete(result, exitCode, at)
	s.records[pid] = rec
	return nil
}

// Entries implements Storage.
func (s *InProcessStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotEntries(s.records), nil
}

// ConsumeCompletedUnread implements Storage.
func (s *InProcessStore) ConsumeCompletedUnread() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var consumed []Entry
	for pid, rec := range s.records {
		if rec.Status == task.StatusCompletedUnread {
			consumed = append(consumed, Entry{PID: pid, Record: rec})
			delete(s.records, pid)
		}
	}
	sortByCreation(consumed)
	return consumed, nil
}

// HasRunning implements Storage.
func (s *InProcessStore) HasRunning(filter *task.ProcessTreeInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Status == task.StatusRunning && matchesFilter(&rec, filter) {
			return true, nil
		}
	}
	return false, nil
}

// SweepStale implements Storage.
func (s *InProcessStore) SweepStale(now time.Time, isAlive func(int32) bool, terminate func(int32) error) ([]CleanupEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, updated := sweepRecords(s.records, now, s.staleAfter, isAlive, terminate)
	for pid, rec := range updated {
		s.records[pid] = rec
	}
	return events, nil
}

// snapshotEntries copies the record map into a creation-ordered slice.
func snapshotEntries(records map[int32]task.Record) []Entry {
	entries := make([]Entry, 0, len(records))
	for pid, rec := range records {
		entries = append(entries, Entry{PID: pid, Record: rec})
	}
	sortByCreation(entries)
	return entries
}

func sortByCreation(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Record.CreatedAt.Equal(entries[j].Record.CreatedAt) {
			return entries[i].PID < entries[j].PID
		}
		return entries[i].Record.CreatedAt.Before(entries[j].Record.CreatedAt)
	})
}
