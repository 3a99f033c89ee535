// Package registry provides the supervised-task registry: two interchangeable
// storage backends (in-process and shared-file) behind a single facade with
// register / complete / enumerate / sweep / consume semantics.
package registry

import (
	"time"

	"github.com/aiw-dev/aiw/pkg/task"
)

// Entry pairs a PID with its task record.
type Entry struct {
	PID    int32
	Record task.Record
}

// CleanupEvent describes one record reconciled by the sweeper.
type CleanupEvent struct {
	PID        int32
	Reason     string
	Terminated bool
}

// Storage is the backend contract shared by the in-process and shared-file
// stores. Every method observes or produces a consistent snapshot under the
// store's lock.
type Storage interface {
	// Register inserts a Running record. ErrAlreadyRegistered when the PID
	// is already present in this namespace.
	Register(pid int32, record task.Record) error

	// MarkCompleted transitions Running → CompletedUnread with exit info.
	// Idempotent when already CompletedUnread; ErrNotFound when absent.
	MarkCompleted(pid int32, result *string, exitCode *int, at time.Time) error

	// Entries returns a snapshot of all records.
	Entries() ([]Entry, error)

	// ConsumeCompletedUnread atomically reads and deletes all
	// CompletedUnread records, in creation order.
	ConsumeCompletedUnread() ([]Entry, error)

	// HasRunning reports whether any Running record matches the filter.
	// A record matches when it carries no process-tree info, or its
	// root-parent PID equals the filter's.
	HasRunning(filter *task.ProcessTreeInfo) (bool, error)

	// SweepStale reconciles registry state with OS process liveness.
	SweepStale(now time.Time, isAlive func(int32) bool, terminate func(int32) error) ([]CleanupEvent, error)
}

// matchesFilter implements the HasRunning filter rule shared by backends.
// Records that predate process-tree tracking always pass.
func matchesFilter(rec *task.Record, filter *task.ProcessTreeInfo) bool {
	if filter == nil {
		return true
	}
	recRoot := rec.RootParentPID()
	if recRoot == nil {
		return true
	}
	filterRoot := filter.RootPID()
	if filterRoot == nil {
		return true
	}
	return *recRoot == *filterRoot
}

// sweepRecords applies the stale-entry policy to a snapshot of records and
// returns the mutations to apply plus the cleanup events. Factored out so
// both backends share one policy implementation.
func sweepRecords(
	records map[int32]task.Record,
	now time.Time,
	staleAfter time.Duration,
	isAlive func(int32) bool,
	terminate func(int32) error,
) ([]CleanupEvent, map[int32]task.Record) {
	var events []CleanupEvent
	updated := make(map[int32]task.Record)

	for pid, rec := range records {
		if rec.Status != task.StatusRunning {
			continue
		}

		if !isAlive(pid) {
			reason := "process no longer alive"
			result := "killed by sweeper: " + reason
			code := -1
			rec.Complete(&result, &code, now)
			updated[pid] = rec
			events = append(events, CleanupEvent{PID: pid, Reason: reason})
			continue
		}

		if staleAfter > 0 && now.Sub(rec.CreatedAt) > staleAfter {
			reason := "exceeded stale deadline"
			terminated := terminate(pid) == nil
			result := "killed by sweeper: " + reason
			code := -1
			rec.Complete(&result, &code, now)
			updated[pid] = rec
			events = append(events, CleanupEvent{PID: pid, Reason: reason, Terminated: terminated})
		}
	}
	return events, updated
}
