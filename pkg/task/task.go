// Package task defines the core task model: identifiers, process-tree
// metadata, and the supervised task record shared by the registry backends.
package task

import (
	"fmt"
	"time"
)

// ID identifies a task within a supervisor run. It is the wall-clock
// nanosecond timestamp at creation: IDs follow the wall clock, which is not
// guaranteed to be monotonic, and two calls within the same nanosecond
// return the same value.
type ID int64

// NewID returns a fresh task identifier.
func NewID() ID {
	return ID(time.Now().UnixNano())
}

func (id ID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// Status is the lifecycle state of a supervised task.
type Status string

const (
	// StatusRunning — the child process is (believed to be) alive.
	StatusRunning Status = "running"
	// StatusCompletedUnread — the task finished but no consumer has
	// collected the result yet. Consumption removes the record.
	StatusCompletedUnread Status = "completed_unread"
	// StatusCompleted — terminal success state (reporting only).
	StatusCompleted Status = "completed"
	// StatusFailed — terminal failure state (reporting only).
	StatusFailed Status = "failed"
)

// Record describes one supervised task. Records are mutated exactly twice
// on the normal path: Running → CompletedUnread by the supervisor or the
// sweeper, then removed by the consumer that reads the completion.
type Record struct {
	CreatedAt   time.Time        `json:"created_at"`
	LogID       string           `json:"log_id"`
	LogPath     string           `json:"log_path"`
	ManagerPID  *int32           `json:"manager_pid,omitempty"`
	Tree        *ProcessTreeInfo `json:"process_tree,omitempty"`
	Status      Status           `json:"status"`
	Result      *string          `json:"result,omitempty"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// NewRecord creates a Running record for a freshly spawned task.
func NewRecord(createdAt time.Time, logID, logPath string, managerPID *int32) Record {
	return Record{
		CreatedAt:  createdAt,
		LogID:      logID,
		LogPath:    logPath,
		ManagerPID: managerPID,
		Status:     StatusRunning,
	}
}

// WithProcessTree attaches process-tree metadata to the record.
// CLI-launched tasks carry it; MCP-initiated in-process launches do not.
func (r Record) WithProcessTree(tree *ProcessTreeInfo) Record {
	r.Tree = tree
	return r
}

// Complete transitions the record to CompletedUnread with exit info.
// Idempotent when the record is already CompletedUnread.
func (r *Record) Complete(result *string, exitCode *int, at time.Time) {
	if r.Status == StatusCompletedUnread {
		return
	}
	r.Status = StatusCompletedUnread
	r.Result = result
	r.ExitCode = exitCode
	completedAt := at
	r.CompletedAt = &completedAt
}

// RootParentPID returns the record's process-tree root, or nil when the
// record predates process-tree tracking.
func (r *Record) RootParentPID() *int32 {
	if r.Tree == nil {
		return nil
	}
	return r.Tree.RootParentPID
}
