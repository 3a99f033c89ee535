package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aiw-dev/aiw/pkg/config"
	"github.com/aiw-dev/aiw/pkg/proctree"
	"github.com/aiw-dev/aiw/pkg/registry"
	"github.com/aiw-dev/aiw/pkg/task"
)

// Wait-loop tuning.
const (
	// waitPollInterval bounds the sleep-and-retry delay.
	waitPollInterval = 500 * time.Millisecond
	// DefaultWaitTimeout caps a wait when the caller sets none.
	DefaultWaitTimeout = 30 * time.Minute
)

// CompletedTask is one drained completion.
type CompletedTask struct {
	PID      int32
	ExitCode *int
	Result   *string
}

// WaitReport summarises a wait.
type WaitReport struct {
	TotalTasks int
	Completed  []CompletedTask
	TimedOut   bool
}

// WaitOptions tunes a wait loop.
type WaitOptions struct {
	// Timeout caps the wait; zero means DefaultWaitTimeout.
	Timeout time.Duration
	// DisableTreeFilter skips process-tree scoping even when the feature
	// flag is on.
	DisableTreeFilter bool
}

// Waiter runs the wait loops over a registry.
type Waiter struct {
	registry *registry.Registry
	oracle   *proctree.Oracle
	logger   *slog.Logger
}

// NewWaiter creates a waiter over a registry.
func NewWaiter(reg *registry.Registry) *Waiter {
	return &Waiter{
		registry: reg,
		oracle:   proctree.New(),
		logger:   slog.Default(),
	}
}

// Wait blocks until no Running record matches the caller's process-tree
// root, then drains and reports completions. ErrNoTasks when the registry
// holds nothing at all.
func (w *Waiter) Wait(ctx context.Context, opts WaitOptions) (*WaitReport, error) {
	var filter *task.ProcessTreeInfo
	if config.ProcessTreeFilterEnabled() && !opts.DisableTreeFilter {
		tree, err := w.oracle.Current()
		if err != nil {
			w.logger.Warn("process tree unavailable, waiting unfiltered", "error", err)
		} else {
			filter = tree
		}
	}
	return w.waitLoop(ctx, filter, opts)
}

// PWait opens the shared namespace of the supervisor with the given PID and
// waits on that store only. Registry isolation guarantees the report covers
// exactly that supervisor's tasks.
func PWait(ctx context.Context, supervisorPID int32, opts WaitOptions) (*WaitReport, error) {
	reg, err := registry.NewSharedForPID(supervisorPID)
	if err != nil {
		return nil, err
	}
	waiter := NewWaiter(reg)
	// pwait scopes by namespace, not by process tree.
	return waiter.waitLoop(ctx, nil, opts)
}

func (w *Waiter) waitLoop(ctx context.Context, filter *task.ProcessTreeInfo, opts WaitOptions) (*WaitReport, error) {
	entries, err := w.registry.Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, registry.ErrNoTasks
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	report := &WaitReport{TotalTasks: len(entries)}

	for {
		running, err := w.registry.HasRunning(filter)
		if err != nil {
			return nil, err
		}
		if !running {
			break
		}

		if time.Now().After(deadline) {
			// Timed out: report without mutating Running records; the
			// sweeper cleans them up later.
			report.TimedOut = true
			w.drain(report)
			return report, nil
		}

		select {
		case <-ctx.Done():
			// Cancelled: return promptly with whatever completed so far.
			w.drain(report)
			return report, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}

	w.drain(report)
	return report, nil
}

// drain consumes completed-unread records into the report. Drain failures
// are logged, not fatal — a partial report is still useful.
func (w *Waiter) drain(report *WaitReport) {
	consumed, err := w.registry.ConsumeCompletedUnread()
	if err != nil && !errors.Is(err, registry.ErrNoTasks) {
		w.logger.Warn("drain failed", "error", err)
		return
	}
	for _, e := range consumed {
		report.Completed = append(report.Completed, CompletedTask{
			PID:      e.PID,
			ExitCode: e.Record.ExitCode,
			Result:   e.Record.Result,
		})
	}
}
