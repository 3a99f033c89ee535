package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiw-dev/aiw/pkg/registry"
	"github.com/aiw-dev/aiw/pkg/task"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sup, err := New(registry.NewInProcess(), nil, nil)
	require.NoError(t, err)
	sup.SetLogDir(t.TempDir())
	return sup
}

func TestAITypeBinary(t *testing.T) {
	for _, kind := range []AIType{AITypeClaude, AITypeCodex, AITypeGemini} {
		bin, err := kind.Binary()
		require.NoError(t, err)
		assert.Equal(t, string(kind), bin)
	}

	_, err := AIType("cursor").Binary()
	assert.ErrorIs(t, err, ErrUnknownAIType)
}

func TestTailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("l1\nl2\nl3\nl4\n"), 0o644))

	full, err := TailLog(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2\nl3\nl4", full)

	tail, err := TailLog(path, 2)
	require.NoError(t, err)
	assert.Equal(t, "l3\nl4", tail)

	over, err := TailLog(path, 100)
	require.NoError(t, err)
	assert.Equal(t, full, over)

	_, err = TailLog(filepath.Join(t.TempDir(), "missing.log"), 1)
	assert.Error(t, err)
}

func TestListTasksReflectsRegistry(t *testing.T) {
	sup := newTestSupervisor(t)

	manager := int32(os.Getpid())
	rec := task.NewRecord(time.Now().UTC(), "abc", "/tmp/abc.log", &manager)
	require.NoError(t, sup.Registry().Register(42424, rec))

	infos, err := sup.ListTasks()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int32(42424), infos[0].PID)
	assert.Equal(t, "abc", infos[0].LogID)
	assert.Equal(t, task.StatusRunning, infos[0].Status)
}

func TestManageTaskLogs(t *testing.T) {
	sup := newTestSupervisor(t)

	logPath := filepath.Join(t.TempDir(), "m.log")
	require.NoError(t, os.WriteFile(logPath, []byte("a\nb\nc\n"), 0o644))

	manager := int32(os.Getpid())
	rec := task.NewRecord(time.Now().UTC(), "m", logPath, &manager)
	require.NoError(t, sup.Registry().Register(52525, rec))

	res, err := sup.ManageTask(52525, ActionLogs, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "c", res.LogContent)
}

func TestManageTaskUnknownPID(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.ManageTask(1, ActionStop, 0)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCompleteExitedSynthesisesResultFromLog(t *testing.T) {
	sup := newTestSupervisor(t)

	logPath := filepath.Join(t.TempDir(), "r.log")
	require.NoError(t, os.WriteFile(logPath, []byte("working\nall done\n"), 0o644))

	manager := int32(os.Getpid())
	rec := task.NewRecord(time.Now().UTC(), "r", logPath, &manager)
	require.NoError(t, sup.Registry().Register(62626, rec))

	sup.CompleteExited(62626, 0)

	consumed, err := sup.Registry().ConsumeCompletedUnread()
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	require.NotNil(t, consumed[0].Record.Result)
	assert.Contains(t, *consumed[0].Record.Result, "all done")
	require.NotNil(t, consumed[0].Record.ExitCode)
	assert.Equal(t, 0, *consumed[0].Record.ExitCode)
}
