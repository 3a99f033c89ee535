package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiw-dev/aiw/pkg/task"
)

func testRecord(logID string, createdAt time.Time) task.Record {
	manager := int32(9999)
	return task.NewRecord(createdAt, logID, "/tmp/"+logID+".log", &manager)
}

func TestRegisterRejectsDuplicatePID(t *testing.T) {
	reg := NewInProcess()
	rec := testRecord("dup", time.Now().UTC())

	require.NoError(t, reg.Register(100, rec))
	err := reg.Register(100, rec)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestMarkCompletedTransitions(t *testing.T) {
	reg := NewInProcess()
	require.NoError(t, reg.Register(200, testRecord("complete", time.Now().UTC())))

	result := "ok"
	code := 0
	require.NoError(t, reg.MarkCompleted(200, &result, &code, time.Now().UTC()))

	// Idempotent second call.
	other := "later"
	require.NoError(t, reg.MarkCompleted(200, &other, &code, time.Now().UTC()))

	entries, err := reg.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.StatusCompletedUnread, entries[0].Record.Status)
	assert.Equal(t, "ok", *entries[0].Record.Result)

	assert.ErrorIs(t, reg.MarkCompleted(999, nil, nil, time.Now().UTC()), ErrNotFound)
}

func TestConsumeCompletedUnreadIsAtomicAndOrdered(t *testing.T) {
	reg := NewInProcess()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		pid := int32(300 + i)
		require.NoError(t, reg.Register(pid, testRecord(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Second))))
		result := fmt.Sprintf("r%d", i)
		code := 0
		require.NoError(t, reg.MarkCompleted(pid, &result, &code, base.Add(time.Minute)))
	}

	// Concurrent consumers: each record must be delivered exactly once.
	var mu sync.Mutex
	seen := make(map[int32]int)
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed, err := reg.ConsumeCompletedUnread()
			require.NoError(t, err)
			mu.Lock()
			for _, e := range consumed {
				seen[e.PID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 5)
	for pid, count := range seen {
		assert.Equal(t, 1, count, "pid %d consumed more than once", pid)
	}

	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConsumeReturnsCreationOrder(t *testing.T) {
	reg := NewInProcess()
	base := time.Now().UTC()

	// Register out of order.
	for _, i := range []int{2, 0, 1} {
		pid := int32(400 + i)
		require.NoError(t, reg.Register(pid, testRecord(fmt.Sprintf("o%d", i), base.Add(time.Duration(i)*time.Second))))
		result := "done"
		code := 0
		require.NoError(t, reg.MarkCompleted(pid, &result, &code, base.Add(time.Minute)))
	}

	consumed, err := reg.ConsumeCompletedUnread()
	require.NoError(t, err)
	require.Len(t, consumed, 3)
	assert.Equal(t, int32(400), consumed[0].PID)
	assert.Equal(t, int32(401), consumed[1].PID)
	assert.Equal(t, int32(402), consumed[2].PID)
}

func TestHasRunningFilter(t *testing.T) {
	reg := NewInProcess()
	base := time.Now().UTC()

	withRoot := func(root int32) task.Record {
		rec := testRecord(fmt.Sprintf("root%d", root), base)
		return rec.WithProcessTree(task.NewProcessTreeInfo([]int32{root + 1000, root}))
	}

	require.NoError(t, reg.Register(500, withRoot(100)))
	require.NoError(t, reg.Register(501, withRoot(200)))
	require.NoError(t, reg.Register(502, testRecord("no-tree", base)))

	filter100 := task.NewProcessTreeInfo([]int32{1, 100})
	filter300 := task.NewProcessTreeInfo([]int32{1, 300})

	running, err := reg.HasRunning(filter100)
	require.NoError(t, err)
	assert.True(t, running)

	// Records without tree info always match, so even a foreign root sees
	// the untracked task.
	running, err = reg.HasRunning(filter300)
	require.NoError(t, err)
	assert.True(t, running)

	// Complete the untracked task; filter300 no longer matches anything
	// but filter100 still does.
	result := "done"
	code := 0
	require.NoError(t, reg.MarkCompleted(502, &result, &code, base))

	running, err = reg.HasRunning(filter300)
	require.NoError(t, err)
	assert.False(t, running)

	running, err = reg.HasRunning(filter100)
	require.NoError(t, err)
	assert.True(t, running)

	running, err = reg.HasRunning(nil)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestSweepMarksDeadProcesses(t *testing.T) {
	reg := NewInProcess()
	base := time.Now().UTC()
	require.NoError(t, reg.Register(600, testRecord("dead", base)))
	require.NoError(t, reg.Register(601, testRecord("alive", base)))

	events, err := reg.SweepStale(base.Add(time.Minute),
		func(pid int32) bool { return pid == 601 },
		func(int32) error { return nil })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int32(600), events[0].PID)
	assert.False(t, events[0].Terminated)

	entries, err := reg.Entries()
	require.NoError(t, err)
	for _, e := range entries {
		switch e.PID {
		case 600:
			assert.Equal(t, task.StatusCompletedUnread, e.Record.Status)
			require.NotNil(t, e.Record.Result)
			assert.Contains(t, *e.Record.Result, "killed by sweeper")
			require.NotNil(t, e.Record.ExitCode)
			assert.Equal(t, -1, *e.Record.ExitCode)
		case 601:
			assert.Equal(t, task.StatusRunning, e.Record.Status)
		}
	}
}

func TestSweepTerminatesStaleLiveProcesses(t *testing.T) {
	store := NewInProcessStore()
	store.SetStaleAfter(time.Hour)
	reg := New(store)

	base := time.Now().UTC()
	require.NoError(t, reg.Register(700, testRecord("stale", base.Add(-2*time.Hour))))

	var terminated []int32
	events, err := reg.SweepStale(base,
		func(int32) bool { return true },
		func(pid int32) error {
			terminated = append(terminated, pid)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Terminated)
	assert.Equal(t, []int32{700}, terminated)
}
