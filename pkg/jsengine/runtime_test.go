package jsengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, timeout time.Duration) *Runtime {
	t.Helper()
	rt, err := NewRuntimeWithConfig(SecurityConfig{ExecTimeout: timeout})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestExecuteSimpleExpression(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	result, err := rt.Execute("1 + 1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), result)
}

func TestDangerousGlobalsRemoved(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)

	result, err := rt.Execute("typeof eval")
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)

	result, err = rt.Execute("typeof Function")
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)

	result, err = rt.Execute("Object.prototype.__proto__ === undefined")
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestExecuteResolvesAsyncFunction(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	result, err := rt.Execute(`
		async function workflow() {
			return { answer: 42 };
		}
		workflow();
	`)
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), m["answer"])
}

func TestExecuteSurfacesRejection(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	_, err := rt.Execute(`
		async function workflow() {
			throw "boom";
		}
		workflow();
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteSyntaxError(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	_, err := rt.Execute("function broken( {")
	assert.Error(t, err)
}

func TestExecuteTimeoutOnRunawayLoop(t *testing.T) {
	rt := newTestRuntime(t, 200*time.Millisecond)

	start := time.Now()
	_, err := rt.Execute("while (true) {}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	// Runtime is usable again after the reset.
	result, err := rt.Execute("2 + 3")
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestResetClearsState(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)

	_, err := rt.Execute("globalThis.leaked = 'yes'")
	require.NoError(t, err)

	require.NoError(t, rt.Reset())

	result, err := rt.Execute("typeof leaked")
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)
}

// recordingInvoker captures calls and replies from a canned script.
type recordingInvoker struct {
	mu      sync.Mutex
	calls   []string
	results map[string]any
	errors  map[string]error
	delay   time.Duration
}

func (m *recordingInvoker) CallTool(_ context.Context, server, tool string, args map[string]any) (any, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	key := server + "::" + tool
	m.calls = append(m.calls, key)
	m.mu.Unlock()
	if err, ok := m.errors[key]; ok {
		return nil, err
	}
	if res, ok := m.results[key]; ok {
		return res, nil
	}
	return map[string]any{"ok": true, "server": server, "tool": tool, "args": args}, nil
}

func (m *recordingInvoker) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func TestInjectorBridgesMCPCall(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	invoker := &recordingInvoker{results: map[string]any{
		"mock::git_status": map[string]any{"ok": true},
	}}
	require.NoError(t, NewInjector(invoker).Inject(rt))

	result, err := rt.Execute(`
		async function workflow() {
			const status = await mcp.call("mock", "git_status", { repo: "test" });
			return status.ok;
		}
		workflow();
	`)
	require.NoError(t, err)
	assert.Equal(t, true, result)
	assert.Equal(t, []string{"mock::git_status"}, invoker.recorded())
}

func TestInjectorSequentialCallOrder(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	invoker := &recordingInvoker{}
	require.NoError(t, NewInjector(invoker).Inject(rt))

	_, err := rt.Execute(`
		async function workflow() {
			await mcp.call("fs", "read_file", { path: "/tmp/in" });
			await mcp.call("mem", "save", { key: "doc" });
			await mcp.call("fs", "write_file", { path: "/tmp/out" });
			return "done";
		}
		workflow();
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"fs::read_file", "mem::save", "fs::write_file"}, invoker.recorded())
}

func TestInjectorRejectsBadArguments(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	require.NoError(t, NewInjector(&recordingInvoker{}).Inject(rt))

	_, err := rt.Execute(`
		async function workflow() {
			return await mcp.call("", "", {});
		}
		workflow();
	`)
	assert.Error(t, err)

	_, err = rt.Execute(`
		async function workflow() {
			return await mcp.call("fs", "read_file", 42);
		}
		workflow();
	`)
	assert.Error(t, err)
}

func TestInjectorPropagatesInvokerError(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	invoker := &recordingInvoker{errors: map[string]error{
		"fs::read_file": errors.New("downstream exploded"),
	}}
	require.NoError(t, NewInjector(invoker).Inject(rt))

	_, err := rt.Execute(`
		async function workflow() {
			return await mcp.call("fs", "read_file", { path: "/x" });
		}
		workflow();
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream exploded")
}

func TestInjectorIdempotent(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	invoker := &recordingInvoker{}
	injector := NewInjector(invoker)
	require.NoError(t, injector.Inject(rt))

	// Stamp the installed object, re-inject, verify it survived.
	_, err := rt.Execute("mcp.marker = 'original'")
	require.NoError(t, err)

	require.NoError(t, injector.Inject(rt))

	result, err := rt.Execute("mcp.marker")
	require.NoError(t, err)
	assert.Equal(t, "original", result)
}

func TestInjectorConcurrentCalls(t *testing.T) {
	rt := newTestRuntime(t, time.Minute)
	invoker := &recordingInvoker{delay: 10 * time.Millisecond}
	require.NoError(t, NewInjector(invoker).Inject(rt))

	result, err := rt.Execute(`
		async function workflow() {
			const results = await Promise.all([
				mcp.call("a", "one", {}),
				mcp.call("b", "two", {}),
				mcp.call("c", "three", {})
			]);
			return results.length;
		}
		workflow();
	`)
	require.NoError(t, err)
	assert.Equal(t, float64(3), result)
	assert.Len(t, invoker.recorded(), 3)
}
