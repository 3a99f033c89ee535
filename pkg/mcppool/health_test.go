package mcppool

import (
	"context"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthTools() map[string]mcpsdk.ToolHandler {
	return map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("pong"), nil
		},
		"echo": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("echo"), nil
		},
	}
}

func TestHealthMonitorProbeHealthyServer(t *testing.T) {
	transport := startTestServer(t, "probed", healthTools())
	pool := New(newTestRegistry(t))
	connectPool(t, pool, "probed", transport)

	monitor := NewHealthMonitor(pool, func() []string { return []string{"probed"} })
	monitor.checkServer(context.Background(), "probed")

	statuses := monitor.Statuses()
	require.Contains(t, statuses, "probed")
	assert.True(t, statuses["probed"].Healthy)
	assert.Empty(t, statuses["probed"].Error)
	assert.Equal(t, 2, statuses["probed"].ToolCount)
	assert.True(t, monitor.IsHealthy("probed"))
}

func TestHealthMonitorProbeFailureTriggersReinit(t *testing.T) {
	transport := startTestServer(t, "flaky", healthTools())
	pool := New(newTestRegistry(t))
	connectPool(t, pool, "flaky", transport)

	// Kill the session underneath the pool. The probe fails, the monitor
	// attempts session recreation, and — with no transport config in the
	// registry — the reinit fails too, leaving the server unhealthy.
	pool.mu.Lock()
	_ = pool.sessions["flaky"].Close()
	pool.mu.Unlock()

	monitor := NewHealthMonitor(pool, func() []string { return []string{"flaky"} })
	monitor.checkServer(context.Background(), "flaky")

	statuses := monitor.Statuses()
	require.Contains(t, statuses, "flaky")
	assert.False(t, statuses["flaky"].Healthy)
	assert.Contains(t, statuses["flaky"].Error, "health check failed")
	assert.False(t, monitor.IsHealthy("flaky"))
}

func TestHealthMonitorRecoversAfterServerReturns(t *testing.T) {
	transport := startTestServer(t, "recovering", healthTools())
	pool := New(newTestRegistry(t))
	connectPool(t, pool, "recovering", transport)

	pool.mu.Lock()
	_ = pool.sessions["recovering"].Close()
	pool.mu.Unlock()

	monitor := NewHealthMonitor(pool, func() []string { return []string{"recovering"} })
	monitor.checkServer(context.Background(), "recovering")
	require.False(t, monitor.IsHealthy("recovering"))

	// Server comes back: a fresh session makes the next probe pass.
	fresh := startTestServer(t, "recovering", healthTools())
	connectPool(t, pool, "recovering", fresh)
	monitor.checkServer(context.Background(), "recovering")

	assert.True(t, monitor.IsHealthy("recovering"))
	assert.Equal(t, 2, monitor.Statuses()["recovering"].ToolCount)
}

func TestHealthMonitorNeverProbedCountsHealthy(t *testing.T) {
	monitor := NewHealthMonitor(New(newTestRegistry(t)), func() []string { return nil })

	// Startup must not block routing before the first probe completes.
	assert.True(t, monitor.IsHealthy("never-probed"))
	assert.Empty(t, monitor.Statuses())
}

func TestHealthMonitorStartStopClearsState(t *testing.T) {
	transport := startTestServer(t, "lifecycle", healthTools())
	pool := New(newTestRegistry(t))
	connectPool(t, pool, "lifecycle", transport)

	monitor := NewHealthMonitor(pool, func() []string { return []string{"lifecycle"} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	// Duplicate Start is a no-op.
	monitor.Start(ctx)

	monitor.Stop()
	assert.Empty(t, monitor.Statuses(), "Stop clears stale statuses")

	// Start may be called again after Stop.
	monitor.Start(ctx)
	monitor.Stop()
}
