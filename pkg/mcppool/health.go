package mcppool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus captures the health check result for a single MCP server.
type HealthStatus struct {
	Server    string    `json:"server"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
}

// HealthMonitor periodically probes each server with ListTools and marks
// failing servers unhealthy. The router excludes unhealthy servers' tools
// from candidate selection until they recover.
type HealthMonitor struct {
	pool    *Pool
	servers func() []string

	checkInterval time.Duration
	pingTimeout   time.Duration

	statuses   map[string]*HealthStatus
	statusesMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHealthMonitor creates a monitor over a pool. servers supplies the
// monitored server list on each sweep so config reloads are picked up.
func NewHealthMonitor(pool *Pool, servers func() []string) *HealthMonitor {
	return &HealthMonitor{
		pool:          pool,
		servers:       servers,
		checkInterval: HealthInterval,
		pingTimeout:   HealthPingTimeout,
		statuses:      make(map[string]*HealthStatus),
		logger:        slog.Default(),
	}
}

// Start launches the background loop. No-op when already running.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the monitor down and clears stale state so a later Start
// begins clean.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	m.statusesMu.Lock()
	m.statuses = make(map[string]*HealthStatus)
	m.statusesMu.Unlock()
	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.checkAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for _, server := range m.servers() {
		m.checkServer(ctx, server)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, server string) {
	// Drop the cache so the probe actually exercises the connection.
	m.pool.InvalidateToolCache(server)

	checkCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	tools, err := m.pool.ListTools(checkCtx, server)
	if err != nil {
		m.logger.Debug("health check failed, attempting reinitialize",
			"server", server, "error", err)

		reconCtx, reconCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer reconCancel()
		if reinitErr := m.pool.recreateSession(reconCtx, server); reinitErr != nil {
			m.setStatus(server, false, fmt.Sprintf("health check failed: %s", err), 0)
			return
		}

		retryCtx, retryCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer retryCancel()
		tools, err = m.pool.ListTools(retryCtx, server)
		if err != nil {
			m.setStatus(server, false, fmt.Sprintf("health check failed after reinit: %s", err), 0)
			return
		}
	}

	m.setStatus(server, true, "", len(tools))
}

func (m *HealthMonitor) setStatus(server string, healthy bool, errMsg string, toolCount int) {
	m.statusesMu.Lock()
	defer m.statusesMu.Unlock()
	m.statuses[server] = &HealthStatus{
		Server:    server,
		Healthy:   healthy,
		LastCheck: time.Now(),
		Error:     errMsg,
		ToolCount: toolCount,
	}
}

// Statuses returns a copy of the current per-server statuses.
func (m *HealthMonitor) Statuses() map[string]*HealthStatus {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		result[k] = &cp
	}
	return result
}

// IsHealthy reports whether a server passed its last probe. Servers never
// probed count as healthy so startup does not block routing.
func (m *HealthMonitor) IsHealthy(server string) bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	status, ok := m.statuses[server]
	if !ok {
		return true
	}
	return status.Healthy
}
