// Package mcppool maintains long-lived connections to downstream MCP
// servers, discovers their tools, and dispatches tool calls with bounded
// retry and session recovery.
package mcppool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aiw-dev/aiw/pkg/config"
	"github.com/aiw-dev/aiw/pkg/version"
)

// DiscoveredTool pairs a downstream tool definition with its owning server.
type DiscoveredTool struct {
	Server string
	Tool   *mcpsdk.Tool
}

// Pool manages MCP SDK sessions for the configured downstream servers.
// Thread-safe: sessions may be used from many tasks concurrently.
type Pool struct {
	registry *config.ServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession // server → session
	clients       map[string]*mcpsdk.Client        // server → client (for reconnection)
	failedServers map[string]string                // server → error message

	// Tool cache, invalidated on session recreation and health failure.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex for session recreation to prevent thundering herd.
	reinitMu sync.Map // server → *sync.Mutex

	logger *slog.Logger
}

// New creates a pool over a server registry. Call Initialize to connect.
func New(registry *config.ServerRegistry) *Pool {
	return &Pool{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		clients:       make(map[string]*mcpsdk.Client),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default(),
	}
}

// NewFromConfig builds the registry from the enabled servers of an
// mcp.json manager and connects to all of them. Partial initialization is
// acceptable; failed servers are recorded and excluded from routing.
func NewFromConfig(ctx context.Context, manager *config.MCPConfigManager) (*Pool, error) {
	registry := config.NewServerRegistry(manager.EnabledServers())
	pool := New(registry)
	if err := pool.Initialize(ctx, registry.ServerIDs()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// Initialize connects to the given servers. Connection failures are
// recorded per server, not fatal — the caller decides via FailedServers().
func (p *Pool) Initialize(ctx context.Context, servers []string) error {
	for _, server := range servers {
		if err := p.InitializeServer(ctx, server); err != nil {
			p.mu.Lock()
			p.failedServers[server] = err.Error()
			p.mu.Unlock()
			p.logger.Warn("MCP server failed to initialize", "server", server, "error", err)
		}
	}
	return nil
}

// InitializeServer connects a single server. Returns nil when already
// connected. Serialized per server.
func (p *Pool) InitializeServer(ctx context.Context, server string) error {
	muI, _ := p.reinitMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return p.initializeServerLocked(ctx, server)
}

// initializeServerLocked performs the connection. Caller holds reinitMu.
func (p *Pool) initializeServerLocked(ctx context.Context, server string) error {
	p.mu.RLock()
	if _, exists := p.sessions[server]; exists {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	serverCfg, err := p.registry.Get(server)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrServerUnknown, server)
	}

	transport, err := createTransport(serverCfg)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", server, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it holds resources (stdio child process).
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("%w: %s: %v", ErrServerUnreachable, server, err)
	}

	p.mu.Lock()
	p.sessions[server] = session
	p.clients[server] = client
	delete(p.failedServers, server)
	p.mu.Unlock()

	p.logger.Info("MCP server connected", "server", server)
	return nil
}

// ListTools returns tools from one server, cached after the first probe.
func (p *Pool) ListTools(ctx context.Context, server string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never acquire p.mu while holding toolCacheMu.
	p.toolCacheMu.RLock()
	if cached, ok := p.toolCache[server]; ok {
		p.toolCacheMu.RUnlock()
		return cached, nil
	}
	p.toolCacheMu.RUnlock()

	p.mu.RLock()
	session, exists := p.sessions[server]
	p.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServerUnknown, server)
	}

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", server, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	p.toolCacheMu.Lock()
	p.toolCache[server] = tools
	p.toolCacheMu.Unlock()

	return tools, nil
}

// DiscoverTools returns the fleet of tools across all connected servers, in
// stable server order; server health is not consulted. Partial results on
// per-server failure; error only when every server fails.
func (p *Pool) DiscoverTools(ctx context.Context) ([]DiscoveredTool, error) {
	p.mu.RLock()
	servers := make([]string, 0, len(p.sessions))
	for s := range p.sessions {
		servers = append(servers, s)
	}
	p.mu.RUnlock()
	sort.Strings(servers)

	var discovered []DiscoveredTool
	var lastErr error
	for _, server := range servers {
		tools, err := p.ListTools(ctx, server)
		if err != nil {
			lastErr = err
			p.logger.Warn("failed to list tools from MCP server", "server", server, "error", err)
			continue
		}
		for _, tool := range tools {
			discovered = append(discovered, DiscoveredTool{Server: server, Tool: tool})
		}
	}

	if len(discovered) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all servers failed to list tools: %w", lastErr)
	}
	return discovered, nil
}

// CallTool dispatches one tool call, retrying once with session recreation
// on transport failures.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	params := &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	}

	result, err := p.callToolOnce(ctx, server, params)
	if err == nil {
		return extractResult(result)
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	p.logger.Info("MCP call failed, retrying",
		"server", server, "tool", tool, "action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := p.recreateSession(ctx, server); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", server, err)
		}
	}

	result, err = p.callToolOnce(ctx, server, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s::%s: %w", server, tool, err)
	}
	return extractResult(result)
}

func (p *Pool) callToolOnce(ctx context.Context, server string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	p.mu.RLock()
	session, exists := p.sessions[server]
	p.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServerUnknown, server)
	}

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession tears down and reconnects one server's session.
func (p *Pool) recreateSession(ctx context.Context, server string) error {
	muI, _ := p.reinitMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	p.mu.Lock()
	if session, exists := p.sessions[server]; exists {
		_ = session.Close()
		delete(p.sessions, server)
		delete(p.clients, server)
	}
	p.mu.Unlock()

	p.InvalidateToolCache(server)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	return p.initializeServerLocked(reinitCtx, server)
}

// InvalidateToolCache drops one server's cached tool list.
func (p *Pool) InvalidateToolCache(server string) {
	p.toolCacheMu.Lock()
	delete(p.toolCache, server)
	p.toolCacheMu.Unlock()
}

// HasSession reports whether a server is connected.
func (p *Pool) HasSession(server string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.sessions[server]
	return exists
}

// FailedServers returns servers that failed to initialize.
func (p *Pool) FailedServers() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make(map[string]string, len(p.failedServers))
	for k, v := range p.failedServers {
		result[k] = v
	}
	return result
}

// InjectSession wires a pre-connected session into the pool. Test
// infrastructure for in-memory MCP servers; bypasses transport creation.
func (p *Pool) InjectSession(server string, client *mcpsdk.Client, session *mcpsdk.ClientSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[server] = session
	p.clients[server] = client
}

// Close shuts down all sessions.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for server, session := range p.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", server, err)
		}
	}
	p.sessions = make(map[string]*mcpsdk.ClientSession)
	p.clients = make(map[string]*mcpsdk.Client)
	p.failedServers = make(map[string]string)

	p.toolCacheMu.Lock()
	p.toolCache = make(map[string][]*mcpsdk.Tool)
	p.toolCacheMu.Unlock()

	return firstErr
}
