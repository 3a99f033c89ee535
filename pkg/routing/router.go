package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aiw-dev/aiw/pkg/jsengine"
	"github.com/aiw-dev/aiw/pkg/mcppool"
	"github.com/aiw-dev/aiw/pkg/schema"
)

// DefaultMaxCandidates bounds candidate tools handed to the planner.
const DefaultMaxCandidates = 10

// DecisionMode selects how candidate tools are gathered.
type DecisionMode string

const (
	DecisionAuto     DecisionMode = "auto"
	DecisionVector   DecisionMode = "vector"
	DecisionLLMReact DecisionMode = "llm_react"
)

// ExecutionMode selects what happens after the mint.
type ExecutionMode string

const (
	// ExecutionDynamic returns the minted tool for the agent to call next.
	ExecutionDynamic ExecutionMode = "dynamic"
	// ExecutionQuery additionally runs the tool once with empty input and
	// returns a summarised result (single-shot UX).
	ExecutionQuery ExecutionMode = "query"
)

// RouteRequest is one intelligent_route invocation.
type RouteRequest struct {
	UserRequest   string
	SessionID     string
	MaxCandidates int
	DecisionMode  DecisionMode
	ExecutionMode ExecutionMode
	Metadata      map[string]any
}

// RouteResponse reports the mint.
type RouteResponse struct {
	Message         string
	MintedToolName  string
	ToolDescription string
}

// ToolInvoker abstracts the connection pool for dispatch; satisfied by
// *mcppool.Pool.
type ToolInvoker interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
	DiscoverTools(ctx context.Context) ([]mcppool.DiscoveredTool, error)
}

// Router is the glue: candidate selection, planning, minting, and dispatch
// of minted tools.
type Router struct {
	pool         ToolInvoker
	engine       Engine
	orchestrator *Orchestrator
	registry     *DynamicToolRegistry
	jsPool       *jsengine.Pool
	healthy      func(server string) bool
	logger       *slog.Logger

	// onRegistryChange is invoked after every registry mutation so the
	// protocol layer can resync its advertised tool list.
	onRegistryChange func()
}

// NewRouter wires a router. jsPool may be nil until JS dispatch is needed.
func NewRouter(pool ToolInvoker, engine Engine, registry *DynamicToolRegistry, jsPool *jsengine.Pool) *Router {
	return &Router{
		pool:         pool,
		engine:       engine,
		orchestrator: NewOrchestrator(engine),
		registry:     registry,
		jsPool:       jsPool,
		healthy:      func(string) bool { return true },
		logger:       slog.Default(),
	}
}

// SetHealthCheck installs a per-server health predicate; unhealthy servers'
// tools are excluded from candidate selection.
func (r *Router) SetHealthCheck(healthy func(server string) bool) {
	if healthy != nil {
		r.healthy = healthy
	}
}

// OnRegistryChange installs the registry-mutation hook.
func (r *Router) OnRegistryChange(fn func()) {
	r.onRegistryChange = fn
}

// Registry exposes the dynamic tool registry.
func (r *Router) Registry() *DynamicToolRegistry {
	return r.registry
}

// IntelligentRoute answers one intelligent_route call: gather candidates,
// plan, mint, and (in query mode) execute once.
func (r *Router) IntelligentRoute(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	if strings.TrimSpace(req.UserRequest) == "" {
		return nil, fmt.Errorf("%w: user_request is required", ErrInvalidArgument)
	}

	candidates, err := r.gatherCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no downstream tools available", ErrInfeasible)
	}

	tool, err := r.orchestrator.Orchestrate(ctx, req.UserRequest, candidates)
	if err != nil {
		return nil, err
	}

	var isNew bool
	var evicted []string
	if tool.Proxy != nil {
		isNew, evicted = r.registry.RegisterProxy(tool.Name, tool.Description, tool.InputSchema, *tool.Proxy)
	} else {
		isNew, evicted = r.registry.RegisterJS(tool.Name, tool.Description, tool.InputSchema, tool.JSCode)
	}
	r.notifyRegistryChange()

	if len(evicted) > 0 {
		r.logger.Info("evicted dynamic tools", "evicted", evicted)
	}
	r.logger.Info("minted dynamic tool",
		"name", tool.Name, "is_new", isNew, "proxy", tool.Proxy != nil, "session", req.SessionID)

	resp := &RouteResponse{
		Message:         fmt.Sprintf("Registered tool %q. Call it with the documented input schema.", tool.Name),
		MintedToolName:  tool.Name,
		ToolDescription: tool.Description,
	}

	if req.ExecutionMode == ExecutionQuery {
		result, execErr := r.DispatchDynamic(ctx, tool.Name, map[string]any{})
		if execErr != nil {
			resp.Message = fmt.Sprintf("Registered tool %q, but the single-shot execution failed: %v", tool.Name, execErr)
			return resp, nil
		}
		resp.Message = summariseResult(tool.Name, result)
	}

	return resp, nil
}

// DispatchDynamic executes a registered dynamic tool by variant.
func (r *Router) DispatchDynamic(ctx context.Context, name string, args map[string]any) (any, error) {
	tool := r.registry.GetTool(name)
	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	switch tool.Kind {
	case KindProxy:
		return r.pool.CallTool(ctx, tool.Proxy.Server, tool.Proxy.Tool, args)
	case KindOrchestrated:
		return r.executeJS(tool.JSBody, args)
	default:
		return nil, fmt.Errorf("%w: %s is not dispatchable", ErrToolNotFound, name)
	}
}

// executeJS runs a JS tool body with the caller's args bound to input.
func (r *Router) executeJS(jsBody string, args map[string]any) (any, error) {
	if r.jsPool == nil {
		return nil, fmt.Errorf("js runtime pool not configured")
	}

	rt, err := r.jsPool.Acquire()
	if err != nil {
		return nil, err
	}
	defer r.jsPool.Release(rt)

	invoker, ok := r.pool.(jsengine.Invoker)
	if !ok {
		return nil, fmt.Errorf("pool does not support js dispatch")
	}
	if err := jsengine.NewInjector(invoker).Inject(rt); err != nil {
		return nil, fmt.Errorf("inject mcp binding: %w", err)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: args not serializable: %v", ErrInvalidArgument, err)
	}

	code := jsBody + "\nworkflow(" + string(input) + ");"
	return rt.Execute(code)
}

// gatherCandidates merges the mode's candidate sources, bounded by
// MaxCandidates.
func (r *Router) gatherCandidates(ctx context.Context, req RouteRequest) ([]CandidateTool, error) {
	discovered, err := r.pool.DiscoverTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tool discovery failed: %w", err)
	}

	// Exclude tools on unhealthy servers until they recover.
	all := make([]CandidateTool, 0, len(discovered))
	for _, d := range discovered {
		if !r.healthy(d.Server) {
			continue
		}
		all = append(all, CandidateTool{
			Server:      d.Server,
			Name:        d.Tool.Name,
			Description: d.Tool.Description,
		})
	}

	max := req.MaxCandidates
	if max <= 0 {
		max = DefaultMaxCandidates
	}

	mode := req.DecisionMode
	if mode == "" {
		mode = DecisionAuto
	}

	var merged []CandidateTool
	switch mode {
	case DecisionVector:
		merged = keywordCandidates(req.UserRequest, all, max)
	case DecisionLLMReact:
		merged = r.llmReactCandidates(ctx, req.UserRequest, all, max)
	default: // Auto: union-dedup of both sources, capped.
		merged = unionDedup(
			keywordCandidates(req.UserRequest, all, max),
			r.llmReactCandidates(ctx, req.UserRequest, all, max),
			max)
	}

	// A planner with zero context is useless; fall back to the full fleet
	// (capped) when scoring found nothing.
	if len(merged) == 0 {
		if len(all) > max {
			all = all[:max]
		}
		merged = all
	}
	return merged, nil
}

// keywordCandidates scores tools by term overlap between the request and
// the tool's name+description.
func keywordCandidates(request string, tools []CandidateTool, max int) []CandidateTool {
	terms := strings.Fields(strings.ToLower(request))

	type scored struct {
		tool  CandidateTool
		score int
	}
	var matches []scored
	for _, tool := range tools {
		text := strings.ToLower(tool.Name + " " + tool.Description)
		score := 0
		for _, term := range terms {
			if len(term) < 3 {
				continue
			}
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{tool: tool, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > max {
		matches = matches[:max]
	}
	result := make([]CandidateTool, len(matches))
	for i, m := range matches {
		result[i] = m.tool
	}
	return result
}

// llmReactCandidates asks the model which tools are relevant. Failures
// degrade to no candidates; the keyword source still feeds Auto mode.
func (r *Router) llmReactCandidates(ctx context.Context, request string, tools []CandidateTool, max int) []CandidateTool {
	if r.engine == nil || len(tools) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("User request:\n" + request + "\n\nTools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Ref(), t.Description)
	}
	fmt.Fprintf(&b, "\nList up to %d relevant tool references, one \"server::tool\" per line. Output nothing else.", max)

	response, err := r.engine.ChatCompletion(ctx,
		"You select relevant MCP tools for a request.", b.String())
	if err != nil {
		r.logger.Debug("llm candidate selection failed", "error", err)
		return nil
	}

	byRef := make(map[string]CandidateTool, len(tools))
	for _, t := range tools {
		byRef[t.Ref()] = t
	}

	var selected []CandidateTool
	for _, line := range strings.Split(schema.ExtractJSONBlock(response), "\n") {
		ref := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if tool, ok := byRef[ref]; ok {
			selected = append(selected, tool)
			if len(selected) == max {
				break
			}
		}
	}
	return selected
}

// unionDedup merges candidate lists preserving first-seen order, capped.
func unionDedup(a, b []CandidateTool, max int) []CandidateTool {
	seen := make(map[string]struct{})
	var merged []CandidateTool
	for _, list := range [][]CandidateTool{a, b} {
		for _, tool := range list {
			ref := tool.Ref()
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			merged = append(merged, tool)
			if len(merged) == max {
				return merged
			}
		}
	}
	return merged
}

func (r *Router) notifyRegistryChange() {
	if r.onRegistryChange != nil {
		r.onRegistryChange()
	}
}

// summariseResult renders a single-shot execution result for query mode.
func summariseResult(name string, result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("Tool %q executed.", name)
	}
	const maxLen = 2000
	text := string(data)
	if len(text) > maxLen {
		text = text[:maxLen] + "…"
	}
	return fmt.Sprintf("Tool %q executed. Result: %s", name, text)
}
