package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aiw-dev/aiw/pkg/jsengine"
	"github.com/aiw-dev/aiw/pkg/registry"
	"github.com/aiw-dev/aiw/pkg/supervisor"
	"github.com/aiw-dev/aiw/pkg/version"
)

// IntelligentRouteToolName is the always-present base tool.
const IntelligentRouteToolName = "intelligent_route"

// Server exposes the routing core and task supervision over MCP. The
// advertised tool list is a function of the dynamic registry's snapshot,
// resynced on every registry mutation.
type Server struct {
	router   *Router
	sup      *supervisor.Supervisor
	mcp      *mcpsdk.Server
	logger   *slog.Logger
	describe func() string

	mu         sync.Mutex
	advertised map[string]bool // dynamic tools currently registered with the SDK
	sentence   string          // intelligent_route description currently advertised
}

// NewServer wires the MCP surface. describe supplies intelligent_route's
// description; it is re-evaluated on every registry mutation so the
// sentence tracks the current fleet.
func NewServer(router *Router, sup *supervisor.Supervisor, describe func() string) *Server {
	s := &Server{
		router:     router,
		sup:        sup,
		logger:     slog.Default(),
		describe:   describe,
		advertised: map[string]bool{},
	}

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	s.sentence = describe()
	s.addBaseTools(s.sentence)
	router.OnRegistryChange(s.syncDynamicTools)
	return s
}

// Run serves MCP over the given transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// MCP exposes the underlying SDK server (tests connect in-memory clients).
func (s *Server) MCP() *mcpsdk.Server {
	return s.mcp
}

func (s *Server) addIntelligentRouteTool(capabilitySentence string) {
	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        IntelligentRouteToolName,
		Description: capabilitySentence,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"user_request": {"type": "string", "description": "Free-form description of what to do"},
				"session_id": {"type": "string"},
				"max_candidates": {"type": "integer"},
				"decision_mode": {"type": "string", "enum": ["auto", "vector", "llm_react"]},
				"execution_mode": {"type": "string", "enum": ["dynamic", "query"]},
				"metadata": {"type": "object"}
			},
			"required": ["user_request"]
		}`),
	}, s.handleIntelligentRoute)
}

func (s *Server) addBaseTools(capabilitySentence string) {
	s.addIntelligentRouteTool(capabilitySentence)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "start_task",
		Description: "Launch an AI CLI task in the background and register it for supervision.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ai_type": {"type": "string", "enum": ["claude", "codex", "gemini"]},
				"task": {"type": "string"},
				"provider": {"type": "string"},
				"role": {"type": "string"},
				"cwd": {"type": "string"},
				"cli_args": {"type": "array", "items": {"type": "string"}},
				"worktree": {"type": "string"}
			},
			"required": ["ai_type", "task"]
		}`),
	}, s.handleStartTask)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "list_tasks",
		Description: "List supervised tasks and their status.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleListTasks)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "manage_task",
		Description: "Stop a supervised task or read its log tail.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pid": {"type": "integer", "description": "Task PID from list_tasks"},
				"action": {"type": "string", "enum": ["stop", "logs"]},
				"tail_lines": {"type": "integer"}
			},
			"required": ["pid", "action"]
		}`),
	}, s.handleManageTask)
}

// syncDynamicTools reconciles the SDK's tool list with the registry
// snapshot: newly minted tools are added, evicted/expired ones removed,
// updated ones replaced.
func (s *Server) syncDynamicTools() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The capability sentence is a function of the current fleet; refresh
	// it whenever the registry changes.
	if sentence := s.describe(); sentence != s.sentence {
		s.sentence = sentence
		s.mcp.RemoveTools(IntelligentRouteToolName)
		s.addIntelligentRouteTool(sentence)
	}

	desired := map[string]ToolDefinition{}
	base := map[string]bool{
		IntelligentRouteToolName: true,
		"start_task":             true,
		"list_tasks":             true,
		"manage_task":            true,
	}
	for _, def := range s.router.Registry().AllToolDefinitions() {
		if base[def.Name] {
			continue
		}
		desired[def.Name] = def
	}

	// Remove tools no longer in the registry.
	for name := range s.advertised {
		if _, keep := desired[name]; !keep {
			s.mcp.RemoveTools(name)
			delete(s.advertised, name)
		}
	}

	// Add or replace the rest. Replacing keeps updated definitions live.
	for name, def := range desired {
		if s.advertised[name] {
			s.mcp.RemoveTools(name)
		}
		schemaJSON, err := json.Marshal(def.InputSchema)
		if err != nil {
			s.logger.Warn("dynamic tool schema not serializable", "tool", name, "error", err)
			continue
		}
		toolName := name
		s.mcp.AddTool(&mcpsdk.Tool{
			Name:        toolName,
			Description: def.Description,
			InputSchema: json.RawMessage(schemaJSON),
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return s.handleDynamicTool(ctx, toolName, req)
		})
		s.advertised[name] = true
	}
}

func (s *Server) handleIntelligentRoute(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := requestArgs(req)
	if err != nil {
		return errorResult("InvalidArgument", err.Error()), nil
	}

	routeReq := RouteRequest{
		UserRequest:   stringArg(args, "user_request"),
		SessionID:     stringArg(args, "session_id"),
		MaxCandidates: intArg(args, "max_candidates"),
		DecisionMode:  DecisionMode(stringArg(args, "decision_mode")),
		ExecutionMode: ExecutionMode(stringArg(args, "execution_mode")),
	}
	if metadata, ok := args["metadata"].(map[string]any); ok {
		routeReq.Metadata = metadata
	}

	resp, err := s.router.IntelligentRoute(ctx, routeReq)
	if err != nil {
		return errorResult(errorKind(err), err.Error()), nil
	}

	payload := map[string]any{"message": resp.Message}
	if resp.MintedToolName != "" {
		payload["minted_tool_name"] = resp.MintedToolName
		payload["tool_description"] = resp.ToolDescription
	}
	return jsonResult(payload), nil
}

func (s *Server) handleDynamicTool(ctx context.Context, name string, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := requestArgs(req)
	if err != nil {
		return errorResult("InvalidArgument", err.Error()), nil
	}

	result, err := s.router.DispatchDynamic(ctx, name, args)
	if err != nil {
		return errorResult(errorKind(err), err.Error()), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleStartTask(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := requestArgs(req)
	if err != nil {
		return errorResult("InvalidArgument", err.Error()), nil
	}

	params := supervisor.StartParams{
		AIType:   supervisor.AIType(stringArg(args, "ai_type")),
		Task:     stringArg(args, "task"),
		Provider: stringArg(args, "provider"),
		Role:     stringArg(args, "role"),
		Cwd:      stringArg(args, "cwd"),
		Worktree: stringArg(args, "worktree"),
	}
	if rawArgs, ok := args["cli_args"].([]any); ok {
		for _, a := range rawArgs {
			if str, ok := a.(string); ok {
				params.CLIArgs = append(params.CLIArgs, str)
			}
		}
	}

	launch, err := s.sup.StartTask(ctx, params)
	if err != nil {
		return errorResult(errorKind(err), err.Error()), nil
	}
	return jsonResult(map[string]any{
		"pid":     launch.PID,
		"task_id": launch.TaskID.String(),
	}), nil
}

func (s *Server) handleListTasks(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	tasks, err := s.sup.ListTasks()
	if err != nil {
		return errorResult(errorKind(err), err.Error()), nil
	}
	rows := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, map[string]any{
			"pid":        t.PID,
			"log_id":     t.LogID,
			"log_path":   t.LogPath,
			"status":     string(t.Status),
			"created_at": t.CreatedAt,
		})
	}
	return jsonResult(map[string]any{"tasks": rows}), nil
}

func (s *Server) handleManageTask(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := requestArgs(req)
	if err != nil {
		return errorResult("InvalidArgument", err.Error()), nil
	}

	pid := intArg(args, "pid")
	if pid <= 0 {
		return errorResult("InvalidArgument", "pid is required"), nil
	}
	action := supervisor.ManageAction(stringArg(args, "action"))
	tail := intArg(args, "tail_lines")

	result, err := s.sup.ManageTask(int32(pid), action, tail)
	if err != nil {
		return errorResult(errorKind(err), err.Error()), nil
	}

	payload := map[string]any{"success": result.Success}
	if result.LogContent != "" {
		payload["log_content"] = result.LogContent
	}
	return jsonResult(payload), nil
}

// requestArgs decodes the call's arguments into a map regardless of the
// SDK's wire representation.
func requestArgs(req *mcpsdk.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || req.Params.Arguments == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("arguments not serializable: %w", err)
	}
	args := map[string]any{}
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("arguments must be an object: %w", err)
	}
	return args, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// errorKind maps routing/supervision errors to the user-visible error-kind
// prefix of a failing tool result.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknownCLIKind),
		errors.Is(err, supervisor.ErrUnknownAIType):
		return "InvalidArgument"
	case errors.Is(err, ErrInfeasible):
		return "Infeasible"
	case errors.Is(err, ErrToolNotFound), errors.Is(err, registry.ErrNotFound):
		return "NotFound"
	case errors.Is(err, registry.ErrNoTasks):
		return "NoTasks"
	case errors.Is(err, ErrLLM):
		return "LlmError"
	case errors.Is(err, ErrJSValidationFailed):
		return "JsValidationFailed"
	case errors.Is(err, ErrSchemaInvalid):
		return "SchemaInvalid"
	case errors.Is(err, jsengine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	default:
		return "Error"
	}
}

// errorResult renders a non-OK tool result whose body begins with the error
// kind.
func errorResult(kind, message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: kind + ": " + message}},
	}
}

// jsonResult renders a successful tool result as JSON text.
func jsonResult(payload any) *mcpsdk.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult("Error", "result not serializable: "+err.Error())
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}
