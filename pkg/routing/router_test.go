package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiw-dev/aiw/pkg/jsengine"
	"github.com/aiw-dev/aiw/pkg/mcppool"
)

// stubEngine is a canned decision engine.
type stubEngine struct {
	plan         *WorkflowPlan
	planErr      error
	jsCode       string
	jsErr        error
	chatResponse string
	chatErr      error
}

func (s *stubEngine) PlanWorkflow(context.Context, string, []CandidateTool) (*WorkflowPlan, error) {
	return s.plan, s.planErr
}

func (s *stubEngine) GenerateJSCode(context.Context, *WorkflowPlan) (string, error) {
	return s.jsCode, s.jsErr
}

func (s *stubEngine) ChatCompletion(context.Context, string, string) (string, error) {
	if s.chatErr != nil {
		return "", s.chatErr
	}
	return s.chatResponse, nil
}

// stubPool records downstream calls and serves canned discovery.
type stubPool struct {
	mu      sync.Mutex
	calls   []string
	results map[string]any
	errors  map[string]error
	tools   []mcppool.DiscoveredTool
}

func (s *stubPool) CallTool(_ context.Context, server, tool string, args map[string]any) (any, error) {
	s.mu.Lock()
	key := server + "::" + tool
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if err, ok := s.errors[key]; ok {
		return nil, fmt.Errorf("%s failed: %w", key, err)
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}
	return map[string]any{"ok": true, "args": args}, nil
}

func (s *stubPool) DiscoverTools(context.Context) ([]mcppool.DiscoveredTool, error) {
	return s.tools, nil
}

func (s *stubPool) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func fsTools() []mcppool.DiscoveredTool {
	return []mcppool.DiscoveredTool{
		{Server: "filesystem", Tool: &mcpsdk.Tool{Name: "read_file", Description: "Read a file from disk"}},
		{Server: "filesystem", Tool: &mcpsdk.Tool{Name: "write_file", Description: "Write a file to disk"}},
		{Server: "mem", Tool: &mcpsdk.Tool{Name: "save", Description: "Save a value under a key"}},
	}
}

func newTestJSPool(t *testing.T) *jsengine.Pool {
	t.Helper()
	pool, err := jsengine.NewPool(jsengine.PoolConfig{
		MinSize:        1,
		MaxSize:        2,
		AcquireTimeout: 5 * time.Second,
		Security:       jsengine.SecurityConfig{ExecTimeout: 30 * time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestRouter(t *testing.T, engine Engine, pool *stubPool) *Router {
	t.Helper()
	registry := NewDynamicToolRegistry(baseTools())
	return NewRouter(pool, engine, registry, newTestJSPool(t))
}

func TestIntelligentRouteEmptyRequest(t *testing.T) {
	router := newTestRouter(t, &stubEngine{}, &stubPool{tools: fsTools()})
	_, err := router.IntelligentRoute(context.Background(), RouteRequest{UserRequest: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIntelligentRouteInfeasible(t *testing.T) {
	engine := &stubEngine{plan: &WorkflowPlan{
		IsFeasible: false,
		Reason:     "no tool can send email",
	}}
	router := newTestRouter(t, engine, &stubPool{tools: fsTools()})

	_, err := router.IntelligentRoute(context.Background(), RouteRequest{
		UserRequest: "send an email to bob",
	})
	require.ErrorIs(t, err, ErrInfeasible)
	assert.Contains(t, err.Error(), "no tool can send email")
}

func TestIntelligentRouteProxyMinting(t *testing.T) {
	// S1: a single-step, non-orchestrated plan becomes a direct proxy.
	engine := &stubEngine{plan: &WorkflowPlan{
		IsFeasible:         true,
		NeedsOrchestration: false,
		SuggestedName:      "read_tmp_file",
		Description:        "Read a file and return its contents",
		Steps: []WorkflowStep{
			{Step: 1, Tool: "filesystem::read_file", Description: "read"},
		},
		InputParams: []InputParam{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
	}}
	pool := &stubPool{
		tools:   fsTools(),
		results: map[string]any{"filesystem::read_file": "the bytes"},
	}
	router := newTestRouter(t, engine, pool)

	resp, err := router.IntelligentRoute(context.Background(), RouteRequest{
		UserRequest:   "Read /tmp/x and return its contents",
		ExecutionMode: ExecutionDynamic,
	})
	require.NoError(t, err)
	assert.Equal(t, "read_tmp_file", resp.MintedToolName)

	minted := router.Registry().GetTool("read_tmp_file")
	require.NotNil(t, minted)
	require.Equal(t, KindProxy, minted.Kind)
	assert.Equal(t, ProxyToolInfo{Server: "filesystem", Tool: "read_file"}, *minted.Proxy)

	// Schema requires path: string.
	props := minted.Definition.InputSchema["properties"].(map[string]any)
	require.Contains(t, props, "path")
	assert.Equal(t, "string", props["path"].(map[string]any)["type"])
	assert.Equal(t, []any{"path"}, minted.Definition.InputSchema["required"])

	// A subsequent call goes through the proxy.
	result, err := router.DispatchDynamic(context.Background(), "read_tmp_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "the bytes", result)
	assert.Equal(t, []string{"filesystem::read_file"}, pool.recorded())
}

const orchestrationJS = `
async function workflow(input) {
	const data = await mcp.call("filesystem", "read_file", { path: input.in_path });
	await mcp.call("mem", "save", { key: input.key, value: data });
	await mcp.call("filesystem", "write_file", { path: input.out_path, content: "summary" });
	return { done: true };
}
`

func orchestrationPlan() *WorkflowPlan {
	return &WorkflowPlan{
		IsFeasible:         true,
		NeedsOrchestration: true,
		SuggestedName:      "read_save_summarise",
		Description:        "Read, save under a key, write a summary",
		Steps: []WorkflowStep{
			{Step: 1, Tool: "filesystem::read_file"},
			{Step: 2, Tool: "mem::save", Dependencies: []int{1}},
			{Step: 3, Tool: "filesystem::write_file", Dependencies: []int{2}},
		},
		InputParams: []InputParam{
			{Name: "in_path", Type: "string", Required: true},
			{Name: "out_path", Type: "string", Required: true},
			{Name: "key", Type: "string", Required: true},
		},
	}
}

func TestIntelligentRouteJSOrchestration(t *testing.T) {
	// S2: multi-step plan mints a JS tool whose calls run in order.
	engine := &stubEngine{plan: orchestrationPlan(), jsCode: orchestrationJS}
	pool := &stubPool{
		tools:   fsTools(),
		results: map[string]any{"filesystem::read_file": "content"},
	}
	router := newTestRouter(t, engine, pool)

	resp, err := router.IntelligentRoute(context.Background(), RouteRequest{
		UserRequest: "Read /tmp/in, save the content under key 'doc', then write a summary to /tmp/out",
	})
	require.NoError(t, err)
	assert.Equal(t, "read_save_summarise", resp.MintedToolName)

	minted := router.Registry().GetTool("read_save_summarise")
	require.NotNil(t, minted)
	assert.Equal(t, KindOrchestrated, minted.Kind)

	result, err := router.DispatchDynamic(context.Background(), "read_save_summarise", map[string]any{
		"in_path":  "/tmp/in",
		"out_path": "/tmp/out",
		"key":      "doc",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"done": true}, result)
	assert.Equal(t, []string{
		"filesystem::read_file",
		"mem::save",
		"filesystem::write_file",
	}, pool.recorded())
}

func TestJSOrchestrationFailureNamesFailingTool(t *testing.T) {
	engine := &stubEngine{plan: orchestrationPlan(), jsCode: orchestrationJS}
	pool := &stubPool{
		tools:  fsTools(),
		errors: map[string]error{"mem::save": errors.New("storage full")},
	}
	router := newTestRouter(t, engine, pool)

	_, err := router.IntelligentRoute(context.Background(), RouteRequest{UserRequest: "do the three-step thing with files"})
	require.NoError(t, err)

	_, err = router.DispatchDynamic(context.Background(), "read_save_summarise", map[string]any{
		"in_path": "/a", "out_path": "/b", "key": "k",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mem::save")
}

func TestIntelligentRouteRejectsInvalidJS(t *testing.T) {
	engine := &stubEngine{
		plan:   orchestrationPlan(),
		jsCode: `async function workflow(input) { eval("bad"); }`,
	}
	router := newTestRouter(t, engine, &stubPool{tools: fsTools()})

	_, err := router.IntelligentRoute(context.Background(), RouteRequest{UserRequest: "read and write some files"})
	assert.ErrorIs(t, err, ErrJSValidationFailed)
}

func TestIntelligentRouteQueryMode(t *testing.T) {
	engine := &stubEngine{plan: &WorkflowPlan{
		IsFeasible:    true,
		SuggestedName: "list_everything",
		Description:   "List things",
		Steps:         []WorkflowStep{{Step: 1, Tool: "filesystem::read_file"}},
	}}
	pool := &stubPool{
		tools:   fsTools(),
		results: map[string]any{"filesystem::read_file": map[string]any{"listing": []any{"a"}}},
	}
	router := newTestRouter(t, engine, pool)

	resp, err := router.IntelligentRoute(context.Background(), RouteRequest{
		UserRequest:   "read the file listing",
		ExecutionMode: ExecutionQuery,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "listing")
	assert.Equal(t, []string{"filesystem::read_file"}, pool.recorded())
}

func TestDispatchDynamicUnknownTool(t *testing.T) {
	router := newTestRouter(t, &stubEngine{}, &stubPool{tools: fsTools()})
	_, err := router.DispatchDynamic(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestKeywordCandidates(t *testing.T) {
	tools := []CandidateTool{
		{Server: "fs", Name: "read_file", Description: "Read a file from disk"},
		{Server: "fs", Name: "write_file", Description: "Write a file to disk"},
		{Server: "net", Name: "http_get", Description: "Fetch a web page"},
	}

	matched := keywordCandidates("please read the file at /tmp/x", tools, 10)
	require.NotEmpty(t, matched)
	assert.Equal(t, "read_file", matched[0].Name)

	none := keywordCandidates("zz qq", tools, 10)
	assert.Empty(t, none)
}

func TestUnionDedupCaps(t *testing.T) {
	a := []CandidateTool{{Server: "s", Name: "one"}, {Server: "s", Name: "two"}}
	b := []CandidateTool{{Server: "s", Name: "two"}, {Server: "s", Name: "three"}}

	merged := unionDedup(a, b, 10)
	require.Len(t, merged, 3)

	capped := unionDedup(a, b, 2)
	assert.Len(t, capped, 2)
}

func TestGatherCandidatesExcludesUnhealthyServers(t *testing.T) {
	engine := &stubEngine{chatErr: errors.New("no llm")}
	pool := &stubPool{tools: fsTools()}
	router := newTestRouter(t, engine, pool)
	router.SetHealthCheck(func(server string) bool { return server != "filesystem" })

	candidates, err := router.gatherCandidates(context.Background(), RouteRequest{
		UserRequest: "save this value",
	})
	require.NoError(t, err)
	for _, c := range candidates {
		assert.NotEqual(t, "filesystem", c.Server)
	}
}

func TestLLMReactCandidateParsing(t *testing.T) {
	engine := &stubEngine{chatResponse: "- filesystem::read_file\nmem::save\n"}
	pool := &stubPool{tools: fsTools()}
	router := newTestRouter(t, engine, pool)

	all := []CandidateTool{
		{Server: "filesystem", Name: "read_file", Description: "d"},
		{Server: "mem", Name: "save", Description: "d"},
		{Server: "filesystem", Name: "write_file", Description: "d"},
	}
	selected := router.llmReactCandidates(context.Background(), "whatever", all, 10)
	require.Len(t, selected, 2)
	assert.Equal(t, "read_file", selected[0].Name)
	assert.Equal(t, "save", selected[1].Name)
}
