package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aiw-dev/aiw/pkg/config"
	"github.com/aiw-dev/aiw/pkg/schema"
)

// CandidateTool is one routable tool presented to the decision engine.
type CandidateTool struct {
	Server      string
	Name        string
	Description string
}

// Ref renders the canonical "server::tool" reference.
func (c CandidateTool) Ref() string {
	return c.Server + "::" + c.Name
}

// Engine is the decision brain: plan a workflow for a request, generate JS
// for a plan, and answer raw chat completions for the correction loops.
// The backend contract is purely "send a system + user prompt, get a string
// back"; nothing else leaks.
type Engine interface {
	PlanWorkflow(ctx context.Context, userRequest string, tools []CandidateTool) (*WorkflowPlan, error)
	GenerateJSCode(ctx context.Context, plan *WorkflowPlan) (string, error)
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Compile-time checks: engines satisfy Engine and the schema fixer surface.
var (
	_ Engine               = (*OpenAIEngine)(nil)
	_ Engine               = (*CLIEngine)(nil)
	_ schema.ChatCompleter = (Engine)(nil)
)

// NewEngineFromEnv selects the backend: the HTTP endpoint when a token is
// configured, otherwise the AI CLI named by CLI_TYPE. Refuses to
// instantiate on an unknown CLI kind.
func NewEngineFromEnv(env *config.LLMEnv) (Engine, error) {
	if env.HasToken() {
		return NewOpenAIEngine(env), nil
	}
	return NewCLIEngine(env.CLIType)
}

// OpenAIEngine talks to a chat-completion style HTTP endpoint.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine builds the HTTP backend from validated env config.
func NewOpenAIEngine(env *config.LLMEnv) *OpenAIEngine {
	cfg := openai.DefaultConfig(env.Token)
	if env.Endpoint != "" {
		cfg.BaseURL = env.Endpoint
	}
	model := env.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// ChatCompletion implements Engine.
func (e *OpenAIEngine) ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLM, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrLLM)
	}
	return resp.Choices[0].Message.Content, nil
}

// PlanWorkflow implements Engine.
func (e *OpenAIEngine) PlanWorkflow(ctx context.Context, userRequest string, tools []CandidateTool) (*WorkflowPlan, error) {
	return planWorkflow(ctx, e, userRequest, tools)
}

// GenerateJSCode implements Engine.
func (e *OpenAIEngine) GenerateJSCode(ctx context.Context, plan *WorkflowPlan) (string, error) {
	return generateJSCode(ctx, e, plan)
}

// CLIEngine shells out to an installed AI CLI for completions. Selected
// when no token is configured.
type CLIEngine struct {
	binary string
}

// cliBinaries is the closed set of supported CLI kinds.
var cliBinaries = map[string]string{
	"claude": "claude",
	"codex":  "codex",
	"gemini": "gemini",
}

// NewCLIEngine creates a CLI backend for a known kind.
func NewCLIEngine(kind string) (*CLIEngine, error) {
	binary, ok := cliBinaries[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCLIKind, kind)
	}
	return &CLIEngine{binary: binary}, nil
}

// ChatCompletion implements Engine by piping the prompt to the CLI's stdin
// in one-shot print mode.
func (e *CLIEngine) ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary, "-p")
	cmd.Stdin = strings.NewReader(systemPrompt + "\n\n" + userPrompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s failed: %v (%s)", ErrLLM, e.binary, err,
			strings.TrimSpace(stderr.String()))
	}
	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return "", fmt.Errorf("%w: empty response from %s", ErrLLM, e.binary)
	}
	return output, nil
}

// PlanWorkflow implements Engine.
func (e *CLIEngine) PlanWorkflow(ctx context.Context, userRequest string, tools []CandidateTool) (*WorkflowPlan, error) {
	return planWorkflow(ctx, e, userRequest, tools)
}

// GenerateJSCode implements Engine.
func (e *CLIEngine) GenerateJSCode(ctx context.Context, plan *WorkflowPlan) (string, error) {
	return generateJSCode(ctx, e, plan)
}

// planWorkflow is the shared prompt contract for planning: candidate tools
// by name, description, and owning server; the model returns WorkflowPlan
// JSON. Fields are tolerant to nulls on read.
func planWorkflow(ctx context.Context, llm ChatCompleter, userRequest string, tools []CandidateTool) (*WorkflowPlan, error) {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(userRequest)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (server: %s): %s\n", t.Name, t.Server, t.Description)
	}
	b.WriteString(`
Decide whether the request is feasible with these tools and plan the workflow.
Respond with ONLY a JSON object:
{
  "is_feasible": bool,
  "needs_orchestration": bool,   // false when a single direct tool call suffices
  "reason": string,
  "suggested_name": string,      // snake_case tool name for the minted tool
  "description": string,
  "steps": [{"step": int, "tool": "server::tool_name", "description": string, "dependencies": [int]}],
  "input_params": [{"name": string, "type": string, "description": string, "required": bool}]
}`)

	response, err := llm.ChatCompletion(ctx,
		"You are a workflow planner for MCP tool routing. Respond with JSON only.",
		b.String())
	if err != nil {
		return nil, err
	}

	var plan WorkflowPlan
	if err := json.Unmarshal([]byte(schema.ExtractJSONBlock(response)), &plan); err != nil {
		return nil, fmt.Errorf("%w: plan is not valid JSON: %v", ErrLLM, err)
	}
	return &plan, nil
}

// generateJSCode is the shared prompt contract for codegen: an async
// workflow(input) body whose only external effect is mcp.call. No
// post-processing here; the pre-flight validator holds the guarantees.
func generateJSCode(ctx context.Context, llm ChatCompleter, plan *WorkflowPlan) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the JavaScript workflow %q: %s\n\nSteps:\n", plan.SuggestedName, plan.Description)
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s — %s\n", step.Step, step.Tool, step.Description)
	}
	b.WriteString(`
Rules:
- Define exactly: async function workflow(input) { ... }
- The ONLY way to reach the outside world is: await mcp.call(server, tool, args)
- Tool references above are "server::tool" pairs; split them into the two mcp.call arguments.
- Return a JSON-serializable value.
- No eval, Function, require, import, fetch, or network/IO of any kind.
Respond with ONLY the JavaScript code.`)

	response, err := llm.ChatCompletion(ctx,
		"You generate sandboxed JavaScript orchestration code. Respond with code only.",
		b.String())
	if err != nil {
		return "", err
	}
	return stripCodeFence(response), nil
}

// stripCodeFence removes a ``` wrapper from a code response.
func stripCodeFence(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```javascript")
	trimmed = strings.TrimPrefix(trimmed, "```js")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
