package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aiw-dev/aiw/pkg/jsengine"
	"github.com/aiw-dev/aiw/pkg/mcppool"
	"github.com/aiw-dev/aiw/pkg/schema"
)

// WorkflowPlan is the decision engine's structured output. JSON nulls decode
// to zero values throughout.
type WorkflowPlan struct {
	IsFeasible bool `json:"is_feasible"`
	// NeedsOrchestration false means a single direct proxy suffices.
	NeedsOrchestration bool           `json:"needs_orchestration"`
	Reason             string         `json:"reason"`
	SuggestedName      string         `json:"suggested_name"`
	Description        string         `json:"description"`
	Steps              []WorkflowStep `json:"steps"`
	InputParams        []InputParam   `json:"input_params"`
}

// WorkflowStep references one tool invocation. Dependencies are carried as
// documentation; JS bodies order their own calls.
type WorkflowStep struct {
	Step         int    `json:"step"`
	Tool         string `json:"tool"` // "server::tool_name"
	Description  string `json:"description"`
	Dependencies []int  `json:"dependencies"`
}

// InputParam declares one input parameter of the minted tool.
type InputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ProxyToolInfo identifies the downstream target of a direct proxy.
type ProxyToolInfo struct {
	Server string
	Tool   string
}

// OrchestratedTool is the final registrable artifact: either a direct proxy
// (Proxy set, JSCode empty) or a JS orchestration (JSCode set).
type OrchestratedTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	JSCode      string
	Proxy       *ProxyToolInfo
}

// Orchestrator turns a user request into an OrchestratedTool via the
// decision engine, the JS pre-flight validator, and the schema corrector.
type Orchestrator struct {
	engine Engine
	fixer  *schema.IterativeFixer
	logger *slog.Logger
}

// NewOrchestrator wires an orchestrator over a decision engine.
func NewOrchestrator(engine Engine) *Orchestrator {
	var completer schema.ChatCompleter
	if engine != nil {
		completer = engine
	}
	return &Orchestrator{
		engine: engine,
		fixer:  schema.NewIterativeFixer(completer),
		logger: slog.Default(),
	}
}

// Orchestrate plans and materialises one tool for a user request.
//
// Flow: plan → feasibility gate → direct proxy when the plan is a single
// non-orchestrated step → otherwise codegen, JS pre-flight, schema
// correction.
func (o *Orchestrator) Orchestrate(ctx context.Context, userRequest string, tools []CandidateTool) (*OrchestratedTool, error) {
	if strings.TrimSpace(userRequest) == "" {
		return nil, fmt.Errorf("%w: user_request cannot be empty", ErrInvalidArgument)
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("%w: no MCP tools supplied for orchestration", ErrInvalidArgument)
	}

	plan, err := o.engine.PlanWorkflow(ctx, userRequest, tools)
	if err != nil {
		return nil, fmt.Errorf("workflow planning failed: %w", err)
	}

	if !plan.IsFeasible {
		reason := strings.TrimSpace(plan.Reason)
		if reason == "" {
			reason = "the model did not provide a reason"
		}
		return nil, fmt.Errorf("%w: %s", ErrInfeasible, reason)
	}

	// Direct proxy: single step, no orchestration needed.
	if !plan.NeedsOrchestration && len(plan.Steps) == 1 {
		if server, tool, err := mcppool.SplitToolRef(plan.Steps[0].Tool); err == nil {
			o.logger.Info("direct proxy mode", "server", server, "tool", tool)
			return &OrchestratedTool{
				Name:        plan.SuggestedName,
				Description: plan.Description,
				InputSchema: buildInputSchema(plan.InputParams),
				Proxy:       &ProxyToolInfo{Server: server, Tool: tool},
			}, nil
		}
	}

	// Full JS orchestration path.
	jsCode, err := o.engine.GenerateJSCode(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("javascript generation failed: %w", err)
	}

	validation := jsengine.ValidateJS(jsCode)
	if !validation.Passed {
		message := "unknown validation failure"
		if len(validation.Errors) > 0 {
			message = strings.Join(validation.Errors, "; ")
		}
		return nil, fmt.Errorf("%w: %s", ErrJSValidationFailed, message)
	}

	built := buildInputSchema(plan.InputParams)
	inputSchema, err := o.fixer.Fix(ctx, plan.SuggestedName, plan.Description, jsCode, built)
	if err != nil {
		// Iterative fixing exhausted; the static corrector is the last
		// resort before failing the registration.
		o.logger.Warn("iterative schema fixing failed, using static corrector", "error", err)
		corrected, cerr := schema.Correct(jsCode, built)
		if cerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, cerr)
		}
		inputSchema = corrected.Schema
	}

	return &OrchestratedTool{
		Name:        plan.SuggestedName,
		Description: plan.Description,
		InputSchema: inputSchema,
		JSCode:      jsCode,
	}, nil
}

// buildInputSchema derives an object schema from the plan's input params.
func buildInputSchema(params []InputParam) map[string]any {
	properties := map[string]any{}
	var required []any

	for _, param := range params {
		if param.Name == "" {
			continue
		}
		prop := map[string]any{"type": param.Type}
		if param.Type == "" {
			prop["type"] = "string"
		}
		if param.Description != "" {
			prop["description"] = param.Description
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	root := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		root["required"] = required
	}
	return root
}
