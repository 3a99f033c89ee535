package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// maxLLMIterations bounds the LLM correction loop.
const maxLLMIterations = 3

// inputFieldPattern extracts `input.<identifier>` accesses from workflow
// code; the unique identifiers seed inferred schema fields.
var inputFieldPattern = regexp.MustCompile(`input\.([A-Za-z_][A-Za-z0-9_]*)`)

// CorrectionResult carries the corrected schema and what was done to it.
type CorrectionResult struct {
	Schema       map[string]any
	Iterations   int
	AppliedFixes []string
	Warnings     []string
}

// Correct validates and, when needed, repairs a schema using hints from the
// workflow JS code. The pipeline: normalise the root, merge fields inferred
// from the code, validate; on failure rebuild purely from inferred fields.
func Correct(jsCode string, schema any) (*CorrectionResult, error) {
	initial := Validate(schema)
	if initial.IsValid {
		root, _ := schema.(map[string]any)
		return &CorrectionResult{
			Schema:     root,
			Iterations: 1,
			Warnings:   initial.Warnings,
		}, nil
	}

	var appliedFixes []string
	candidate := normalizeRoot(schema, &appliedFixes)
	inferred := InferFieldsFromJS(jsCode)
	mergeInferredFields(candidate, inferred, &appliedFixes)

	second := Validate(candidate)
	if second.IsValid {
		return &CorrectionResult{
			Schema:       candidate,
			Iterations:   2,
			AppliedFixes: appliedFixes,
			Warnings:     second.Warnings,
		}, nil
	}

	// Final fallback: rebuild purely from inferred fields.
	fallback := buildFallbackSchema(inferred)
	final := Validate(fallback)
	if final.IsValid {
		return &CorrectionResult{
			Schema:       fallback,
			Iterations:   3,
			AppliedFixes: appliedFixes,
			Warnings:     final.Warnings,
		}, nil
	}

	return nil, fmt.Errorf("schema validation failed after correction attempts: %s",
		strings.Join(final.Errors, "; "))
}

// normalizeRoot coerces the schema root into a well-formed object skeleton.
func normalizeRoot(schema any, appliedFixes *[]string) map[string]any {
	root, ok := schema.(map[string]any)
	if !ok {
		*appliedFixes = append(*appliedFixes, "Reset schema root to object because previous root was invalid")
		root = map[string]any{}
	}

	if kind, _ := root["type"].(string); kind != "object" {
		*appliedFixes = append(*appliedFixes, "Enforced root type to 'object'")
		root["type"] = "object"
	}

	if _, ok := root["properties"].(map[string]any); !ok {
		if _, present := root["properties"]; present {
			*appliedFixes = append(*appliedFixes, "Rebuilt 'properties' as an object map")
		} else {
			*appliedFixes = append(*appliedFixes, "Added empty 'properties' to schema")
		}
		root["properties"] = map[string]any{}
	}

	if _, ok := root["required"].([]any); !ok {
		root["required"] = []any{}
	}

	return root
}

// InferFieldsFromJS extracts the unique input field names referenced by the
// workflow code, sorted for determinism.
func InferFieldsFromJS(code string) []string {
	set := make(map[string]struct{})
	for _, match := range inputFieldPattern.FindAllStringSubmatch(code, -1) {
		set[match[1]] = struct{}{}
	}
	fields := make([]string, 0, len(set))
	for field := range set {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// mergeInferredFields adds inferred fields as string properties and aligns
// the required list with workflow usage.
func mergeInferredFields(root map[string]any, fields []string, appliedFixes *[]string) {
	properties, ok := root["properties"].(map[string]any)
	if !ok {
		properties = map[string]any{}
		root["properties"] = properties
	}

	var required []any
	for _, field := range fields {
		entry, exists := properties[field].(map[string]any)
		if !exists {
			entry = map[string]any{
				"type":        "string",
				"description": "Inferred from workflow code: input." + field,
			}
			properties[field] = entry
		}
		if _, hasType := entry["type"]; !hasType {
			entry["type"] = "string"
		}
		required = append(required, field)
	}

	if len(required) > 0 {
		*appliedFixes = append(*appliedFixes,
			"Aligned 'required' fields with workflow usage: "+strings.Join(fields, ", "))
		root["required"] = required
	}
}

// buildFallbackSchema rebuilds a minimal valid schema from inferred fields.
func buildFallbackSchema(fields []string) map[string]any {
	properties := map[string]any{}
	required := make([]any, 0, len(fields))
	for _, field := range fields {
		properties[field] = map[string]any{
			"type":        "string",
			"description": "Auto-generated for " + field,
		}
		required = append(required, field)
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ChatCompleter is the LLM surface the iterative fixer needs: one
// system+user prompt in, one string out.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// IterativeFixer repairs schemas with static correction plus a bounded LLM
// rewrite loop.
type IterativeFixer struct {
	llm    ChatCompleter
	logger *slog.Logger
}

// NewIterativeFixer creates a fixer. llm may be nil; the fixer then relies
// on static correction only.
func NewIterativeFixer(llm ChatCompleter) *IterativeFixer {
	return &IterativeFixer{llm: llm, logger: slog.Default()}
}

// Fix runs the correction loop:
//  1. static correct → validate; done when valid
//  2. otherwise ask the LLM to rewrite the schema given the JS body and the
//     validator's errors, then re-enter static correction
//  3. bounded to maxLLMIterations rounds; the last validator errors
//     surface on total failure
//
// LLM failures are logged and the loop continues with the static result —
// the static fallback must stay reachable without a backend.
func (f *IterativeFixer) Fix(ctx context.Context, toolName, description, jsCode string, initial any) (map[string]any, error) {
	current := initial

	for iteration := 0; iteration < maxLLMIterations; iteration++ {
		corrected, err := Correct(jsCode, current)
		if err == nil {
			validation := Validate(corrected.Schema)
			if validation.IsValid {
				if len(validation.Warnings) > 0 {
					f.logger.Debug("schema warnings after correction", "warnings", validation.Warnings)
				}
				return corrected.Schema, nil
			}
			current = corrected.Schema
		}

		if f.llm == nil {
			break
		}

		rewritten, llmErr := f.llmCorrect(ctx, toolName, description, jsCode, current)
		if llmErr != nil {
			f.logger.Warn("LLM schema correction failed, continuing with static result", "error", llmErr)
			continue
		}
		current = rewritten
	}

	validation := Validate(current)
	if validation.IsValid {
		root, _ := current.(map[string]any)
		return root, nil
	}
	return nil, fmt.Errorf("failed to fix schema after %d iterations, last errors: %s",
		maxLLMIterations, strings.Join(validation.Errors, "; "))
}

func (f *IterativeFixer) llmCorrect(ctx context.Context, toolName, description, jsCode string, current any) (any, error) {
	validation := Validate(current)
	prompt := BuildCorrectionPrompt(toolName, description, jsCode, current, validation.Errors)

	response, err := f.llm.ChatCompletion(ctx,
		"You are a JSON schema corrector. Return ONLY the corrected JSON schema.",
		prompt)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(ExtractJSONBlock(response)), &parsed); err != nil {
		return nil, fmt.Errorf("LLM returned invalid JSON schema: %w", err)
	}
	return parsed, nil
}

// BuildCorrectionPrompt renders the schema-correction prompt including the
// workflow code, the current (invalid) schema, and the validator errors.
func BuildCorrectionPrompt(toolName, description, jsCode string, schema any, errors []string) string {
	var b strings.Builder
	b.WriteString("The following workflow input schema failed validation.\n\n")
	b.WriteString("Workflow JavaScript:\n```javascript\n")
	b.WriteString(jsCode)
	b.WriteString("\n```\n\nCurrent schema:\n")
	if data, err := json.MarshalIndent(schema, "", "  "); err == nil {
		b.Write(data)
	} else {
		fmt.Fprintf(&b, "%v", schema)
	}
	b.WriteString("\n")

	if toolName != "" || description != "" {
		b.WriteString("\nWorkflow context:\n")
		if toolName != "" {
			b.WriteString("Name: " + toolName + "\n")
		}
		if description != "" {
			b.WriteString("Description: " + description + "\n")
		}
	}

	if len(errors) > 0 {
		b.WriteString("\nValidation errors:\n")
		for _, e := range errors {
			b.WriteString("- " + e + "\n")
		}
	}

	b.WriteString("\nReturn a corrected JSON schema with type=object, a properties map, and a required array.")
	return b.String()
}

// ExtractJSONBlock strips a fenced code block wrapper from an LLM response,
// returning the inner JSON (or the input unchanged).
func ExtractJSONBlock(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
