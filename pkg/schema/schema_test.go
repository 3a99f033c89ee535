package schema

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestValidateMinimalObjectSchema(t *testing.T) {
	schema := mustParse(t, `{
		"type": "object",
		"properties": {
			"path": { "type": "string" }
		},
		"required": ["path"]
	}`)

	result := Validate(schema)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
}

func TestValidateDetectsInvalidRootAndProperties(t *testing.T) {
	schema := mustParse(t, `{
		"type": "array",
		"properties": "invalid",
		"required": [1, 2]
	}`)

	result := Validate(schema)
	require.False(t, result.IsValid)

	joined := ""
	for _, e := range result.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "type=object")
	assert.Contains(t, joined, "properties")
	assert.Contains(t, joined, "required")
}

func TestValidateWarnsOnMissingTypeAndRequiredMismatch(t *testing.T) {
	schema := mustParse(t, `{
		"type": "object",
		"properties": {
			"repo": {}
		},
		"required": ["missing"]
	}`)

	result := Validate(schema)
	assert.True(t, result.IsValid)

	joined := ""
	for _, w := range result.Warnings {
		joined += w + "\n"
	}
	assert.Contains(t, joined, "missing type")
	assert.Contains(t, joined, "not present in properties")
}

func TestValidateRejectsUnsupportedPropertyType(t *testing.T) {
	schema := mustParse(t, `{
		"type": "object",
		"properties": {
			"f": { "type": "function" }
		}
	}`)

	result := Validate(schema)
	require.False(t, result.IsValid)
	assert.Contains(t, result.Errors[0], "unsupported type")
}

func TestValidateNonObjectRoot(t *testing.T) {
	result := Validate("invalid")
	require.False(t, result.IsValid)
	assert.Contains(t, result.Errors[0], "must be a JSON object")
}

func TestInferFieldsFromJS(t *testing.T) {
	code := `
		async function workflow(input) {
			await mcp.call("git", "clone", { url: input.repo_url, branch: input.branch });
			return input.repo_url;
		}
	`
	fields := InferFieldsFromJS(code)
	assert.Equal(t, []string{"branch", "repo_url"}, fields, "fields must be sorted and unique")
}

func TestCorrectInvalidSchemaUsingInferredFields(t *testing.T) {
	code := `
		async function workflow(input) {
			await mcp.call("fs", "read_file", { path: input.path });
			return input.path;
		}
	`
	result, err := Correct(code, "invalid")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Iterations)

	props, ok := result.Schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "path")

	validation := Validate(result.Schema)
	assert.True(t, validation.IsValid)
}

func TestCorrectSchemaSelfCorrectionScenario(t *testing.T) {
	// A JS body referencing repo_url and branch with an entirely invalid
	// schema corrects into the canonical inferred form.
	code := `
		async function workflow(input) {
			const clone = await mcp.call("git", "clone", { url: input.repo_url });
			await mcp.call("git", "checkout", { branch: input.branch });
			return clone;
		}
	`
	result, err := Correct(code, "invalid")
	require.NoError(t, err)

	props := result.Schema["properties"].(map[string]any)
	require.Contains(t, props, "repo_url")
	require.Contains(t, props, "branch")
	assert.Equal(t, "string", props["repo_url"].(map[string]any)["type"])

	required := result.Schema["required"].([]any)
	assert.Equal(t, []any{"branch", "repo_url"}, required, "alphabetical order")

	foundInferredNote := false
	for _, fix := range result.AppliedFixes {
		if strings.Contains(fix, "workflow usage") {
			foundInferredNote = true
		}
	}
	assert.True(t, foundInferredNote, "applied fixes: %v", result.AppliedFixes)

	assert.True(t, Validate(result.Schema).IsValid)
}

func TestCorrectValidSchemaPassesThrough(t *testing.T) {
	schema := mustParse(t, `{
		"type": "object",
		"properties": { "x": { "type": "string" } },
		"required": ["x"]
	}`)

	result, err := Correct("async function workflow() {}", schema)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iterations)
	assert.Empty(t, result.AppliedFixes)
}

func TestCorrectNoInferredFieldsStillValid(t *testing.T) {
	result, err := Correct("async function workflow() { return true; }", nil)
	require.NoError(t, err)
	assert.True(t, Validate(result.Schema).IsValid)
	assert.Equal(t, "object", result.Schema["type"])
}

// stubCompleter replays canned LLM responses.
type stubCompleter struct {
	responses []string
	calls     int
	err       error
}

func (s *stubCompleter) ChatCompletion(_ context.Context, _, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", errors.New("no more responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func TestIterativeFixerStaticPathOnly(t *testing.T) {
	fixer := NewIterativeFixer(nil)

	code := `async function workflow(input) { return input.key; }`
	schema, err := fixer.Fix(context.Background(), "tool", "desc", code, "garbage")
	require.NoError(t, err)

	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "key")
}

func TestIterativeFixerLLMFailureFallsBackToStatic(t *testing.T) {
	fixer := NewIterativeFixer(&stubCompleter{err: errors.New("backend down")})

	code := `async function workflow(input) { return input.name; }`
	schema, err := fixer.Fix(context.Background(), "tool", "desc", code, "broken")
	require.NoError(t, err)
	assert.Contains(t, schema["properties"].(map[string]any), "name")
}

func TestExtractJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSONBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, ExtractJSONBlock("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, ExtractJSONBlock(`{"a":1}`))
}

func TestBuildCorrectionPromptIncludesContext(t *testing.T) {
	prompt := BuildCorrectionPrompt("sync_repo", "Sync a repo", "async function workflow(input) {}",
		map[string]any{"type": "array"}, []string{"Schema root must be type=object, found 'array'"})

	assert.Contains(t, prompt, "sync_repo")
	assert.Contains(t, prompt, "Sync a repo")
	assert.Contains(t, prompt, "async function workflow")
	assert.Contains(t, prompt, "type=object")
}
