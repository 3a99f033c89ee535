package mcppool

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aiw-dev/aiw/pkg/config"
)

// createTransport creates an MCP SDK transport from a server config.
// A url selects streamable HTTP; otherwise the command is spawned over stdio.
func createTransport(cfg *config.MCPServerConfig) (mcpsdk.Transport, error) {
	if cfg.URL != "" {
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	}
	return createStdioTransport(cfg)
}

func createStdioTransport(cfg *config.MCPServerConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	// Inherit parent environment + config overrides.
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// extractResult converts an MCP CallToolResult into a plain Go value for
// routing and JS orchestration. Structured content wins; otherwise the
// concatenated text content is returned, parsed as JSON when it is JSON.
// A result flagged IsError becomes a downstream error carrying the text.
func extractResult(result *mcpsdk.CallToolResult) (any, error) {
	text := extractTextContent(result)
	if result.IsError {
		return nil, fmt.Errorf("tool returned error: %s", text)
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

// extractTextContent concatenates all TextContent items. Non-text content
// (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
