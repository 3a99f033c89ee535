package mcppool

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiw-dev/aiw/pkg/config"
)

func TestCreateTransportSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.MCPServerConfig
		want string // "http", "stdio", or "error"
	}{
		{
			name: "url selects streamable http",
			cfg:  &config.MCPServerConfig{URL: "https://mcp.example.com/stream"},
			want: "http",
		},
		{
			name: "command selects stdio",
			cfg:  &config.MCPServerConfig{Command: "mcp-fs", Args: []string{"--root", "/tmp"}},
			want: "stdio",
		},
		{
			name: "url wins when both are set",
			cfg:  &config.MCPServerConfig{URL: "http://localhost:9000", Command: "mcp-fs"},
			want: "http",
		},
		{
			name: "neither is an error",
			cfg:  &config.MCPServerConfig{},
			want: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := createTransport(tt.cfg)
			switch tt.want {
			case "error":
				require.Error(t, err)
			case "http":
				require.NoError(t, err)
				httpTransport, ok := transport.(*mcpsdk.StreamableClientTransport)
				require.True(t, ok, "expected streamable HTTP transport, got %T", transport)
				assert.Equal(t, tt.cfg.URL, httpTransport.Endpoint)
			case "stdio":
				require.NoError(t, err)
				_, ok := transport.(*mcpsdk.CommandTransport)
				require.True(t, ok, "expected command transport, got %T", transport)
			}
		})
	}
}

func TestCreateStdioTransportCommandLine(t *testing.T) {
	cfg := &config.MCPServerConfig{
		Command: "mcp-fs",
		Args:    []string{"--root", "/tmp"},
	}

	transport, err := createStdioTransport(cfg)
	require.NoError(t, err)

	cmd := transport.Command
	require.NotNil(t, cmd)
	assert.Contains(t, cmd.Path, "mcp-fs")
	assert.Equal(t, []string{"mcp-fs", "--root", "/tmp"}, cmd.Args)
}

func TestCreateStdioTransportEnvMerge(t *testing.T) {
	t.Setenv("AIW_TRANSPORT_TEST_PARENT", "inherited")

	cfg := &config.MCPServerConfig{
		Command: "mcp-fs",
		Env:     map[string]string{"FS_MODE": "ro"},
	}

	transport, err := createStdioTransport(cfg)
	require.NoError(t, err)

	env := transport.Command.Env
	assert.Contains(t, env, "FS_MODE=ro", "config overrides are appended")
	assert.Contains(t, env, "AIW_TRANSPORT_TEST_PARENT=inherited", "parent environment is inherited")
}

func TestCreateStdioTransportRequiresCommand(t *testing.T) {
	_, err := createStdioTransport(&config.MCPServerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires command")
}
