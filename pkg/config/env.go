package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Environment variables recognised by the routing core.
const (
	EnvOpenAIToken    = "OPENAI_TOKEN"
	EnvOpenAIEndpoint = "OPENAI_ENDPOINT"
	EnvOpenAIModel    = "OPENAI_MODEL"
	EnvCLIType        = "CLI_TYPE"

	// EnvProcessTreeFilter toggles process-tree filtering in wait mode.
	// Set to "0" or "false" to disable; enabled by default.
	EnvProcessTreeFilter = "AIW_PROCESS_TREE_FILTER"
)

// LLMEnv is the validated LLM backend selection from the environment.
type LLMEnv struct {
	Token    string
	Endpoint string
	Model    string
	CLIType  string
}

// HasToken reports whether the HTTP LLM backend is selected.
func (e *LLMEnv) HasToken() bool {
	return e.Token != ""
}

// LoadLLMEnv reads and validates the LLM-related environment variables.
// The token, when present, must start with "sk-"; the endpoint must be an
// http or https URL.
func LoadLLMEnv() (*LLMEnv, error) {
	env := &LLMEnv{
		Token:    os.Getenv(EnvOpenAIToken),
		Endpoint: os.Getenv(EnvOpenAIEndpoint),
		Model:    os.Getenv(EnvOpenAIModel),
		CLIType:  os.Getenv(EnvCLIType),
	}

	if env.Token != "" && !strings.HasPrefix(env.Token, "sk-") {
		return nil, NewValidationError("env", EnvOpenAIToken, "",
			fmt.Errorf("%w: token must start with 'sk-'", ErrInvalidValue))
	}

	if env.Endpoint != "" {
		u, err := url.Parse(env.Endpoint)
		if err != nil {
			return nil, NewValidationError("env", EnvOpenAIEndpoint, "",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, NewValidationError("env", EnvOpenAIEndpoint, "",
				fmt.Errorf("%w: endpoint must use http or https", ErrInvalidValue))
		}
	}

	return env, nil
}

// ProcessTreeFilterEnabled reports the wait-mode filtering feature flag.
func ProcessTreeFilterEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvProcessTreeFilter)) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}
