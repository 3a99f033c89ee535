package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aiw-dev/aiw/pkg/mcppool"
)

// Tool categories inferred from names and descriptions. Closed set.
const (
	CategoryFileOperations = "file_operations"
	CategoryVersionControl = "version_control"
	CategoryDataStorage    = "data_storage"
	CategorySearch         = "search"
	CategoryWebAccess      = "web_access"
	CategoryGeneral        = "general"
)

// CapabilityDescriber produces the one-sentence summary of the downstream
// fleet used as intelligent_route's description. An LLM paraphrase is
// attempted when a backend is available; the template form is always an
// acceptable fallback.
type CapabilityDescriber struct {
	llm    ChatCompleter
	logger *slog.Logger
}

// ChatCompleter is the minimal LLM surface the describer and router need.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewCapabilityDescriber creates a describer. llm may be nil (template-only).
func NewCapabilityDescriber(llm ChatCompleter) *CapabilityDescriber {
	return &CapabilityDescriber{llm: llm, logger: slog.Default()}
}

// Describe renders the capability sentence for the discovered fleet.
func (d *CapabilityDescriber) Describe(ctx context.Context, tools []mcppool.DiscoveredTool) string {
	stats := analyzeTools(tools)

	if d.llm != nil {
		if sentence, err := d.describeWithLLM(ctx, stats); err == nil {
			return sentence
		} else {
			d.logger.Debug("LLM capability description failed, using template", "error", err)
		}
	}
	return stats.templateSentence()
}

type toolStats struct {
	serverNames []string
	toolCount   int
	categories  []string
}

func analyzeTools(tools []mcppool.DiscoveredTool) toolStats {
	serverSet := make(map[string]struct{})
	categorySet := make(map[string]struct{})

	for _, t := range tools {
		serverSet[t.Server] = struct{}{}
		categorySet[InferCategory(t.Tool.Name, t.Tool.Description)] = struct{}{}
	}

	servers := make([]string, 0, len(serverSet))
	for s := range serverSet {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	categories := make([]string, 0, len(categorySet))
	for c := range categorySet {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	return toolStats{
		serverNames: servers,
		toolCount:   len(tools),
		categories:  categories,
	}
}

// InferCategory assigns a coarse category from keywords in the tool name
// and description.
func InferCategory(name, description string) string {
	text := strings.ToLower(name) + " " + strings.ToLower(description)

	switch {
	case containsAny(text, "file", "read", "write", "directory"):
		return CategoryFileOperations
	case containsAny(text, "git", "commit", "branch"):
		return CategoryVersionControl
	case containsAny(text, "data", "store", "memory"):
		return CategoryDataStorage
	case containsAny(text, "search", "query", "find"):
		return CategorySearch
	case containsAny(text, "web", "http", "fetch"):
		return CategoryWebAccess
	default:
		return CategoryGeneral
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (s toolStats) templateSentence() string {
	serverPlural := ""
	if len(s.serverNames) > 1 {
		serverPlural = "s"
	}
	toolPlural := ""
	if s.toolCount > 1 {
		toolPlural = "s"
	}
	return fmt.Sprintf(
		"I can route your requests to %d downstream MCP server%s (%s) with %d total tool%s available. Supported categories: %s.",
		len(s.serverNames), serverPlural, strings.Join(s.serverNames, ", "),
		s.toolCount, toolPlural, strings.Join(s.categories, ", "))
}

func (d *CapabilityDescriber) describeWithLLM(ctx context.Context, stats toolStats) (string, error) {
	prompt := fmt.Sprintf(`Summarize the following MCP routing capabilities in 1-2 sentences.
- Number of downstream MCP servers: %d
- Server names: %s
- Total number of tools: %d
- Tool categories: %s

Start with "I can route your requests to...".`,
		len(stats.serverNames), strings.Join(stats.serverNames, ", "),
		stats.toolCount, strings.Join(stats.categories, ", "))

	sentence, err := d.llm.ChatCompletion(ctx,
		"You summarize MCP routing capabilities concisely.", prompt)
	if err != nil {
		return "", err
	}
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return "", fmt.Errorf("%w: empty description", ErrLLM)
	}
	return sentence, nil
}
