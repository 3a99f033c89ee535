package mcppool

import (
	"fmt"
	"regexp"
)

// toolRefRegex validates the "server::tool" reference format used by
// workflow plan steps. Both parts must start with a word character and
// contain only word characters and hyphens.
var toolRefRegex = regexp.MustCompile(`^([\w][\w-]*)::([\w][\w-]*)$`)

// SplitToolRef splits "server::tool" into its parts, validating the format.
func SplitToolRef(ref string) (server, tool string, err error) {
	matches := toolRefRegex.FindStringSubmatch(ref)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool reference %q: must be in 'server::tool' format "+
				"(e.g., 'filesystem::read_file')", ref)
	}
	return matches[1], matches[2], nil
}
