package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessTreeInfo captures the ancestry chain of a task's launcher together
// with AI-CLI root detection metadata.
type ProcessTreeInfo struct {
	// ProcessChain is ordered [current, parent, grandparent, ..., root].
	ProcessChain []int32 `json:"process_chain"`
	// RootParentPID is the AI-CLI root when detected, otherwise the
	// outermost ancestor in the chain.
	RootParentPID *int32 `json:"root_parent_pid,omitempty"`
	// Depth equals len(ProcessChain).
	Depth int `json:"depth"`
	// HasAICLIRoot reports whether an AI CLI was found along the chain.
	HasAICLIRoot bool `json:"has_ai_cli_root"`
	// AICLIType is the CLI kind tag (claude/codex/gemini/...) when detected.
	AICLIType string `json:"ai_cli_type,omitempty"`
	// AICLIProcess describes the detected AI CLI process.
	AICLIProcess *AICLIProcessInfo `json:"ai_cli_process,omitempty"`
}

// processTreeInfoJSON mirrors ProcessTreeInfo for decoding. Older writers
// stored the depth under "process_tree_depth"; both spellings are accepted.
type processTreeInfoJSON struct {
	ProcessChain  []int32           `json:"process_chain"`
	RootParentPID *int32            `json:"root_parent_pid,omitempty"`
	Depth         *int              `json:"depth,omitempty"`
	LegacyDepth   *int              `json:"process_tree_depth,omitempty"`
	HasAICLIRoot  bool              `json:"has_ai_cli_root"`
	AICLIType     string            `json:"ai_cli_type,omitempty"`
	AICLIProcess  *AICLIProcessInfo `json:"ai_cli_process,omitempty"`
}

// UnmarshalJSON accepts both the modern "depth" and the legacy
// "process_tree_depth" field names.
func (p *ProcessTreeInfo) UnmarshalJSON(data []byte) error {
	var raw processTreeInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ProcessChain = raw.ProcessChain
	p.RootParentPID = raw.RootParentPID
	p.HasAICLIRoot = raw.HasAICLIRoot
	p.AICLIType = raw.AICLIType
	p.AICLIProcess = raw.AICLIProcess
	switch {
	case raw.Depth != nil:
		p.Depth = *raw.Depth
	case raw.LegacyDepth != nil:
		p.Depth = *raw.LegacyDepth
	default:
		p.Depth = len(raw.ProcessChain)
	}
	return nil
}

// NewProcessTreeInfo builds tree info from an ancestry chain.
func NewProcessTreeInfo(chain []int32) *ProcessTreeInfo {
	info := &ProcessTreeInfo{
		ProcessChain: chain,
		Depth:        len(chain),
	}
	if len(chain) > 0 {
		root := chain[len(chain)-1]
		info.RootParentPID = &root
	}
	return info
}

// WithAICLIProcess attaches AI-CLI root metadata. A nil argument is a no-op.
func (p *ProcessTreeInfo) WithAICLIProcess(cli *AICLIProcessInfo) *ProcessTreeInfo {
	if cli == nil {
		return p
	}
	pid := cli.PID
	p.RootParentPID = &pid
	p.AICLIType = cli.AIType
	p.HasAICLIRoot = true
	p.AICLIProcess = cli
	return p
}

// RootPID returns the effective root: the AI-CLI process when detected,
// otherwise the outermost chain ancestor.
func (p *ProcessTreeInfo) RootPID() *int32 {
	if p.HasAICLIRoot && p.AICLIProcess != nil {
		pid := p.AICLIProcess.PID
		return &pid
	}
	return p.RootParentPID
}

// ContainsProcess reports whether pid appears in the chain.
func (p *ProcessTreeInfo) ContainsProcess(pid int32) bool {
	for _, c := range p.ProcessChain {
		if c == pid {
			return true
		}
	}
	return false
}

// ChainToAICLIRoot returns the sub-chain from the current process up to and
// including the AI-CLI root, or the whole chain when no root is resolvable.
func (p *ProcessTreeInfo) ChainToAICLIRoot() []int32 {
	root := p.RootPID()
	if root == nil {
		return p.ProcessChain
	}
	for i, pid := range p.ProcessChain {
		if pid == *root {
			return p.ProcessChain[:i+1]
		}
	}
	return p.ProcessChain
}

// Validate enforces the tree invariants: non-empty chain, depth matching the
// chain length, no duplicate PIDs, and complete AI-CLI metadata when the
// root flag is set.
func (p *ProcessTreeInfo) Validate() error {
	if len(p.ProcessChain) == 0 {
		return fmt.Errorf("process_tree.process_chain: chain cannot be empty")
	}
	if p.Depth != len(p.ProcessChain) {
		return fmt.Errorf("process_tree.depth: depth (%d) must equal chain length (%d)",
			p.Depth, len(p.ProcessChain))
	}
	seen := make(map[int32]struct{}, len(p.ProcessChain))
	for _, pid := range p.ProcessChain {
		if _, dup := seen[pid]; dup {
			return fmt.Errorf("process_tree.process_chain: duplicate pid %d", pid)
		}
		seen[pid] = struct{}{}
	}
	if p.HasAICLIRoot {
		if p.AICLIType == "" {
			return fmt.Errorf("process_tree.ai_cli_type: required when has_ai_cli_root=true")
		}
		if p.AICLIProcess == nil {
			return fmt.Errorf("process_tree.ai_cli_process: required when has_ai_cli_root=true")
		}
	}
	return nil
}

// AICLIProcessInfo describes a detected AI CLI process along the chain.
type AICLIProcessInfo struct {
	PID            int32     `json:"pid"`
	AIType         string    `json:"ai_type"`
	ProcessName    string    `json:"process_name,omitempty"`
	CommandLine    string    `json:"command_line,omitempty"`
	IsNpmPackage   bool      `json:"is_npm_package"`
	DetectedAt     time.Time `json:"detected_at"`
	ExecutablePath string    `json:"executable_path,omitempty"`
}

// NewAICLIProcessInfo creates CLI process info with the detection timestamp.
func NewAICLIProcessInfo(pid int32, aiType string) *AICLIProcessInfo {
	return &AICLIProcessInfo{
		PID:        pid,
		AIType:     aiType,
		DetectedAt: time.Now().UTC(),
	}
}

// Description renders a short human-readable summary of the process.
func (a *AICLIProcessInfo) Description() string {
	desc := fmt.Sprintf("%s (pid %d)", a.AIType, a.PID)
	if a.ProcessName != "" {
		desc += " via " + a.ProcessName
	}
	if a.IsNpmPackage {
		desc += " [npm]"
	}
	return desc
}

// Validate checks the process info is complete enough to act on.
func (a *AICLIProcessInfo) Validate() error {
	if a.PID == 0 {
		return fmt.Errorf("ai_cli_process.pid: pid must be non-zero")
	}
	if a.AIType == "" {
		return fmt.Errorf("ai_cli_process.ai_type: cannot be empty")
	}
	if a.ProcessName == "" {
		return fmt.Errorf("ai_cli_process.process_name: cannot be empty")
	}
	return nil
}
