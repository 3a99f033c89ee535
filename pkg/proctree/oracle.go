// Package proctree resolves process ancestry chains, detects AI-CLI root
// processes, and wraps liveness/termination primitives.
package proctree

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/aiw-dev/aiw/pkg/task"
)

// maxChainDepth caps ancestry walks. PID reuse can stitch loops into the
// process table; a hard cap keeps the walk bounded.
const maxChainDepth = 50

// aiCLIMatchers is the closed set of AI-CLI kinds recognised along a chain.
// Matched against process names and command lines, nearest-first.
var aiCLIMatchers = []string{"claude", "codex", "gemini"}

// Oracle resolves process ancestry. Stateless; methods are safe for
// concurrent use.
type Oracle struct {
	logger *slog.Logger
}

// New creates an oracle.
func New() *Oracle {
	return &Oracle{logger: slog.Default()}
}

// Current builds the chain starting at the current process.
func (o *Oracle) Current() (*task.ProcessTreeInfo, error) {
	return o.ForPID(int32(os.Getpid()))
}

// ForPID builds the chain starting at an arbitrary PID. Fails when the PID
// is not introspectable.
func (o *Oracle) ForPID(pid int32) (*task.ProcessTreeInfo, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("pid %d not introspectable: %w", pid, err)
	}

	chain := []int32{pid}
	seen := map[int32]struct{}{pid: {}}
	var cli *task.AICLIProcessInfo

	cur := proc
	for len(chain) < maxChainDepth {
		if cli == nil {
			cli = o.detectAICLI(cur)
		}

		ppid, err := cur.Ppid()
		if err != nil || ppid <= 0 {
			break
		}
		if _, looped := seen[ppid]; looped {
			break // PID reuse loop
		}
		parent, err := process.NewProcess(ppid)
		if err != nil {
			break
		}
		chain = append(chain, ppid)
		seen[ppid] = struct{}{}
		cur = parent
	}

	info := task.NewProcessTreeInfo(chain).WithAICLIProcess(cli)
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// detectAICLI checks one process against the matcher set. Returns nil when
// the process is not an AI CLI.
func (o *Oracle) detectAICLI(p *process.Process) *task.AICLIProcessInfo {
	name, err := p.Name()
	if err != nil {
		return nil
	}
	cmdline, _ := p.Cmdline()

	lowerName := strings.ToLower(name)
	lowerCmd := strings.ToLower(cmdline)

	for _, kind := range aiCLIMatchers {
		direct := strings.Contains(lowerName, kind)
		// npm-wrapped CLIs run as "node .../claude"; match the cmdline
		// only when the process itself is a node interpreter.
		npmWrapped := !direct && strings.HasPrefix(lowerName, "node") && strings.Contains(lowerCmd, kind)
		if !direct && !npmWrapped {
			continue
		}

		cli := task.NewAICLIProcessInfo(p.Pid, kind)
		cli.ProcessName = name
		cli.CommandLine = cmdline
		cli.IsNpmPackage = npmWrapped
		if exe, err := p.Exe(); err == nil {
			cli.ExecutablePath = exe
		}
		return cli
	}
	return nil
}

// IsAlive reports process liveness. Not required to be immediate — the
// sweeper tolerates lag.
func (o *Oracle) IsAlive(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err != nil {
		o.logger.Debug("liveness probe failed", "pid", pid, "error", err)
		return false
	}
	return exists
}

// Terminate asks the OS to stop the process.
func (o *Oracle) Terminate(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}
