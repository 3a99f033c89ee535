// Package supervisor launches AI CLI child processes, registers them in a
// task registry, and coordinates cross-process waits on their completion.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiw-dev/aiw/pkg/config"
	"github.com/aiw-dev/aiw/pkg/proctree"
	"github.com/aiw-dev/aiw/pkg/provider"
	"github.com/aiw-dev/aiw/pkg/registry"
	"github.com/aiw-dev/aiw/pkg/roles"
	"github.com/aiw-dev/aiw/pkg/task"
)

// resultTailLines bounds the synthesised result string taken from the log.
const resultTailLines = 10

// ErrUnknownAIType indicates an AI CLI kind outside the supported set.
var ErrUnknownAIType = errors.New("unknown AI CLI type")

// AIType identifies a launchable AI CLI.
type AIType string

const (
	AITypeClaude AIType = "claude"
	AITypeCodex  AIType = "codex"
	AITypeGemini AIType = "gemini"
)

// Binary returns the CLI executable name.
func (t AIType) Binary() (string, error) {
	switch t {
	case AITypeClaude, AITypeCodex, AITypeGemini:
		return string(t), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAIType, string(t))
	}
}

// StartParams describes one task launch.
type StartParams struct {
	AIType   AIType
	Task     string
	Provider string
	Role     string
	Cwd      string
	CLIArgs  []string
	Worktree string
	// WithProcessTree attaches the caller's tree info to the record.
	// CLI-initiated launches set it; MCP-initiated in-process launches
	// leave it false.
	WithProcessTree bool
}

// Launch is the result of a successful StartTask.
type Launch struct {
	PID    int32
	TaskID task.ID
}

// Supervisor spawns and tracks AI CLI child processes.
type Supervisor struct {
	registry  *registry.Registry
	oracle    *proctree.Oracle
	providers *provider.Store
	roles     *roles.Manager
	logDir    string
	logger    *slog.Logger
}

// New wires a supervisor over a registry. providers and roleManager may be
// nil; the corresponding lookups then fail with NotFound.
func New(reg *registry.Registry, providers *provider.Store, roleManager *roles.Manager) (*Supervisor, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		registry:  reg,
		oracle:    proctree.New(),
		providers: providers,
		roles:     roleManager,
		logDir:    filepath.Join(dir, "logs"),
		logger:    slog.Default(),
	}, nil
}

// SetLogDir overrides the log directory (tests).
func (s *Supervisor) SetLogDir(dir string) {
	s.logDir = dir
}

// Registry exposes the underlying registry.
func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// StartTask launches one AI CLI child with its output captured to a log
// file, registers the Running record, and returns the child PID and task id.
func (s *Supervisor) StartTask(ctx context.Context, params StartParams) (*Launch, error) {
	binary, err := params.AIType.Binary()
	if err != nil {
		return nil, err
	}

	// Provider env vars layer over the process env.
	env := os.Environ()
	if params.Provider != "" {
		if s.providers == nil {
			return nil, fmt.Errorf("%w: %s", config.ErrProviderNotFound, params.Provider)
		}
		prov, err := s.providers.Get(params.Provider)
		if err != nil {
			return nil, err
		}
		for k, v := range prov.Env {
			env = append(env, k+"="+v)
		}
	}

	// Role content is prepended to the task text.
	taskText := params.Task
	if params.Role != "" {
		if s.roles == nil {
			return nil, fmt.Errorf("%w: %s", roles.ErrRoleNotFound, params.Role)
		}
		role, err := s.roles.Load(params.Role)
		if err != nil {
			return nil, err
		}
		taskText = role.Content + "\n\n" + taskText
	}

	logID := uuid.NewString()[:8]
	logPath := filepath.Join(s.logDir, logID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, config.NewLoadError(logPath, fmt.Errorf("create log directory: %w", err))
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, config.NewLoadError(logPath, err)
	}

	args := append([]string{}, params.CLIArgs...)
	args = append(args, taskText)

	// Deliberately not CommandContext: the task is a background child that
	// must outlive the request that started it.
	cmd := exec.Command(binary, args...)
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	} else if params.Worktree != "" {
		cmd.Dir = params.Worktree
	}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("spawn %s: %w", binary, err)
	}
	pid := int32(cmd.Process.Pid)

	manager := int32(os.Getpid())
	rec := task.NewRecord(time.Now().UTC(), logID, logPath, &manager)
	if params.WithProcessTree {
		if tree, terr := s.oracle.Current(); terr == nil {
			rec = rec.WithProcessTree(tree)
		} else {
			s.logger.Warn("process tree unavailable for launch", "error", terr)
		}
	}

	if err := s.registry.Register(pid, rec); err != nil {
		// Orphan avoidance: a task we cannot track must not keep running.
		s.logger.Error("task registration failed, terminating child", "pid", pid, "error", err)
		_ = cmd.Process.Kill()
		_ = logFile.Close()
		return nil, err
	}

	taskID := task.NewID()
	s.logger.Info("task started", "pid", pid, "task_id", taskID, "ai_type", params.AIType, "log", logPath)

	// Reap the child and record its exit. The log file stays open until
	// the process exits.
	go func() {
		defer func() { _ = logFile.Close() }()
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		s.CompleteExited(pid, exitCode)
	}()

	return &Launch{PID: pid, TaskID: taskID}, nil
}

// CompleteExited marks a task completed with a short result synthesised
// from the tail of its log.
func (s *Supervisor) CompleteExited(pid int32, exitCode int) {
	entries, err := s.registry.Entries()
	if err != nil {
		s.logger.Warn("completion lookup failed", "pid", pid, "error", err)
		return
	}

	result := fmt.Sprintf("exited with code %d", exitCode)
	for _, e := range entries {
		if e.PID != pid {
			continue
		}
		if tail, terr := TailLog(e.Record.LogPath, resultTailLines); terr == nil && tail != "" {
			result = tail
		}
		break
	}

	if err := s.registry.MarkCompleted(pid, &result, &exitCode, time.Now().UTC()); err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("mark completed failed", "pid", pid, "error", err)
		}
	}
}

// TaskInfo is a listing row.
type TaskInfo struct {
	PID       int32
	LogID     string
	LogPath   string
	Status    task.Status
	CreatedAt time.Time
}

// ListTasks snapshots the registry.
func (s *Supervisor) ListTasks() ([]TaskInfo, error) {
	entries, err := s.registry.Entries()
	if err != nil {
		return nil, err
	}
	infos := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, TaskInfo{
			PID:       e.PID,
			LogID:     e.Record.LogID,
			LogPath:   e.Record.LogPath,
			Status:    e.Record.Status,
			CreatedAt: e.Record.CreatedAt,
		})
	}
	return infos, nil
}

// ManageAction selects a task management operation.
type ManageAction string

const (
	ActionStop ManageAction = "stop"
	ActionLogs ManageAction = "logs"
)

// ManageResult carries the outcome of a management operation.
type ManageResult struct {
	Success    bool
	LogContent string
}

// ManageTask stops a task or reads its log.
func (s *Supervisor) ManageTask(pid int32, action ManageAction, tailLines int) (*ManageResult, error) {
	entries, err := s.registry.Entries()
	if err != nil {
		return nil, err
	}
	var rec *task.Record
	for i := range entries {
		if entries[i].PID == pid {
			rec = &entries[i].Record
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: pid %d", registry.ErrNotFound, pid)
	}

	switch action {
	case ActionStop:
		if err := s.oracle.Terminate(pid); err != nil {
			s.logger.Warn("terminate failed", "pid", pid, "error", err)
		}
		result := "stopped by manage_task"
		code := -1
		if err := s.registry.MarkCompleted(pid, &result, &code, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &ManageResult{Success: true}, nil

	case ActionLogs:
		content, err := TailLog(rec.LogPath, tailLines)
		if err != nil {
			return nil, err
		}
		return &ManageResult{Success: true, LogContent: content}, nil

	default:
		return nil, fmt.Errorf("unknown manage action %q", action)
	}
}

// Sweep reconciles registry status against OS process liveness.
func (s *Supervisor) Sweep() ([]registry.CleanupEvent, error) {
	return s.registry.SweepStale(time.Now().UTC(), s.oracle.IsAlive, s.oracle.Terminate)
}

// TailLog returns the last n lines of a log file, or the whole file when
// n <= 0.
func TailLog(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read log %s: %w", path, err)
	}
	content := strings.TrimRight(string(data), "\n")
	if n <= 0 || content == "" {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) <= n {
		return content, nil
	}
	return strings.Join(lines[len(lines)-n:], "\n"), nil
}
