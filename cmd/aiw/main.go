// aiw supervisor and MCP routing hub: serves the intelligent_route MCP
// surface over stdio and provides the wait/pwait coordinators.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aiw-dev/aiw/pkg/config"
	"github.com/aiw-dev/aiw/pkg/jsengine"
	"github.com/aiw-dev/aiw/pkg/mcppool"
	"github.com/aiw-dev/aiw/pkg/provider"
	"github.com/aiw-dev/aiw/pkg/registry"
	"github.com/aiw-dev/aiw/pkg/roles"
	"github.com/aiw-dev/aiw/pkg/routing"
	"github.com/aiw-dev/aiw/pkg/supervisor"
)

// Exit codes for the wait commands.
const (
	exitOK      = 0
	exitNoTasks = 1
	exitTimeout = 2
	exitError   = 3
)

func main() {
	// Best-effort developer env; the real configuration is ~/.aiw/ + env.
	_ = godotenv.Load()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			log.Fatalf("serve failed: %v", err)
		}
	case "wait":
		os.Exit(runWait())
	case "pwait":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: aiw pwait <supervisor-pid>")
			os.Exit(exitError)
		}
		os.Exit(runPWait(os.Args[2]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, wait, or pwait)\n", cmd)
		os.Exit(exitError)
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the MCP protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	manager, err := config.LoadMCPConfig()
	if err != nil {
		return err
	}

	pool, err := mcppool.NewFromConfig(ctx, manager)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	if failed := pool.FailedServers(); len(failed) > 0 {
		slog.Warn("some MCP servers failed to initialize", "failed", failed)
	}

	llmEnv, err := config.LoadLLMEnv()
	if err != nil {
		return err
	}
	engine, err := routing.NewEngineFromEnv(llmEnv)
	if err != nil {
		return err
	}

	jsPool, err := jsengine.NewPool(jsengine.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer jsPool.Close()

	serverRegistry := config.NewServerRegistry(manager.EnabledServers())
	health := mcppool.NewHealthMonitor(pool, serverRegistry.ServerIDs)
	health.Start(ctx)
	defer health.Stop()

	describer := routing.NewCapabilityDescriber(engine)
	describe := func() string {
		discovered, derr := pool.DiscoverTools(ctx)
		if derr != nil {
			slog.Warn("tool discovery failed", "error", derr)
		}
		return describer.Describe(ctx, discovered)
	}

	dynRegistry := routing.NewDynamicToolRegistry(nil)
	router := routing.NewRouter(pool, engine, dynRegistry, jsPool)
	router.SetHealthCheck(health.IsHealthy)

	taskRegistry, err := registry.NewShared()
	if err != nil {
		return err
	}

	providers, err := provider.Load()
	if err != nil {
		slog.Warn("provider config unavailable", "error", err)
	}
	roleManager, err := roles.NewManager()
	if err != nil {
		return err
	}

	sup, err := supervisor.New(taskRegistry, providers, roleManager)
	if err != nil {
		return err
	}

	// Background sweeper keeps the registry honest about dead children.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sup.Sweep(); err != nil {
					slog.Warn("sweep failed", "error", err)
				}
				dynRegistry.CleanupExpired()
			}
		}
	}()

	server := routing.NewServer(router, sup, describe)
	slog.Info("aiw MCP server starting", "servers", serverRegistry.ServerIDs())
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func runWait() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.NewShared()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		return exitError
	}

	report, err := supervisor.NewWaiter(reg).Wait(ctx, supervisor.WaitOptions{})
	return reportExit(report, err)
}

func runPWait(pidArg string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pid, err := strconv.Atoi(pidArg)
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "pwait: invalid pid %q\n", pidArg)
		return exitError
	}

	report, err := supervisor.PWait(ctx, int32(pid), supervisor.WaitOptions{})
	return reportExit(report, err)
}

func reportExit(report *supervisor.WaitReport, err error) int {
	if err != nil {
		if errors.Is(err, registry.ErrNoTasks) {
			fmt.Println("no tasks to wait for")
			return exitNoTasks
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}

	for _, completed := range report.Completed {
		result := ""
		if completed.Result != nil {
			result = *completed.Result
		}
		code := 0
		if completed.ExitCode != nil {
			code = *completed.ExitCode
		}
		fmt.Printf("task %d exited %d: %s\n", completed.PID, code, result)
	}

	if report.TimedOut {
		fmt.Fprintln(os.Stderr, "wait timed out with tasks still running")
		return exitTimeout
	}
	return exitOK
}
