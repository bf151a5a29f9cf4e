// Command taskforged is the unified entry point for TaskForge: it wires
// the project/task registries, the worktree manager, the AR runtime
// handle, the conversation manager, the event bus, the orchestrator,
// the HTTP/WS gateway, and the MCP tool surface into one process and
// runs them until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/ar/adapters/acp"
	"github.com/taskforge/taskforge/internal/ar/adapters/copilot"
	"github.com/taskforge/taskforge/internal/ar/adapters/native"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/gateway"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/mcpserver"
	"github.com/taskforge/taskforge/internal/orchestrator"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tracing"
	"github.com/taskforge/taskforge/internal/worktree"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting taskforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus, optionally mirrored to NATS.
	bus := eventbus.New(log)
	if cfg.Events.NATSURL != "" {
		mirror, closeMirror, err := eventbus.NewNATSMirror(cfg.Events, log)
		if err != nil {
			log.WithError(err).Warn("failed to connect NATS mirror, continuing without it")
		} else {
			bus.SetMirror(mirror)
			defer closeMirror()
			log.Info("connected NATS event mirror")
		}
	}

	// 4. Metadata store (worktrees + conversation sessions).
	metaStore, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata store")
	}
	defer metaStore.Close()

	// 5. Project/Task registries.
	projects := project.NewRegistry("./taskforge-projects.json", cfg.Projects.AllowedRootDirectories, log)
	tasks := task.NewRegistry("./taskforge-tasks.json", log)

	// 6. Worktree manager.
	worktreeBase := os.Getenv("TASKFORGE_WORKTREE_BASE")
	if worktreeBase == "" {
		worktreeBase = "./taskforge-worktrees"
	}
	worktrees, err := worktree.NewManager(worktreeBase, metaStore.Worktrees(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize worktree manager")
	}

	// 7. AR runtime handle: launcher + dialer selected by backend.
	launcher, dialer, err := buildARCollaborators(cfg.AR, log)
	if err != nil {
		log.WithError(err).Fatal("failed to configure AR backend")
	}
	runtime := ar.NewRuntime(cfg.AR, launcher, dialer, log)
	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start AR runtime")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := runtime.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("AR runtime stop error")
		}
	}()

	// 8. Conversation manager.
	conversations := conversation.NewManager(runtime, metaStore.Sessions(), log)

	// 9. Orchestrator.
	orch := orchestrator.New(orchestrator.Dependencies{
		Tasks:            tasks,
		Projects:         projects,
		Worktrees:        worktrees,
		Conversations:    conversations,
		Bus:              bus,
		Logger:           log,
		MaxConcurrent:    cfg.Tasks.MaxConcurrent,
		CleanupOnSuccess: worktree.CleanupPolicy(cfg.Tasks.CleanupOnSuccess),
		CleanupOnFailure: worktree.CleanupPolicy(cfg.Tasks.CleanupOnFailure),
	})

	// 10. HTTP/WS gateway.
	gw := gateway.NewServer(gateway.Dependencies{
		Orchestrator: orch,
		Tasks:        tasks,
		Projects:     projects,
		Bus:          bus,
		Logger:       log,
		Debug:        cfg.Logging.Level == "debug",
	})
	gwAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	gwServer := &http.Server{Addr: gwAddr, Handler: gw.Engine}
	go func() {
		log.WithFields(zap.String("addr", gwAddr)).Info("gateway listening")
		if err := gwServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gateway server failed")
		}
	}()

	// 11. MCP tool surface.
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		_, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Dependencies{
			Tasks: tasks, Projects: projects, Logger: log,
		})
		if err != nil {
			log.WithError(err).Warn("failed to start MCP server, continuing without it")
		} else {
			mcpCleanup = cleanup
			log.WithFields(zap.Int("port", cfg.MCP.Port)).Info("mcp server listening")
		}
	}

	// 12. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskforge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gwServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("gateway shutdown error")
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.WithError(err).Error("mcp server shutdown error")
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("tracing shutdown error")
	}

	log.Info("taskforge stopped")
}

// buildARCollaborators selects the Launcher/Dialer pair matching
// cfg.Backend. A nil Launcher means the AR is assumed to be already
// running externally (the runtime only ever dials it).
func buildARCollaborators(cfg config.ARConfig, log *logging.Logger) (ar.Launcher, ar.Dialer, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	var dialer ar.Dialer
	switch cfg.Backend {
	case "", "native":
		dialer = native.Dialer{Timeout: timeout, Logger: log}
	case "acp":
		dialer = acp.Dialer{Timeout: timeout, Logger: log}
	case "copilot":
		cliURL := os.Getenv("TASKFORGE_COPILOT_CLI_URL")
		dialer = copilot.Dialer{CLIURL: cliURL, Logger: log}
	default:
		return nil, nil, fmt.Errorf("unsupported ar backend %q", cfg.Backend)
	}

	if cfg.Docker.Enabled {
		image := os.Getenv("TASKFORGE_AR_DOCKER_IMAGE")
		if image == "" {
			image = "taskforge/ar:latest"
		}
		launcher, err := ar.NewDockerLauncher(cfg.Docker.Host, cfg.Docker.APIVersion, image, cfg.Hostname, cfg.Port, cfg.Docker.DefaultNetwork, log)
		if err != nil {
			return nil, nil, err
		}
		return launcher, dialer, nil
	}

	binaryPath := os.Getenv("TASKFORGE_AR_BINARY")
	if binaryPath == "" {
		// No binary configured: the AR is assumed to already be running
		// at cfg.Hostname:cfg.Port, so the runtime only dials it.
		return nil, dialer, nil
	}
	return ar.NewSubprocessLauncher(binaryPath, cfg.Hostname, cfg.Port, nil, log), dialer, nil
}
