// Cogentd is the agent daemon: it binds one agent to the NATS broker,
// runs the project orchestrator over the workspace, and optionally
// serves the WebSocket client gateway.
//
// Configuration is loaded from a YAML file overridden by environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	cogentd
//
//	# Configure via file and environment
//	cogentd -config /etc/cogentd.yaml
//	NATS_URL=nats://broker:4222 AGENT_ID=agent-007 cogentd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/internal/config"
	"github.com/fyrsmithlabs/cogentd/internal/logging"
	"github.com/fyrsmithlabs/cogentd/pkg/codehost"
	"github.com/fyrsmithlabs/cogentd/pkg/gateway"
	"github.com/fyrsmithlabs/cogentd/pkg/git"
	"github.com/fyrsmithlabs/cogentd/pkg/orchestrator"
	"github.com/fyrsmithlabs/cogentd/pkg/testrunner"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  cogentd           Start the agent daemon\n")
			fmt.Fprintf(os.Stderr, "  cogentd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("cogentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires and starts every subsystem, then blocks until the context
// is cancelled or a shutdown broadcast arrives:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Connect the agent transport (broker, stream, KV)
//  4. Start the orchestrator over the workspace
//  5. Start the WebSocket gateway when enabled
//  6. Graceful shutdown in reverse order
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting cogentd",
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("workspace", cfg.Agent.WorkspaceDir),
		zap.String("nats_url", cfg.NATS.URL))

	// Agent transport: command surface plus event stream.
	executor := transport.EchoExecutor{}
	tr := transport.New(transport.Options{
		AgentID:       cfg.Agent.ID,
		URL:           cfg.NATS.URL,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, executor, logger)

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer tr.Disconnect()

	if err := tr.StartListening(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	// Orchestrator with per-project workers. The factory closes over
	// the orchestrator variable so workers publish on its stream.
	var orch *orchestrator.Orchestrator
	factory := func(projectID, dir, workingArea string) (orchestrator.Worker, error) {
		repo := git.NewRepo(dir, git.Config{
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
			Token:       cfg.Workflow.HostToken,
		}, logger)

		var host workflow.CodeHost
		if cfg.Workflow.HostOwner != "" && cfg.Workflow.HostToken != "" {
			client, err := codehost.NewClient(ctx, codehost.Config{
				Owner: cfg.Workflow.HostOwner,
				Repo:  projectName(projectID),
				Token: cfg.Workflow.HostToken,
			}, logger)
			if err != nil {
				return nil, err
			}
			host = client
		}

		engine := workflow.NewEngine(workflow.Config{
			ProjectName:        projectName(projectID),
			BranchPrefix:       cfg.Git.BranchPrefix,
			BaseBranch:         cfg.Git.DefaultBranch,
			AutoCommitInterval: cfg.Git.AutoCommitInterval,
			RunTests:           cfg.Workflow.RunTests,
			TestTimeout:        cfg.Workflow.TestTimeout,
			AutoCreatePR:       cfg.Workflow.AutoCreatePR,
			AutoMerge:          cfg.Workflow.AutoMerge,
		}, repo, host, testrunner.NewRunner(dir, logger), logger)

		return orchestrator.NewProjectWorker(projectID, dir, engine, executor, orch.PublishEvent, logger), nil
	}

	orch = orchestrator.New(tr.Conn(), orchestrator.Options{
		OrchestratorID: "orchestrator-" + cfg.Agent.ID,
		WorkspaceDir:   cfg.Agent.WorkspaceDir,
	}, factory, logger)

	if err := orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Shutdown()

	// WebSocket gateway. Outside dev mode no authenticator is wired,
	// and the gateway then rejects every authentication attempt.
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		var auth gateway.Authenticator
		if cfg.Gateway.DevMode {
			auth = gateway.DevAuthenticator{}
		}
		gw, err = gateway.New(tr.Conn(), auth, logger, &gateway.Config{
			Host:           cfg.Gateway.Host,
			Port:           cfg.Gateway.Port,
			CommandTimeout: cfg.Gateway.CommandTimeout,
		})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}

		go func() {
			if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("gateway stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("cogentd running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-tr.ShutdownSignal():
		logger.Info("shutdown broadcast received")
	}

	if gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown failed", zap.Error(err))
		}
	}

	return nil
}

// projectName extracts the repository name from an area/name project
// id.
func projectName(projectID string) string {
	for i := len(projectID) - 1; i >= 0; i-- {
		if projectID[i] == '/' {
			return projectID[i+1:]
		}
	}
	return projectID
}
