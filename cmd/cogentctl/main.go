// Package main implements the cogentctl CLI for manual operations
// against a running cogentd orchestrator over NATS.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
)

var (
	// natsURL is the broker the CLI connects to
	natsURL string
	// orchestratorID addresses the orchestrator command subject
	orchestratorID string
	// requestTimeout bounds every request-reply call
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cogentctl",
	Short: "CLI for cogentd orchestrator operations",
	Long: `cogentctl is a command-line interface for a running cogentd daemon.
It sends orchestrator commands over NATS and can tail the event stream.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS broker URL")
	rootCmd.PersistentFlags().StringVar(&orchestratorID, "orchestrator", "orchestrator-agent-001", "orchestrator agent id")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage workspace projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered projects",
	Long: `List every project the orchestrator knows about.

Examples:
  # List projects
  cogentctl projects list

  # Against a different broker
  cogentctl projects list --nats nats://broker:4222`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(envelope.KindGetStatus, map[string]any{"command": "list_projects"})
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project directory in the workspace",
	Long: `Create a new project under a working area and register it.

Examples:
  # Create in the default working area
  cogentctl projects create billing-service

  # Create in a named working area
  cogentctl projects create billing-service --area backend`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		area, _ := cmd.Flags().GetString("area")
		return request(envelope.KindExecuteTask, map[string]any{
			"command":      "create_project",
			"name":         args[0],
			"working_area": area,
		})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <project-id> <prompt...>",
	Short: "Assign a task to a project",
	Long: `Assign a development task to a project. The orchestrator starts a
worker for the project if none is running and executes the task
asynchronously; use "cogentctl watch" to follow progress.

Examples:
  # Assign a task
  cogentctl task backend/billing-service "Add retry logic to the invoice poller"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(envelope.KindExecuteTask, map[string]any{
			"command":    "assign_task",
			"project_id": args[0],
			"prompt":     strings.Join(args[1:], " "),
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show the status of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(envelope.KindGetStatus, map[string]any{
			"command":    "get_project_status",
			"project_id": args[0],
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Stop a project's worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(envelope.KindCancelTask, map[string]any{
			"command":    "stop_project",
			"project_id": args[0],
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [agent-id]",
	Short: "Tail agent events",
	Long: `Subscribe to agent events and print them until interrupted.
Without an agent id, events from every agent are shown.

Examples:
  # Watch everything
  cogentctl watch

  # Watch one agent
  cogentctl watch agent-001`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var healthCmd = &cobra.Command{
	Use:   "health [agent-id]",
	Short: "Check broker and agent health",
	Long: `Check that the broker is reachable. With an agent id, also query the
agent's status over request-reply.

Examples:
  # Broker only
  cogentctl health

  # Broker plus one agent
  cogentctl health agent-001`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHealth,
}

func init() {
	projectsCreateCmd.Flags().String("area", "default", "working area for the new project")
}

// request sends one orchestrator command and prints the JSON reply.
// The kind mirrors the command's nature: get_status for reads,
// execute_task for mutations, cancel_task for stops.
func request(kind envelope.Kind, payload map[string]any) error {
	nc, err := connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	env := envelope.New(kind, "cogentctl", payload).
		WithCorrelation(uuid.NewString())
	data, err := env.Encode()
	if err != nil {
		return err
	}

	msg, err := nc.Request(transport.OrchestratorCommandSubject(orchestratorID), data, requestTimeout)
	if err != nil {
		return fmt.Errorf("orchestrator request failed: %w", err)
	}

	reply, err := envelope.Decode(msg.Data)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return printJSON(reply.Payload)
}

func runWatch(cmd *cobra.Command, args []string) error {
	nc, err := connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	subject := transport.EventWildcard
	if len(args) == 1 {
		subject = transport.EventPrefix(args[0]) + ".>"
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "undecodable event on %s: %v\n", msg.Subject, err)
			return
		}
		line, err := json.Marshal(env.Payload)
		if err != nil {
			return
		}
		fmt.Printf("%s  %-14s %s  %s\n", env.Timestamp, env.Kind, env.AgentID, line)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", subject)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	if err := transport.Ping(natsURL, requestTimeout); err != nil {
		return err
	}
	fmt.Printf("broker ok: %s\n", natsURL)

	if len(args) == 0 {
		return nil
	}
	agentID := args[0]

	nc, err := connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	env := envelope.New(envelope.KindGetStatus, "cogentctl", nil).
		WithCorrelation(uuid.NewString())
	data, err := env.Encode()
	if err != nil {
		return err
	}
	msg, err := nc.Request(transport.CommandSubject(agentID), data, requestTimeout)
	if err != nil {
		return fmt.Errorf("agent %s unreachable: %w", agentID, err)
	}
	reply, err := envelope.Decode(msg.Data)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return printJSON(reply.Payload)
}

func connect() (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL, nats.Name("cogentctl"))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", natsURL, err)
	}
	return nc, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
