// Package config provides configuration loading for cogentd.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables, with hardcoded defaults for everything else.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete cogentd configuration.
type Config struct {
	Agent    AgentConfig    `koanf:"agent"`
	NATS     NATSConfig     `koanf:"nats"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Git      GitConfig      `koanf:"git"`
	Workflow WorkflowConfig `koanf:"workflow"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// AgentConfig holds agent identity and workspace settings.
type AgentConfig struct {
	ID           string `koanf:"id"`
	WorkspaceDir string `koanf:"workspace_dir"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	// DevMode accepts any non-empty token during authentication.
	// Production deployments must plug in a real authenticator.
	DevMode        bool          `koanf:"dev_mode"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// GitConfig holds commit authorship and branching settings.
type GitConfig struct {
	AuthorName         string        `koanf:"author_name"`
	AuthorEmail        string        `koanf:"author_email"`
	DefaultBranch      string        `koanf:"default_branch"`
	BranchPrefix       string        `koanf:"branch_prefix"`
	AutoCommitInterval time.Duration `koanf:"auto_commit_interval"`
}

// WorkflowConfig holds development-workflow behavior toggles.
type WorkflowConfig struct {
	RunTests     bool          `koanf:"run_tests"`
	TestTimeout  time.Duration `koanf:"test_timeout"`
	AutoCreatePR bool          `koanf:"auto_create_pr"`
	AutoMerge    bool          `koanf:"auto_merge"`
	// HostToken authorizes code-host API calls. Empty disables the
	// code-host provider (push/PR steps degrade gracefully).
	HostToken string `koanf:"host_token"`
	HostOwner string `koanf:"host_owner"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent id must not be empty")
	}
	if c.Agent.WorkspaceDir == "" {
		return errors.New("workspace dir must not be empty")
	}
	if c.NATS.URL == "" {
		return errors.New("nats url must not be empty")
	}
	if c.Gateway.Enabled {
		if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d (must be 1-65535)", c.Gateway.Port)
		}
	}
	if c.Git.AutoCommitInterval < 0 {
		return errors.New("auto-commit interval must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Logging.Format)
	}
	return nil
}
