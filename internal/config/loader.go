package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load loads configuration with defaults overridden by environment
// variables only. Equivalent to LoadWithFile("") when no config file
// exists.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, then overrides
// with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (AGENT_ID, NATS_URL, GATEWAY_PORT, ...)
//  2. YAML config file (if configPath is non-empty and exists)
//  3. Hardcoded defaults
//
// Environment variables map to config keys by splitting on the first
// underscore: AGENT_WORKSPACE_DIR -> agent.workspace_dir,
// GIT_AUTO_COMMIT_INTERVAL -> git.auto_commit_interval.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
		}
	}

	// Only map env vars for known sections so unrelated process
	// environment does not leak into the config tree.
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var configSections = map[string]bool{
	"agent":    true,
	"nats":     true,
	"gateway":  true,
	"git":      true,
	"workflow": true,
	"logging":  true,
}

// envTransform maps AGENT_WORKSPACE_DIR -> agent.workspace_dir.
// Variables outside the known sections are dropped.
func envTransform(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 || !configSections[parts[0]] {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "cogent-agent-001"
	}
	if cfg.Agent.WorkspaceDir == "" {
		cfg.Agent.WorkspaceDir = "/workspace"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 60
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "0.0.0.0"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8080
	}
	if cfg.Gateway.CommandTimeout == 0 {
		cfg.Gateway.CommandTimeout = 30 * time.Second
	}

	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "Cogent Agent"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "agent@cogent.local"
	}
	if cfg.Git.DefaultBranch == "" {
		cfg.Git.DefaultBranch = "main"
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = "feature"
	}

	if cfg.Workflow.TestTimeout == 0 {
		cfg.Workflow.TestTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
