// Package config provides configuration loading for stagehand.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
)

// Config is the root configuration for the stagehand process.
type Config struct {
	// DataDir is the root directory for persisted state: task documents,
	// the claim registry, stage artifacts, the sandbox workspace and the
	// knowledge store.
	DataDir string `koanf:"data_dir"`

	Logging   logging.Config  `koanf:"logging"`
	Agent     AgentConfig     `koanf:"agent"`
	GitHub    GitHubConfig    `koanf:"github"`
	Deploy    DeployConfig    `koanf:"deploy"`
	Server    ServerConfig    `koanf:"server"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Decompose DecomposeConfig `koanf:"decompose"`
}

// AgentConfig configures the reasoning-service client and the turn loop.
type AgentConfig struct {
	// APIKey authenticates against the reasoning service. Required.
	APIKey Secret `koanf:"api_key"`

	// BaseURL is the API endpoint. Default: https://api.anthropic.com
	BaseURL string `koanf:"base_url"`

	// Model selects the model for all stage runs.
	Model string `koanf:"model"`

	// MaxTurns bounds the turn loop of a single run. Default: 10.
	MaxTurns int `koanf:"max_turns"`

	// MaxTokens is the per-turn generation ceiling. Default: 4096.
	MaxTokens int `koanf:"max_tokens"`

	// Timeout is the per-turn HTTP timeout. Default: 120s.
	Timeout Duration `koanf:"timeout"`
}

// GitHubConfig configures the version-control collaborator.
type GitHubConfig struct {
	// Token authenticates against the GitHub API. Required.
	Token Secret `koanf:"token"`

	// Owner is the repository owner (user or org).
	Owner string `koanf:"owner"`

	// Repo is the repository name.
	Repo string `koanf:"repo"`
}

// DeployConfig configures the deployment-platform collaborator.
type DeployConfig struct {
	// BaseURL is the deployment platform API endpoint.
	BaseURL string `koanf:"base_url"`

	// Token authenticates deployment API calls.
	Token Secret `koanf:"token"`

	// PollInterval is the delay between deployment status polls. Default: 10s.
	PollInterval Duration `koanf:"poll_interval"`

	// PollTimeout bounds how long a deployment is polled. Default: 10m.
	PollTimeout Duration `koanf:"poll_timeout"`

	// ProbeURL is the health endpoint probed by the monitor stage.
	ProbeURL string `koanf:"probe_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// CatalogPath points to a TOML stage catalog. Empty uses the built-in
	// default catalog.
	CatalogPath string `koanf:"catalog_path"`

	// MaxConcurrentTasks bounds the task runner pool. Default: 2.
	MaxConcurrentTasks int `koanf:"max_concurrent_tasks"`

	// KnowledgeSnippets is how many knowledge-store snippets are injected
	// into each stage context. Default: 3.
	KnowledgeSnippets int `koanf:"knowledge_snippets"`

	// TriggerLabel is the issue label the runner polls for. Default: stagehand.
	TriggerLabel string `koanf:"trigger_label"`
}

// DecomposeConfig configures the decomposition subsystem.
type DecomposeConfig struct {
	// Enabled gates decomposition entirely. Default: true.
	Enabled *bool `koanf:"enabled"`

	// MaxSubTasks is the maximum number of sub-tasks a decomposition may
	// produce. Default: 5.
	MaxSubTasks int `koanf:"max_sub_tasks"`
}

// DecomposeEnabled reports whether decomposition is enabled.
func (c DecomposeConfig) DecomposeEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "~/.config/stagehand"
	}
	cfg.Logging.ApplyDefaults()

	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(120 * time.Second)
	}

	if cfg.Deploy.PollInterval == 0 {
		cfg.Deploy.PollInterval = Duration(10 * time.Second)
	}
	if cfg.Deploy.PollTimeout == 0 {
		cfg.Deploy.PollTimeout = Duration(10 * time.Minute)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}

	if cfg.Pipeline.MaxConcurrentTasks == 0 {
		cfg.Pipeline.MaxConcurrentTasks = 2
	}
	if cfg.Pipeline.KnowledgeSnippets == 0 {
		cfg.Pipeline.KnowledgeSnippets = 3
	}
	if cfg.Pipeline.TriggerLabel == "" {
		cfg.Pipeline.TriggerLabel = "stagehand"
	}

	if cfg.Decompose.MaxSubTasks == 0 {
		cfg.Decompose.MaxSubTasks = 5
	}
}

// Validate checks the configuration for fatal problems. Missing credentials
// are surfaced here, before any stage runs.
func (c *Config) Validate() error {
	if !c.Agent.APIKey.IsSet() {
		return fmt.Errorf("agent.api_key is required")
	}
	if !c.GitHub.Token.IsSet() {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo are required")
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be at least 1")
	}
	if c.Pipeline.MaxConcurrentTasks < 1 {
		return fmt.Errorf("pipeline.max_concurrent_tasks must be at least 1")
	}
	if c.Decompose.MaxSubTasks < 1 {
		return fmt.Errorf("decompose.max_sub_tasks must be at least 1")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
