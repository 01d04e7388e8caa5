package pipeline

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
)

// StageDef is one catalog entry describing a stage to run.
type StageDef struct {
	Name             string `toml:"name"`
	Agent            string `toml:"agent"`
	Artifact         string `toml:"artifact"`
	RequiresApproval bool   `toml:"requires_approval"`
	ToolsEnabled     bool   `toml:"tools_enabled"`
}

// Catalog is the ordered list of stages every task walks through.
type Catalog struct {
	Stages []StageDef `toml:"stages"`
}

// DefaultCatalog returns the built-in six-stage pipeline used when no
// catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Stages: []StageDef{
		{Name: "analysis", Agent: agent.AgentAnalyst, Artifact: "analysis.md"},
		{Name: "planning", Agent: agent.AgentPlanner, Artifact: "plan.md", RequiresApproval: true},
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md", ToolsEnabled: true},
		{Name: "review", Agent: agent.AgentReviewer, Artifact: "review.md", RequiresApproval: true},
		{Name: "deploy", Agent: agent.AgentDeployer, Artifact: "deploy.md"},
		{Name: "monitor", Agent: agent.AgentMonitor, Artifact: "monitor.md", RequiresApproval: true},
	}}
}

// LoadCatalog reads a TOML stage catalog from path. An empty path returns
// the built-in default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage catalog: %w", err)
	}

	var cat Catalog
	if err := toml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse stage catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks the catalog is non-empty, stage names are unique, and
// every agent has a known prompt template.
func (c *Catalog) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("stage catalog has no stages")
	}
	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Artifact == "" {
			return fmt.Errorf("stage %q has no artifact filename", s.Name)
		}
		if _, err := agent.Template(s.Agent); err != nil {
			return fmt.Errorf("stage %q: %w", s.Name, err)
		}
	}
	return nil
}

// Find returns the definition for a stage name.
func (c *Catalog) Find(name string) (StageDef, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}

// Records builds fresh pending stage records for a new task.
func (c *Catalog) Records() []*StageRecord {
	recs := make([]*StageRecord, 0, len(c.Stages))
	for _, s := range c.Stages {
		recs = append(recs, &StageRecord{
			Name:             s.Name,
			Agent:            s.Agent,
			RequiresApproval: s.RequiresApproval,
			Status:           StagePending,
		})
	}
	return recs
}
