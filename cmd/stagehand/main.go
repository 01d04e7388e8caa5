// Package main implements the stagehand CLI: a pipeline daemon that turns
// labelled issues into reviewed, deployed and monitored changes, plus
// manual commands for driving and inspecting individual tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/decompose"
	"github.com/fyrsmithlabs/stagehand/internal/deploy"
	"github.com/fyrsmithlabs/stagehand/internal/github"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
	"github.com/fyrsmithlabs/stagehand/internal/sandbox"
)

var (
	// configPath is the optional YAML config file.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Issue-to-deployment pipeline automation",
	Long: `stagehand watches a repository for labelled issues and drives each one
through a staged pipeline: analysis, planning, implementation, review,
deployment and monitoring. Stages that carry risk halt for human approval.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(statusCmd)
}

// app bundles the wired service graph behind the CLI commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	orch   *pipeline.Orchestrator
	runner *pipeline.Runner
	claims *pipeline.ClaimSet
}

// buildApp loads configuration and wires every collaborator. Fatal
// configuration problems surface here, before any stage runs.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	dataDir, err := config.ExpandDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := pipeline.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	claims := pipeline.NewClaimSet(dataDir)

	catalog, err := pipeline.LoadCatalog(cfg.Pipeline.CatalogPath)
	if err != nil {
		return nil, err
	}

	client, err := agent.NewHTTPClient(cfg.Agent)
	if err != nil {
		return nil, err
	}
	sb, err := sandbox.New(filepath.Join(dataDir, "workspace"), logger)
	if err != nil {
		return nil, err
	}
	engine, err := agent.NewEngine(client, sb, cfg.Agent.MaxTurns, logger)
	if err != nil {
		return nil, err
	}

	gh, err := github.NewClient(ctx, cfg.GitHub, logger)
	if err != nil {
		return nil, err
	}

	var dep deploy.Service
	if cfg.Deploy.BaseURL != "" {
		dc, err := deploy.NewClient(cfg.Deploy, logger)
		if err != nil {
			return nil, err
		}
		dep = dc
	}

	know, err := knowledge.NewStore(filepath.Join(dataDir, "knowledge"), logger)
	if err != nil {
		logger.Warn("knowledge store unavailable, continuing without it", zap.Error(err))
		know = nil
	}

	orchCfg := pipeline.OrchestratorConfig{
		Store:             store,
		Claims:            claims,
		Catalog:           catalog,
		Engine:            engine,
		GitHub:            gh,
		Hooks:             pipeline.DefaultHooks(gh, dep, cfg.Deploy, logger),
		ArtifactDir:       filepath.Join(dataDir, "artifacts"),
		KnowledgeSnippets: cfg.Pipeline.KnowledgeSnippets,
		Logger:            logger,
	}
	if know != nil {
		orchCfg.Knowledge = know
	}
	orch, err := pipeline.NewOrchestrator(orchCfg)
	if err != nil {
		return nil, err
	}

	var dec pipeline.Decomposer
	if cfg.Decompose.DecomposeEnabled() {
		coord, err := decompose.NewCoordinator(engine, gh, cfg.Decompose.MaxSubTasks, cfg.Pipeline.TriggerLabel, logger)
		if err != nil {
			return nil, err
		}
		dec = coord
	}

	runner, err := pipeline.NewRunner(orch, gh, claims, dec, cfg.Pipeline.TriggerLabel, cfg.Pipeline.MaxConcurrentTasks, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		orch:   orch,
		runner: runner,
		claims: claims,
	}, nil
}

func (a *app) close() {
	_ = logging.Sync(a.logger)
}

// printTask renders a task for terminal output.
func printTask(task *pipeline.Task) {
	fmt.Printf("Task:    %s\n", task.ID)
	fmt.Printf("Issue:   %s %s\n", task.IssueRef, task.IssueTitle)
	fmt.Printf("Status:  %s\n", task.Status)
	fmt.Printf("Branch:  %s\n", task.BranchName)
	if task.PRNumber != 0 {
		fmt.Printf("PR:      #%d\n", task.PRNumber)
	}
	if task.Decomposed {
		fmt.Printf("Children: %v\n", task.ChildIssues)
	}
	fmt.Println("Stages:")
	for i, rec := range task.Stages {
		marker := " "
		if i == task.CurrentStageIndex && !task.Status.Terminal() {
			marker = ">"
		}
		line := fmt.Sprintf(" %s %-16s %-12s", marker, rec.Name, rec.Status)
		if rec.TokensUsed > 0 {
			line += fmt.Sprintf(" %6d tokens %6dms", rec.TokensUsed, rec.DurationMs)
		}
		if rec.Error != "" {
			line += "  error: " + rec.Error
		}
		fmt.Println(line)
	}
	for _, entry := range task.Audit {
		fmt.Printf("Audit:   %s %s by %s", entry.At.Format(time.RFC3339), entry.Action, entry.Actor)
		if entry.Reason != "" {
			fmt.Printf(" (%s)", entry.Reason)
		}
		fmt.Println()
	}
}
