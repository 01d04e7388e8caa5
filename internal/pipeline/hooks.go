package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/deploy"
	"github.com/fyrsmithlabs/stagehand/internal/github"
)

// StageHook runs after a stage's agent output is accepted and before the
// stage is marked completed. Hooks perform the stage's real-world side
// effect; a hook error fails the stage.
type StageHook func(ctx context.Context, o *Orchestrator, task *Task, rec *StageRecord) error

// DefaultHooks wires the side effects of the built-in catalog: the review
// stage opens a pull request, the deploy stage triggers and awaits a
// deployment, and the monitor stage probes the deployed endpoint.
// Dispatch is keyed by stage name so custom catalogs can reuse or omit
// any of them.
func DefaultHooks(gh github.Service, dep deploy.Service, cfg config.DeployConfig, logger *zap.Logger) map[string]StageHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]StageHook{
		"review":  reviewHook(gh),
		"deploy":  deployHook(dep, cfg, logger),
		"monitor": monitorHook(dep, cfg.ProbeURL, logger),
	}
}

// reviewHook opens the pull request for the task's branch and links it on
// the tracked issue. Re-running the stage after a crash must not open a
// second PR, so an already-recorded PR number short-circuits.
func reviewHook(gh github.Service) StageHook {
	return func(ctx context.Context, o *Orchestrator, task *Task, rec *StageRecord) error {
		if task.PRNumber != 0 {
			return nil
		}
		pr, err := gh.CreatePullRequest(ctx, github.NewPullRequest{
			Title: fmt.Sprintf("%s (closes %s)", task.IssueTitle, task.IssueRef),
			Body:  reviewBody(task, rec),
			Head:  task.BranchName,
			Base:  "main",
		})
		if err != nil {
			return fmt.Errorf("failed to create pull request: %w", err)
		}
		task.PRNumber = pr.Number

		if err := gh.AddComment(ctx, task.IssueNumber,
			fmt.Sprintf("Review passed. Opened pull request %s.", pr.URL)); err != nil {
			o.logger.Warn("failed to link pull request on issue",
				zap.Int("issue", task.IssueNumber), zap.Error(err))
		}
		return nil
	}
}

func reviewBody(task *Task, rec *StageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for %s: %s\n\n", task.IssueRef, task.IssueTitle)
	b.WriteString("## Review notes\n\n")
	b.WriteString(rec.Output)
	return b.String()
}

// deployHook triggers a deployment of the task branch and blocks until the
// platform reports a terminal status. Build logs are fetched on failure so
// the stage record carries the evidence.
func deployHook(dep deploy.Service, cfg config.DeployConfig, logger *zap.Logger) StageHook {
	return func(ctx context.Context, o *Orchestrator, task *Task, rec *StageRecord) error {
		if dep == nil {
			logger.Info("deploy service not configured, skipping deployment",
				zap.String("task_id", task.ID))
			return nil
		}

		d, err := dep.Trigger(ctx, task.BranchName)
		if err != nil {
			return fmt.Errorf("failed to trigger deployment: %w", err)
		}

		final, err := deploy.AwaitCompletion(ctx, dep, d.ID,
			time.Duration(cfg.PollInterval), time.Duration(cfg.PollTimeout))
		if err != nil {
			return fmt.Errorf("deployment %s did not finish: %w", d.ID, err)
		}

		if final.Status != deploy.StatusSucceeded {
			logs, logErr := dep.FetchBuildLogs(ctx, d.ID)
			if logErr != nil {
				logger.Warn("failed to fetch build logs", zap.String("deployment", d.ID), zap.Error(logErr))
			} else {
				rec.Output += "\n\n## Build logs\n\n" + logs
			}
			return fmt.Errorf("deployment %s ended with status %s", d.ID, final.Status)
		}

		rec.Output += fmt.Sprintf("\n\nDeployment %s succeeded for %s.", d.ID, task.BranchName)
		return nil
	}
}

// monitorHook probes the deployed endpoint and appends the observation to
// the stage output. A server error fails the stage so the final closure
// gate sees it.
func monitorHook(dep deploy.Service, probeURL string, logger *zap.Logger) StageHook {
	return func(ctx context.Context, o *Orchestrator, task *Task, rec *StageRecord) error {
		if dep == nil || probeURL == "" {
			logger.Info("probe endpoint not configured, skipping probe",
				zap.String("task_id", task.ID))
			return nil
		}

		probe, err := dep.ProbeEndpoint(ctx, probeURL)
		if err != nil {
			return fmt.Errorf("failed to probe %s: %w", probeURL, err)
		}
		rec.Output += fmt.Sprintf("\n\nProbe %s: status %d, latency %dms.",
			probeURL, probe.StatusCode, probe.LatencyMs)

		if probe.StatusCode >= 500 {
			return fmt.Errorf("endpoint %s is unhealthy: status %d", probeURL, probe.StatusCode)
		}
		return nil
	}
}
