package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/github"
)

// Decomposer decides whether an issue should be split into child issues
// before its pipeline runs. Satisfied by decompose.Coordinator.
type Decomposer interface {
	// MaybeSplit returns the created child issue numbers and true when the
	// issue was fanned out. A false result means the issue proceeds
	// un-split, whatever the reason.
	MaybeSplit(ctx context.Context, issue *github.Issue) ([]int, bool, error)

	// ChildrenComplete reports whether every child issue is closed.
	ChildrenComplete(ctx context.Context, childIssues []int) (bool, error)
}

// Runner polls the repository for labelled issues and drives their
// pipelines through a bounded worker pool. Stages within one task stay
// sequential; the pool only bounds how many tasks run at once.
type Runner struct {
	orch          *Orchestrator
	github        github.Service
	claims        *ClaimSet
	decomposer    Decomposer
	triggerLabel  string
	maxConcurrent int
	logger        *zap.Logger
}

// NewRunner builds a runner. The decomposer may be nil to disable
// splitting.
func NewRunner(orch *Orchestrator, gh github.Service, claims *ClaimSet, dec Decomposer, triggerLabel string, maxConcurrent int, logger *zap.Logger) (*Runner, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if gh == nil {
		return nil, errors.New("github service is required")
	}
	if claims == nil {
		return nil, errors.New("claim set is required")
	}
	if triggerLabel == "" {
		return nil, errors.New("trigger label is required")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orch:          orch,
		github:        gh,
		claims:        claims,
		decomposer:    dec,
		triggerLabel:  triggerLabel,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}, nil
}

// Run polls on the given interval until the context is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Poll(ctx); err != nil {
			r.logger.Error("poll sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one sweep: unclaimed labelled issues are claimed and
// driven to their next halt, persisted tasks that became runnable again
// (an approval cleared their gate) are resumed, and decomposed parents
// are checked for child completion. Per-issue failures are logged and do
// not abort the sweep.
func (r *Runner) Poll(ctx context.Context) error {
	issues, err := r.github.ListOpenIssues(ctx, r.triggerLabel)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, r.maxConcurrent)
	var wg sync.WaitGroup

	for _, issue := range issues {
		claimed, err := r.claims.Claimed(issue.Number)
		if err != nil {
			return err
		}
		if claimed {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(issue *github.Issue) {
			defer wg.Done()
			defer func() { <-sem }()
			r.process(ctx, issue)
		}(issue)
	}
	wg.Wait()

	if err := r.resumeRunnable(ctx); err != nil {
		return err
	}
	return r.sweepParents(ctx)
}

// resumeRunnable drives claimed tasks that are runnable again to their
// next halt. A task parked at an approval gate returns to pending when
// approved; without this sweep nothing would ever run its later stages.
func (r *Runner) resumeRunnable(ctx context.Context) error {
	tasks, err := r.orch.Store().List()
	if err != nil {
		return err
	}

	sem := make(chan struct{}, r.maxConcurrent)
	var wg sync.WaitGroup

	for _, task := range tasks {
		if task.Decomposed || !task.Status.Runnable() {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(task *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			final, err := r.orch.RunToHalt(ctx, task.ID)
			if err != nil {
				r.logger.Error("pipeline halted with error",
					zap.String("task_id", task.ID), zap.Error(err))
				return
			}
			r.logger.Info("pipeline resumed", zap.String("summary", final.Summary()))
		}(task)
	}
	wg.Wait()
	return nil
}

// process claims one issue and drives its pipeline to the first halt.
func (r *Runner) process(ctx context.Context, issue *github.Issue) {
	logger := r.logger.With(zap.Int("issue", issue.Number))

	task, err := r.orch.StartTask(ctx, issue.Number)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return
		}
		logger.Error("failed to start task", zap.Error(err))
		return
	}

	if r.decomposer != nil {
		children, split, err := r.decomposer.MaybeSplit(ctx, issue)
		if err != nil {
			// Splitting is best effort; the issue proceeds un-split.
			logger.Warn("decomposition failed, proceeding un-split", zap.Error(err))
		} else if split {
			if err := r.orch.MarkDecomposed(ctx, task, children); err != nil {
				logger.Error("failed to mark task decomposed", zap.Error(err))
			}
			logger.Info("issue fanned out to sub-tasks", zap.Ints("children", children))
			return
		}
	}

	final, err := r.orch.RunToHalt(ctx, task.ID)
	if err != nil {
		logger.Error("pipeline halted with error",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	logger.Info("pipeline halted", zap.String("summary", final.Summary()))
}

// sweepParents completes decomposed parents whose children are all closed.
func (r *Runner) sweepParents(ctx context.Context) error {
	if r.decomposer == nil {
		return nil
	}
	tasks, err := r.orch.Store().List()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.Decomposed || task.Status.Terminal() {
			continue
		}
		done, err := r.decomposer.ChildrenComplete(ctx, task.ChildIssues)
		if err != nil {
			r.logger.Warn("failed to check sub-task completion",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !done {
			continue
		}
		if err := r.orch.CompleteParent(ctx, task); err != nil {
			r.logger.Error("failed to complete parent task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		r.logger.Info("parent task completed, all sub-tasks closed",
			zap.String("task_id", task.ID))
	}
	return nil
}
