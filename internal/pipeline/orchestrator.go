package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/github"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
)

// StageEngine runs one bounded agent conversation. Satisfied by
// agent.Engine; narrowed to an interface so orchestrator tests can swap in
// a scripted fake.
type StageEngine interface {
	Run(ctx context.Context, agentName string, rc agent.RunContext, opts agent.RunOptions) (*agent.RunResult, error)
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store   *Store
	Claims  *ClaimSet
	Catalog *Catalog
	Engine  StageEngine
	GitHub  github.Service

	// Knowledge is optional; when nil no snippets are injected.
	Knowledge knowledge.Service

	// Hooks maps stage names to post-success side effects.
	Hooks map[string]StageHook

	// ArtifactDir is where stage outputs are written as files.
	ArtifactDir string

	// KnowledgeSnippets is the number of snippets injected per stage.
	KnowledgeSnippets int

	Logger *zap.Logger
}

// Orchestrator owns every task state transition. Stages within a task run
// strictly sequentially; concurrency exists only across tasks, above this
// type.
type Orchestrator struct {
	store     *Store
	claims    *ClaimSet
	catalog   *Catalog
	engine    StageEngine
	github    github.Service
	knowledge knowledge.Service
	hooks     map[string]StageHook

	artifactDir string
	snippets    int
	logger      *zap.Logger
}

// NewOrchestrator validates the wiring and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("task store is required")
	}
	if cfg.Claims == nil {
		return nil, errors.New("claim set is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("stage catalog is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("stage engine is required")
	}
	if cfg.GitHub == nil {
		return nil, errors.New("github service is required")
	}
	if cfg.ArtifactDir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if cfg.KnowledgeSnippets <= 0 {
		cfg.KnowledgeSnippets = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		store:       cfg.Store,
		claims:      cfg.Claims,
		catalog:     cfg.Catalog,
		engine:      cfg.Engine,
		github:      cfg.GitHub,
		knowledge:   cfg.Knowledge,
		hooks:       cfg.Hooks,
		artifactDir: cfg.ArtifactDir,
		snippets:    cfg.KnowledgeSnippets,
		logger:      cfg.Logger,
	}, nil
}

// Store exposes the task store for read-only consumers (CLI, HTTP API).
func (o *Orchestrator) Store() *Store { return o.store }

// StartTask claims an issue and creates a pending task for it. The claim
// is persisted before the task document, so a crash between the two leaves
// a claim without a task rather than two tasks for one issue; the stale
// claim is released here on save failure.
func (o *Orchestrator) StartTask(ctx context.Context, issueNumber int) (*Task, error) {
	issue, err := o.github.FetchIssue(ctx, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", issueNumber, err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		IssueNumber: issue.Number,
		IssueRef:    fmt.Sprintf("#%d", issue.Number),
		IssueTitle:  issue.Title,
		IssueBody:   issue.Body,
		Labels:      issue.Labels,
		BranchName:  fmt.Sprintf("stagehand/issue-%d", issue.Number),
		Status:      StatusPending,
		Stages:      o.catalog.Records(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.claims.Claim(issue.Number, task.ID); err != nil {
		return nil, err
	}
	if err := o.store.Save(task); err != nil {
		if relErr := o.claims.Release(issue.Number); relErr != nil {
			o.logger.Error("failed to release claim after save failure",
				zap.Int("issue", issue.Number), zap.Error(relErr))
		}
		return nil, err
	}

	o.logger.Info("task started",
		zap.String("task_id", task.ID),
		zap.Int("issue", issue.Number),
		zap.String("title", issue.Title))
	return task, nil
}

// RunNextStage advances the task by exactly one stage. Calling it on a
// completed task, or on a stage that already completed, is a no-op that
// returns the persisted state without contacting the reasoning service.
func (o *Orchestrator) RunNextStage(ctx context.Context, taskID string) (*Task, error) {
	task, err := o.store.Load(taskID)
	if err != nil {
		return nil, err
	}

	if task.Status == StatusCompleted {
		return task, nil
	}
	if task.Decomposed {
		return task, fmt.Errorf("%w: task was decomposed into sub-tasks", ErrNotRunnable)
	}
	if !task.Status.Runnable() {
		return task, fmt.Errorf("%w: status is %s", ErrNotRunnable, task.Status)
	}

	// All stages done. Reached after closure approval clears the final gate.
	if task.Finished() {
		if err := o.completeTask(ctx, task); err != nil {
			return task, err
		}
		return task, nil
	}

	rec := task.Stage(task.CurrentStageIndex)

	// Crash repair: the stage finished but the index was not advanced.
	if rec.Status == StageCompleted {
		o.advance(task, rec)
		if task.Status == StatusCompleted {
			if err := o.closeOut(ctx, task); err != nil {
				return task, err
			}
		}
		return task, o.store.Save(task)
	}

	def, ok := o.catalog.Find(rec.Name)
	if !ok {
		return task, fmt.Errorf("stage %q is not in the catalog", rec.Name)
	}

	started := time.Now().UTC()
	rec.StartedAt = &started
	rec.Status = StageInProgress
	rec.Error = ""
	task.Status = StatusInProgress
	if err := o.store.Save(task); err != nil {
		return task, err
	}

	logger := o.logger.With(
		zap.String("task_id", task.ID),
		zap.String("stage", rec.Name))
	logger.Info("running stage", zap.String("agent", rec.Agent))

	result, runErr := o.engine.Run(ctx, rec.Agent, o.runContext(ctx, task), agent.RunOptions{
		ToolsEnabled: def.ToolsEnabled,
	})
	if result != nil {
		rec.TokensUsed = result.TokensUsed
		rec.DurationMs = result.DurationMs
		if result.TodoState != nil {
			rec.Todos = result.TodoState
		}
	}
	if runErr != nil {
		return task, o.failStage(task, rec, runErr)
	}

	rec.Output = result.Output
	if path, err := o.writeArtifact(task, def, result.Output); err != nil {
		logger.Warn("failed to write stage artifact", zap.Error(err))
	} else {
		rec.ArtifactPath = path
	}

	if hook, ok := o.hooks[rec.Name]; ok {
		if err := hook(ctx, o, task, rec); err != nil {
			return task, o.failStage(task, rec, fmt.Errorf("%w: %s hook: %v", ErrStageFailed, rec.Name, err))
		}
	}

	o.advance(task, rec)
	logger.Info("stage completed",
		zap.Int("tokens", rec.TokensUsed),
		zap.Int64("duration_ms", rec.DurationMs),
		zap.String("status", string(task.Status)))
	if rec.Todos != nil && rec.Todos.Open() {
		logger.Info("stage left open todos for the next stage",
			zap.Int("todos", len(rec.Todos.Todos)))
	}

	if task.Status == StatusCompleted {
		if err := o.closeOut(ctx, task); err != nil {
			return task, err
		}
	}
	return task, o.store.Save(task)
}

// RunToHalt runs stages until the task halts at a gate, fails, or
// completes.
func (o *Orchestrator) RunToHalt(ctx context.Context, taskID string) (*Task, error) {
	for {
		task, err := o.RunNextStage(ctx, taskID)
		if err != nil {
			return task, err
		}
		if !task.Status.Runnable() || task.Status == StatusCompleted {
			return task, nil
		}
		if err := ctx.Err(); err != nil {
			return task, err
		}
	}
}

// Approve clears a pending approval gate. The task returns to pending and
// the intervention is recorded.
func (o *Orchestrator) Approve(ctx context.Context, taskID, actor string) (*Task, error) {
	return o.clearGate(ctx, taskID, actor, "approve", "")
}

// Override clears a gate against the stage's recommendation. A reason is
// mandatory and is kept in the task's audit trail.
func (o *Orchestrator) Override(ctx context.Context, taskID, actor, reason string) (*Task, error) {
	if reason == "" {
		return nil, errors.New("override requires a reason")
	}
	return o.clearGate(ctx, taskID, actor, "override", reason)
}

func (o *Orchestrator) clearGate(_ context.Context, taskID, actor, action, reason string) (*Task, error) {
	if actor == "" {
		return nil, errors.New("actor is required")
	}
	task, err := o.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.AwaitingApproval() {
		return task, fmt.Errorf("%w: status is %s", ErrNotAwaitingApproval, task.Status)
	}

	task.addAudit(actor, action, reason)
	task.Status = StatusPending
	if err := o.store.Save(task); err != nil {
		return task, err
	}

	o.logger.Info("approval gate cleared",
		zap.String("task_id", task.ID),
		zap.String("action", action),
		zap.String("actor", actor))
	return task, nil
}

// MarkDecomposed records that the task's issue was split into child
// issues. Its own stages never run; completion is recognized once every
// child issue is closed.
func (o *Orchestrator) MarkDecomposed(ctx context.Context, task *Task, childIssues []int) error {
	task.Decomposed = true
	task.ChildIssues = childIssues
	task.Status = StatusInProgress
	return o.store.Save(task)
}

// CompleteParent finishes a decomposed parent once its children are done.
func (o *Orchestrator) CompleteParent(ctx context.Context, task *Task) error {
	task.Status = StatusCompleted
	if err := o.store.Save(task); err != nil {
		return err
	}
	return o.closeOut(ctx, task)
}

// advance marks the stage completed and moves the task forward, applying
// approval gates. The index only ever grows.
func (o *Orchestrator) advance(task *Task, rec *StageRecord) {
	if rec.CompletedAt == nil {
		done := time.Now().UTC()
		rec.CompletedAt = &done
	}
	rec.Status = StageCompleted
	task.CurrentStageIndex++

	switch {
	case rec.RequiresApproval && task.Finished():
		task.Status = StatusAwaitingClosureApproval
	case rec.RequiresApproval:
		task.Status = StatusAwaitingApproval
	case task.Finished():
		task.Status = StatusCompleted
	default:
		task.Status = StatusInProgress
	}
}

// completeTask finalizes a task whose last gate was just cleared.
func (o *Orchestrator) completeTask(ctx context.Context, task *Task) error {
	task.Status = StatusCompleted
	if err := o.store.Save(task); err != nil {
		return err
	}
	return o.closeOut(ctx, task)
}

// closeOut closes the tracked issue after completion. Close failures are
// logged, not fatal: the task state is already durable.
func (o *Orchestrator) closeOut(ctx context.Context, task *Task) error {
	if err := o.github.AddComment(ctx, task.IssueNumber,
		fmt.Sprintf("All pipeline stages completed for task `%s`.", task.ID)); err != nil {
		o.logger.Warn("failed to comment on completed issue",
			zap.Int("issue", task.IssueNumber), zap.Error(err))
	}
	if err := o.github.CloseIssue(ctx, task.IssueNumber); err != nil {
		o.logger.Warn("failed to close completed issue",
			zap.Int("issue", task.IssueNumber), zap.Error(err))
	}
	o.logger.Info("task completed", zap.String("task_id", task.ID))
	return nil
}

// failStage records the failure on both the stage and the task. The task
// transitions to failed and stays there; re-running requires external
// intervention.
func (o *Orchestrator) failStage(task *Task, rec *StageRecord, cause error) error {
	rec.Status = StageFailed
	rec.Error = cause.Error()
	task.Status = StatusFailed
	if err := o.store.Save(task); err != nil {
		o.logger.Error("failed to persist stage failure", zap.Error(err))
	}
	o.logger.Error("stage failed",
		zap.String("task_id", task.ID),
		zap.String("stage", rec.Name),
		zap.Error(cause))
	return cause
}

// runContext assembles the serialized context for a stage: the issue, the
// previous stage's output verbatim, knowledge snippets and the carried
// todo list.
func (o *Orchestrator) runContext(ctx context.Context, task *Task) agent.RunContext {
	rc := agent.RunContext{
		IssueRef:   task.IssueRef,
		IssueTitle: task.IssueTitle,
		IssueBody:  task.IssueBody,
		Labels:     task.Labels,
	}

	if prev := task.Stage(task.CurrentStageIndex - 1); prev != nil {
		rc.PreviousOutput = prev.Output
	}

	// Most recent todo state wins; earlier stages may never have emitted one.
	for i := task.CurrentStageIndex - 1; i >= 0; i-- {
		if s := task.Stage(i); s != nil && s.Todos != nil {
			rc.Todos = s.Todos
			break
		}
	}

	if o.knowledge != nil {
		snippets, err := o.knowledge.Search(ctx, task.IssueTitle, o.snippets)
		if err != nil {
			o.logger.Warn("knowledge search failed", zap.Error(err))
		}
		for _, sn := range snippets {
			rc.Knowledge = append(rc.Knowledge, fmt.Sprintf("%s: %s", sn.Title, sn.Content))
		}
	}
	return rc
}

// writeArtifact persists the stage output as a file under the task's
// artifact directory.
func (o *Orchestrator) writeArtifact(task *Task, def StageDef, output string) (string, error) {
	dir := filepath.Join(o.artifactDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(dir, def.Artifact)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}
