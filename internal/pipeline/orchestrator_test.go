package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/github"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
)

func threeStageCatalog() *Catalog {
	return &Catalog{Stages: []StageDef{
		{Name: "analysis", Agent: agent.AgentAnalyst, Artifact: "analysis.md"},
		{Name: "planning", Agent: agent.AgentPlanner, Artifact: "plan.md"},
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md", ToolsEnabled: true},
	}}
}

func testOrchestrator(t *testing.T, cat *Catalog, eng *fakeEngine, gh *fakeGitHub, hooks map[string]StageHook) *Orchestrator {
	t.Helper()

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:             store,
		Claims:            NewClaimSet(dir),
		Catalog:           cat,
		Engine:            eng,
		GitHub:            gh,
		Hooks:             hooks,
		ArtifactDir:       filepath.Join(dir, "artifacts"),
		KnowledgeSnippets: 3,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	return orch
}

func openIssue(number int, title, body string) *github.Issue {
	return &github.Issue{Number: number, Title: title, Body: body, State: "open"}
}

func TestRunToHaltCompletesUngatedPipeline(t *testing.T) {
	eng := newFakeEngine()
	eng.script(agent.AgentAnalyst, "root cause identified")
	eng.script(agent.AgentPlanner, "three step plan")
	eng.script(agent.AgentImplementer, "change applied")

	gh := newFakeGitHub(openIssue(42, "Fix the leak", "connections are not returned"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, "stagehand/issue-42", task.BranchName)
	assert.Len(t, task.Stages, 3)

	final, err := orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CurrentStageIndex)
	assert.Equal(t, 3, eng.callCount())
	assert.Equal(t, []string{agent.AgentAnalyst, agent.AgentPlanner, agent.AgentImplementer}, eng.calls)

	// Each stage record carries its output and metrics.
	for _, rec := range final.Stages {
		assert.Equal(t, StageCompleted, rec.Status)
		assert.NotEmpty(t, rec.Output)
		assert.Equal(t, 100, rec.TokensUsed)
		assert.NotEmpty(t, rec.ArtifactPath)
		data, err := os.ReadFile(rec.ArtifactPath)
		require.NoError(t, err)
		assert.Equal(t, rec.Output, string(data))
	}

	// The previous stage's output flows into the next stage verbatim.
	require.Len(t, eng.rcs, 3)
	assert.Empty(t, eng.rcs[0].PreviousOutput)
	assert.Equal(t, "root cause identified", eng.rcs[1].PreviousOutput)
	assert.Equal(t, "three step plan", eng.rcs[2].PreviousOutput)

	assert.Equal(t, "closed", gh.issueState(42))
}

func TestApprovalGateHaltsAndApproveResumes(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "analysis", Agent: agent.AgentAnalyst, Artifact: "analysis.md"},
		{Name: "planning", Agent: agent.AgentPlanner, Artifact: "plan.md", RequiresApproval: true},
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md"},
	}}
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(7, "Add retries", "calls should retry"))
	orch := testOrchestrator(t, cat, eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 7)
	require.NoError(t, err)

	halted, err := orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, halted.Status)
	assert.Equal(t, 2, halted.CurrentStageIndex)
	assert.Equal(t, 2, eng.callCount())

	// The gate blocks further stage runs.
	_, err = orch.RunNextStage(context.Background(), task.ID)
	require.ErrorIs(t, err, ErrNotRunnable)
	assert.Equal(t, 2, eng.callCount())

	approved, err := orch.Approve(context.Background(), task.ID, "maintainer")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, approved.Status)
	require.Len(t, approved.Audit, 1)
	assert.Equal(t, "approve", approved.Audit[0].Action)
	assert.Equal(t, "maintainer", approved.Audit[0].Actor)

	final, err := orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestApproveRejectedWithoutPendingGate(t *testing.T) {
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(9, "Tidy docs", "fix typos"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 9)
	require.NoError(t, err)

	_, err = orch.Approve(context.Background(), task.ID, "maintainer")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestOverrideRequiresReasonAndRecordsAudit(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "planning", Agent: agent.AgentPlanner, Artifact: "plan.md", RequiresApproval: true},
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md"},
	}}
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(11, "Risky change", "touches auth"))
	orch := testOrchestrator(t, cat, eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 11)
	require.NoError(t, err)
	_, err = orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)

	_, err = orch.Override(context.Background(), task.ID, "maintainer", "")
	require.Error(t, err)

	overridden, err := orch.Override(context.Background(), task.ID, "maintainer", "plan risk accepted for the hotfix window")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, overridden.Status)
	require.Len(t, overridden.Audit, 1)
	assert.Equal(t, "override", overridden.Audit[0].Action)
	assert.Equal(t, "plan risk accepted for the hotfix window", overridden.Audit[0].Reason)
}

func TestCompletedTaskIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(13, "Small fix", "one liner"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 13)
	require.NoError(t, err)
	_, err = orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, 3, eng.callCount())

	// Further runs return the persisted state without touching the
	// reasoning service.
	again, err := orch.RunNextStage(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 3, eng.callCount())
}

func TestCompletedStageIsNotReRunAfterCrash(t *testing.T) {
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(14, "Crash recovery", "resume cleanly"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 14)
	require.NoError(t, err)
	_, err = orch.RunNextStage(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, eng.callCount())

	// Simulate a crash between stage completion and index advancement.
	crashed, err := orch.Store().Load(task.ID)
	require.NoError(t, err)
	crashed.CurrentStageIndex = 0
	require.NoError(t, orch.Store().Save(crashed))

	repaired, err := orch.RunNextStage(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired.CurrentStageIndex)
	assert.Equal(t, 1, eng.callCount(), "completed stage must not re-invoke the reasoning service")
}

func TestStageFailureIsTerminal(t *testing.T) {
	eng := newFakeEngine()
	cause := errors.New("service unavailable")
	eng.fail(agent.AgentAnalyst, cause)

	gh := newFakeGitHub(openIssue(15, "Doomed", "will fail"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 15)
	require.NoError(t, err)

	failed, err := orch.RunNextStage(context.Background(), task.ID)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, StageFailed, failed.Stages[0].Status)
	assert.Contains(t, failed.Stages[0].Error, "service unavailable")
	assert.Equal(t, 0, failed.CurrentStageIndex)

	_, err = orch.RunNextStage(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrNotRunnable)
	assert.Equal(t, 1, eng.callCount())
}

func TestFinalGatedStageRequiresClosureApproval(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "analysis", Agent: agent.AgentAnalyst, Artifact: "analysis.md"},
		{Name: "monitor", Agent: agent.AgentMonitor, Artifact: "monitor.md", RequiresApproval: true},
	}}
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(16, "Observe rollout", "watch it"))
	orch := testOrchestrator(t, cat, eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 16)
	require.NoError(t, err)

	halted, err := orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingClosureApproval, halted.Status)
	assert.Equal(t, "open", gh.issueState(16))

	_, err = orch.Approve(context.Background(), task.ID, "maintainer")
	require.NoError(t, err)

	final, err := orch.RunNextStage(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 2, eng.callCount(), "closure must not run another stage")
	assert.Equal(t, "closed", gh.issueState(16))
}

func TestStartTaskRejectsDoubleClaim(t *testing.T) {
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(17, "Claim me once", "no duplicates"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	_, err := orch.StartTask(context.Background(), 17)
	require.NoError(t, err)

	_, err = orch.StartTask(context.Background(), 17)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestReviewHookOpensPullRequest(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md"},
		{Name: "review", Agent: agent.AgentReviewer, Artifact: "review.md"},
	}}
	eng := newFakeEngine()
	eng.script(agent.AgentReviewer, "looks correct, ship it")

	gh := newFakeGitHub(openIssue(18, "Add endpoint", "new route"))
	hooks := map[string]StageHook{"review": reviewHook(gh)}
	orch := testOrchestrator(t, cat, eng, gh, hooks)

	task, err := orch.StartTask(context.Background(), 18)
	require.NoError(t, err)
	final, err := orch.RunToHalt(context.Background(), task.ID)
	require.NoError(t, err)

	assert.NotZero(t, final.PRNumber)
	require.Len(t, gh.prs, 1)
	assert.Equal(t, "stagehand/issue-18", gh.prs[0].Head)
	assert.Equal(t, "main", gh.prs[0].Base)
	assert.Contains(t, gh.prs[0].Body, "looks correct, ship it")
}

func TestReviewHookFailureFailsStage(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "review", Agent: agent.AgentReviewer, Artifact: "review.md"},
	}}
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(19, "PR creation breaks", "remote rejects"))
	gh.failPR = errors.New("422 branch missing")
	hooks := map[string]StageHook{"review": reviewHook(gh)}
	orch := testOrchestrator(t, cat, eng, gh, hooks)

	task, err := orch.StartTask(context.Background(), 19)
	require.NoError(t, err)

	failed, err := orch.RunNextStage(context.Background(), task.ID)
	require.ErrorIs(t, err, ErrStageFailed)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.Stages[0].Error, "422 branch missing")
}

func TestDecomposedTaskNeverRunsStages(t *testing.T) {
	eng := newFakeEngine()
	gh := newFakeGitHub(openIssue(20, "Bundle of work", "many things"))
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	task, err := orch.StartTask(context.Background(), 20)
	require.NoError(t, err)
	require.NoError(t, orch.MarkDecomposed(context.Background(), task, []int{1001, 1002}))

	_, err = orch.RunNextStage(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrNotRunnable)
	assert.Equal(t, 0, eng.callCount())

	require.NoError(t, orch.CompleteParent(context.Background(), task))
	done, err := orch.Store().Load(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "closed", gh.issueState(20))
}

func TestStageCompletionReportsOpenTodos(t *testing.T) {
	eng := newFakeEngine()
	eng.results[agent.AgentAnalyst] = &agent.RunResult{
		Success: true,
		Output:  "analysis done",
		TodoState: &agent.TodoState{Todos: []agent.Todo{
			{ID: "T1", Content: "wire the flag", Status: agent.TodoPending, Priority: "high"},
			{ID: "T2", Content: "drop the shim", Status: agent.TodoCompleted, Priority: "low"},
		}},
	}
	gh := newFakeGitHub(openIssue(21, "Carry-over", "body"))

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	logger, logs := logging.NewObserved()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:       store,
		Claims:      NewClaimSet(dir),
		Catalog:     threeStageCatalog(),
		Engine:      eng,
		GitHub:      gh,
		ArtifactDir: filepath.Join(dir, "artifacts"),
		Logger:      logger,
	})
	require.NoError(t, err)

	task, err := orch.StartTask(context.Background(), 21)
	require.NoError(t, err)
	after, err := orch.RunNextStage(context.Background(), task.ID)
	require.NoError(t, err)

	require.NotNil(t, after.Stages[0].Todos)
	assert.True(t, after.Stages[0].Todos.Open())
	assert.Equal(t, 1, logs.FilterMessage("stage left open todos for the next stage").Len())
}
