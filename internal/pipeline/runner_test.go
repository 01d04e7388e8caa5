package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/github"
)

type fakeDecomposer struct {
	split    map[int][]int
	complete bool
}

func (f *fakeDecomposer) MaybeSplit(_ context.Context, issue *github.Issue) ([]int, bool, error) {
	children, ok := f.split[issue.Number]
	return children, ok, nil
}

func (f *fakeDecomposer) ChildrenComplete(_ context.Context, _ []int) (bool, error) {
	return f.complete, nil
}

func labelled(number int, title string) *github.Issue {
	return &github.Issue{
		Number: number,
		Title:  title,
		Body:   "body",
		Labels: []string{"stagehand"},
		State:  "open",
	}
}

func testRunner(t *testing.T, gh *fakeGitHub, eng *fakeEngine, dec Decomposer) (*Runner, *Orchestrator) {
	t.Helper()
	orch := testOrchestrator(t, threeStageCatalog(), eng, gh, nil)

	runner, err := NewRunner(orch, gh, orch.claims, dec, "stagehand", 2, zap.NewNop())
	require.NoError(t, err)
	return runner, orch
}

func TestPollRunsLabelledIssuesToCompletion(t *testing.T) {
	gh := newFakeGitHub(
		labelled(1, "first"),
		labelled(2, "second"),
		openIssue(3, "unlabelled", "ignored"),
	)
	eng := newFakeEngine()
	runner, orch := testRunner(t, gh, eng, nil)

	require.NoError(t, runner.Poll(context.Background()))

	tasks, err := orch.Store().List()
	require.NoError(t, err)
	require.Len(t, tasks, 2, "only labelled issues become tasks")
	for _, task := range tasks {
		assert.Equal(t, StatusCompleted, task.Status)
	}
	assert.Equal(t, "closed", gh.issueState(1))
	assert.Equal(t, "closed", gh.issueState(2))
	assert.Equal(t, "open", gh.issueState(3))
}

func TestPollSkipsClaimedIssues(t *testing.T) {
	gh := newFakeGitHub(labelled(5, "once only"))
	eng := newFakeEngine()
	runner, orch := testRunner(t, gh, eng, nil)

	require.NoError(t, runner.Poll(context.Background()))
	callsAfterFirst := eng.callCount()

	// The issue stays claimed even though it may still be open, so a
	// second sweep must not start a duplicate pipeline.
	require.NoError(t, runner.Poll(context.Background()))
	assert.Equal(t, callsAfterFirst, eng.callCount())

	tasks, err := orch.Store().List()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestPollResumesApprovedTask(t *testing.T) {
	cat := &Catalog{Stages: []StageDef{
		{Name: "analysis", Agent: agent.AgentAnalyst, Artifact: "analysis.md"},
		{Name: "planning", Agent: agent.AgentPlanner, Artifact: "plan.md", RequiresApproval: true},
		{Name: "implementation", Agent: agent.AgentImplementer, Artifact: "implementation.md"},
	}}
	gh := newFakeGitHub(labelled(9, "gated work"))
	eng := newFakeEngine()
	orch := testOrchestrator(t, cat, eng, gh, nil)
	runner, err := NewRunner(orch, gh, orch.claims, nil, "stagehand", 2, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, runner.Poll(context.Background()))
	task, err := orch.Store().FindByIssue(9)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, task.Status)
	require.Equal(t, 2, eng.callCount())

	_, err = orch.Approve(context.Background(), task.ID, "maintainer")
	require.NoError(t, err)

	// The issue is still claimed, so the poll loop over open issues skips
	// it; the sweep must pick the pending task back up from the store.
	require.NoError(t, runner.Poll(context.Background()))
	task, err = orch.Store().FindByIssue(9)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 3, task.CurrentStageIndex)
	assert.Equal(t, 3, eng.callCount())
	assert.Equal(t, "closed", gh.issueState(9))

	// Further sweeps leave the finished task alone.
	require.NoError(t, runner.Poll(context.Background()))
	assert.Equal(t, 3, eng.callCount())
}

func TestPollFansOutDecomposedIssue(t *testing.T) {
	gh := newFakeGitHub(labelled(6, "big bundle"))
	eng := newFakeEngine()
	dec := &fakeDecomposer{split: map[int][]int{6: {1001, 1002}}}
	runner, orch := testRunner(t, gh, eng, dec)

	require.NoError(t, runner.Poll(context.Background()))

	task, err := orch.Store().FindByIssue(6)
	require.NoError(t, err)
	assert.True(t, task.Decomposed)
	assert.Equal(t, []int{1001, 1002}, task.ChildIssues)
	assert.Equal(t, 0, eng.callCount(), "decomposed parents run no stages")
}

func TestSweepCompletesParentWhenChildrenClose(t *testing.T) {
	gh := newFakeGitHub(labelled(8, "parent"))
	eng := newFakeEngine()
	dec := &fakeDecomposer{split: map[int][]int{8: {1001}}}
	runner, orch := testRunner(t, gh, eng, dec)

	require.NoError(t, runner.Poll(context.Background()))
	task, err := orch.Store().FindByIssue(8)
	require.NoError(t, err)
	require.False(t, task.Status.Terminal())

	// Children still open: parent stays put.
	require.NoError(t, runner.Poll(context.Background()))
	task, err = orch.Store().FindByIssue(8)
	require.NoError(t, err)
	assert.False(t, task.Status.Terminal())

	dec.complete = true
	require.NoError(t, runner.Poll(context.Background()))
	task, err = orch.Store().FindByIssue(8)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "closed", gh.issueState(8))
}
