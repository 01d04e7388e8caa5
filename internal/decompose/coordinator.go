package decompose

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/github"
)

// Engine runs one bounded agent conversation. Satisfied by agent.Engine.
type Engine interface {
	Run(ctx context.Context, agentName string, rc agent.RunContext, opts agent.RunOptions) (*agent.RunResult, error)
}

// Coordinator runs the analyze, decide, validate, fan-out sequence for one
// issue. Creation of child issues happens only after the whole proposed
// split validated; a rejected split costs nothing but the reasoning call.
type Coordinator struct {
	engine       Engine
	github       github.Service
	maxSubTasks  int
	triggerLabel string
	logger       *zap.Logger
}

// NewCoordinator builds a coordinator. Child issues are created with
// triggerLabel so the runner picks them up as ordinary tasks.
func NewCoordinator(engine Engine, gh github.Service, maxSubTasks int, triggerLabel string, logger *zap.Logger) (*Coordinator, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if gh == nil {
		return nil, errors.New("github service is required")
	}
	if maxSubTasks <= 0 {
		return nil, errors.New("max sub-tasks must be positive")
	}
	if triggerLabel == "" {
		return nil, errors.New("trigger label is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		engine:       engine,
		github:       gh,
		maxSubTasks:  maxSubTasks,
		triggerLabel: triggerLabel,
		logger:       logger,
	}, nil
}

// ParentLabel marks a child issue with its parent issue number.
func ParentLabel(parent int) string {
	return fmt.Sprintf("stagehand:parent-%d", parent)
}

// childLabels carries the parent's labels onto a child, minus any parent
// links the parent itself holds, plus the trigger and the new parent link.
func (c *Coordinator) childLabels(parent *github.Issue) []string {
	labels := []string{c.triggerLabel, ParentLabel(parent.Number)}
	for _, l := range parent.Labels {
		if l == c.triggerLabel || strings.HasPrefix(l, "stagehand:parent-") {
			continue
		}
		labels = append(labels, l)
	}
	return labels
}

// MaybeSplit decides whether the issue warrants splitting and, when it
// does, creates the child issues and a checklist comment on the parent.
// Every failure short of fan-out means the issue proceeds un-split.
func (c *Coordinator) MaybeSplit(ctx context.Context, issue *github.Issue) ([]int, bool, error) {
	logger := c.logger.With(zap.Int("issue", issue.Number))

	sig, warranted := Analyze(issue)
	if !warranted {
		logger.Debug("issue below decomposition threshold",
			zap.Int("body_length", sig.BodyLength),
			zap.Int("bullets", sig.Bullets))
		return nil, false, nil
	}

	result, err := c.engine.Run(ctx, agent.AgentDecomposer, agent.RunContext{
		IssueRef:   fmt.Sprintf("#%d", issue.Number),
		IssueTitle: issue.Title,
		IssueBody:  issue.Body,
		Labels:     issue.Labels,
	}, agent.RunOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("decomposer run failed: %w", err)
	}

	decision, err := ParseDecision(result.Output)
	if err != nil {
		return nil, false, fmt.Errorf("unparseable decomposer reply: %w", err)
	}
	if decision.Action == ActionKeep {
		logger.Info("decomposer kept issue whole", zap.String("reasoning", decision.Reasoning))
		return nil, false, nil
	}
	if err := decision.Validate(c.maxSubTasks); err != nil {
		return nil, false, fmt.Errorf("rejected split: %w", err)
	}

	children, err := c.fanOut(ctx, issue, decision)
	if err != nil {
		return nil, false, err
	}

	logger.Info("issue decomposed",
		zap.Int("children", len(children)),
		zap.String("reasoning", decision.Reasoning))
	return children, true, nil
}

// fanOut creates the child issues and the parent checklist comment. When a
// creation fails midway, the already-created children are listed on the
// parent so a human can reconcile before retrying.
func (c *Coordinator) fanOut(ctx context.Context, parent *github.Issue, decision *Decision) ([]int, error) {
	var children []int
	var lines []string

	for i, st := range decision.SubTasks {
		child, err := c.github.CreateIssue(ctx, github.NewIssue{
			Title:  st.Title,
			Body:   childBody(parent, st),
			Labels: c.childLabels(parent),
		})
		if err != nil {
			if len(lines) > 0 {
				c.noteFanOut(ctx, parent, lines,
					fmt.Sprintf("Fan-out stopped at sub-task %d of %d: %v", i+1, len(decision.SubTasks), err))
			}
			return nil, fmt.Errorf("failed to create sub-task %d: %w", i+1, err)
		}
		children = append(children, child.Number)
		lines = append(lines, fmt.Sprintf("- [ ] #%d %s", child.Number, st.Title))
	}

	c.noteFanOut(ctx, parent, lines, "")
	return children, nil
}

// ChildrenComplete reports whether every child issue is closed. The parent
// learns of completion only through this poll.
func (c *Coordinator) ChildrenComplete(ctx context.Context, childIssues []int) (bool, error) {
	for _, number := range childIssues {
		issue, err := c.github.FetchIssue(ctx, number)
		if err != nil {
			return false, fmt.Errorf("failed to fetch sub-task #%d: %w", number, err)
		}
		if issue.State != "closed" {
			return false, nil
		}
	}
	return len(childIssues) > 0, nil
}

// noteFanOut posts the sub-task checklist on the parent issue. Comment
// failures are logged; the split itself is already decided.
func (c *Coordinator) noteFanOut(ctx context.Context, parent *github.Issue, lines []string, note string) {
	var b strings.Builder
	b.WriteString("This issue was split into sub-tasks:\n\n")
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	if note != "" {
		b.WriteString("\n" + note + "\n")
	}
	if err := c.github.AddComment(ctx, parent.Number, b.String()); err != nil {
		c.logger.Warn("failed to post checklist on parent issue",
			zap.Int("issue", parent.Number), zap.Error(err))
	}
}

func childBody(parent *github.Issue, st SubTask) string {
	var b strings.Builder
	b.WriteString(st.Description + "\n\n")
	b.WriteString("## Acceptance criteria\n\n")
	for _, criterion := range st.Criteria {
		b.WriteString("- [ ] " + criterion + "\n")
	}
	fmt.Fprintf(&b, "\nComplexity: %s. Split from #%d: %s\n", st.Complexity, parent.Number, parent.Title)
	return b.String()
}
