package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/github"
)

// fakeEngine returns scripted results per agent name and records every
// run so tests can assert the reasoning service was (or was not) called.
type fakeEngine struct {
	mu      sync.Mutex
	results map[string]*agent.RunResult
	errs    map[string]error
	calls   []string
	rcs     []agent.RunContext
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		results: make(map[string]*agent.RunResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeEngine) script(agentName, output string) {
	f.results[agentName] = &agent.RunResult{
		Success:    true,
		Output:     output,
		TokensUsed: 100,
		DurationMs: 5,
	}
}

func (f *fakeEngine) fail(agentName string, err error) {
	f.errs[agentName] = err
}

func (f *fakeEngine) Run(_ context.Context, agentName string, rc agent.RunContext, _ agent.RunOptions) (*agent.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentName)
	f.rcs = append(f.rcs, rc)
	f.mu.Unlock()

	if err, ok := f.errs[agentName]; ok {
		return &agent.RunResult{Error: err.Error()}, err
	}
	if res, ok := f.results[agentName]; ok {
		return res, nil
	}
	return &agent.RunResult{Success: true, Output: "ok from " + agentName, TokensUsed: 10}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeGitHub is an in-memory github.Service.
type fakeGitHub struct {
	mu        sync.Mutex
	issues    map[int]*github.Issue
	comments  map[int][]string
	prs       []github.NewPullRequest
	nextIssue int
	failPR    error
}

func newFakeGitHub(issues ...*github.Issue) *fakeGitHub {
	f := &fakeGitHub{
		issues:    make(map[int]*github.Issue),
		comments:  make(map[int][]string),
		nextIssue: 1000,
	}
	for _, issue := range issues {
		f.issues[issue.Number] = issue
	}
	return f
}

func (f *fakeGitHub) FetchIssue(_ context.Context, number int) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	dup := *issue
	return &dup, nil
}

func (f *fakeGitHub) AddComment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeGitHub) AddLabel(_ context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		issue.Labels = append(issue.Labels, label)
	}
	return nil
}

func (f *fakeGitHub) RemoveLabel(_ context.Context, _ int, _ string) error { return nil }

func (f *fakeGitHub) CreatePullRequest(_ context.Context, pr github.NewPullRequest) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPR != nil {
		return nil, f.failPR
	}
	f.prs = append(f.prs, pr)
	return &github.PullRequest{
		Number: 500 + len(f.prs),
		URL:    fmt.Sprintf("https://example.com/pr/%d", 500+len(f.prs)),
	}, nil
}

func (f *fakeGitHub) CloseIssue(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		issue.State = "closed"
	}
	return nil
}

func (f *fakeGitHub) CreateIssue(_ context.Context, ni github.NewIssue) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &github.Issue{
		Number: f.nextIssue,
		Title:  ni.Title,
		Body:   ni.Body,
		Labels: ni.Labels,
		State:  "open",
	}
	f.issues[issue.Number] = issue
	return issue, nil
}

func (f *fakeGitHub) ListOpenIssues(_ context.Context, label string) ([]*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*github.Issue
	for _, issue := range f.issues {
		if issue.State != "open" {
			continue
		}
		for _, l := range issue.Labels {
			if l == label {
				dup := *issue
				out = append(out, &dup)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeGitHub) issueState(number int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		return issue.State
	}
	return ""
}
