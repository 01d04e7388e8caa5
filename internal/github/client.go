package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/stagehand/internal/config"
)

// Client implements Service using the GitHub REST API.
type Client struct {
	gh     *gh.Client
	owner  string
	repo   string
	retry  *RetryConfig
	logger *zap.Logger
}

// NewClient creates a GitHub client with token authentication.
func NewClient(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("GitHub owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     gh.NewClient(tc),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}, nil
}

// FetchIssue retrieves an issue by number.
func (c *Client) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	var issue *gh.Issue
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		issue, resp, err = c.gh.Issues.Get(ctx, c.owner, c.repo, number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}
	return convertIssue(issue), nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, number int, body string) error {
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{
			Body: gh.String(body),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to comment on issue #%d: %w", number, err)
	}
	return nil
}

// AddLabel attaches a label to an issue.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{label})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to add label %q to issue #%d: %w", label, number, err)
	}
	return nil
}

// RemoveLabel detaches a label from an issue. A missing label is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		return c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	})
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to remove label %q from issue #%d: %w", label, number, err)
	}
	return nil
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, npr NewPullRequest) (*PullRequest, error) {
	var pr *gh.PullRequest
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
			Title: gh.String(npr.Title),
			Body:  gh.String(npr.Body),
			Head:  gh.String(npr.Head),
			Base:  gh.String(npr.Base),
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		_, resp, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &gh.IssueRequest{
			State: gh.String("closed"),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to close issue #%d: %w", number, err)
	}
	return nil
}

// CreateIssue opens a new issue (sub-task fan-out).
func (c *Client) CreateIssue(ctx context.Context, ni NewIssue) (*Issue, error) {
	var issue *gh.Issue
	_, err := c.withRetry(ctx, func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		issue, resp, err = c.gh.Issues.Create(ctx, c.owner, c.repo, &gh.IssueRequest{
			Title:  gh.String(ni.Title),
			Body:   gh.String(ni.Body),
			Labels: &ni.Labels,
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return convertIssue(issue), nil
}

// ListOpenIssues lists open issues, optionally filtered by a label.
func (c *Client) ListOpenIssues(ctx context.Context, label string) ([]*Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	if label != "" {
		opts.Labels = []string{label}
	}

	var all []*Issue
	for {
		var issues []*gh.Issue
		var resp *gh.Response
		_, err := c.withRetry(ctx, func() (*gh.Response, error) {
			var err error
			issues, resp, err = c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list open issues: %w", err)
		}
		for _, issue := range issues {
			// The issues API returns pull requests too; skip them.
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, convertIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func convertIssue(issue *gh.Issue) *Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		Labels: labels,
		State:  issue.GetState(),
	}
}
