// Package github implements the version-control collaborator against the
// GitHub API.
package github

import (
	"context"
)

// Issue is the subset of issue data the pipeline consumes.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  string   `json:"state"`
}

// PullRequest identifies a created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// NewPullRequest describes a pull request to create.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// NewIssue describes an issue to create (sub-task fan-out).
type NewIssue struct {
	Title  string
	Body   string
	Labels []string
}

// Service is the version-control collaborator consumed by the orchestrator
// and the decomposition subsystem.
type Service interface {
	FetchIssue(ctx context.Context, number int) (*Issue, error)
	AddComment(ctx context.Context, number int, body string) error
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error)
	CloseIssue(ctx context.Context, number int) error
	CreateIssue(ctx context.Context, issue NewIssue) (*Issue, error)
	ListOpenIssues(ctx context.Context, label string) ([]*Issue, error)
}
