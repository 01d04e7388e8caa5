// Package deploy implements the deployment-platform collaborator over its
// REST API.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
)

// Deployment statuses reported by the platform.
const (
	StatusQueued    = "queued"
	StatusBuilding  = "building"
	StatusDeploying = "deploying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Deployment identifies one triggered deployment.
type Deployment struct {
	ID     string `json:"id"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
}

// ProbeResult is the outcome of probing a deployed endpoint.
type ProbeResult struct {
	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`
}

// Service is the deployment collaborator consumed by the deploy and monitor
// stage hooks.
type Service interface {
	Trigger(ctx context.Context, ref string) (*Deployment, error)
	PollStatus(ctx context.Context, id string) (*Deployment, error)
	FetchBuildLogs(ctx context.Context, id string) (string, error)
	ProbeEndpoint(ctx context.Context, url string) (*ProbeResult, error)
}

// Client implements Service against a REST deployment platform.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a deployment-platform client.
func NewClient(cfg config.DeployConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("deploy base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token.Value(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// Trigger starts a deployment of the given ref.
func (c *Client) Trigger(ctx context.Context, ref string) (*Deployment, error) {
	body, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger request: %w", err)
	}

	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", bytes.NewReader(body), &dep); err != nil {
		return nil, fmt.Errorf("failed to trigger deployment for %s: %w", ref, err)
	}
	c.logger.Info("deployment triggered",
		zap.String("deployment_id", dep.ID),
		zap.String("ref", ref))
	return &dep, nil
}

// PollStatus fetches the current status of a deployment.
func (c *Client) PollStatus(ctx context.Context, id string) (*Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+id, nil, &dep); err != nil {
		return nil, fmt.Errorf("failed to poll deployment %s: %w", id, err)
	}
	return &dep, nil
}

// FetchBuildLogs retrieves the build log of a deployment.
func (c *Client) FetchBuildLogs(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/deployments/"+id+"/logs", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch build logs for %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read build logs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("build logs request failed (status %d): %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}

// ProbeEndpoint issues one GET against a deployed endpoint and reports the
// status code and latency.
func (c *Client) ProbeEndpoint(ctx context.Context, url string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed for %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &ProbeResult{
		StatusCode: resp.StatusCode,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// AwaitCompletion polls a deployment until it reaches a terminal status or
// the poll budget runs out.
func AwaitCompletion(ctx context.Context, svc Service, id string, interval, timeout time.Duration) (*Deployment, error) {
	deadline := time.Now().Add(timeout)
	for {
		dep, err := svc.PollStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		switch dep.Status {
		case StatusSucceeded, StatusFailed:
			return dep, nil
		}
		if time.Now().After(deadline) {
			return dep, fmt.Errorf("deployment %s did not complete within %s (last status %s)", id, timeout, dep.Status)
		}
		select {
		case <-ctx.Done():
			return dep, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
