package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// claimRecord binds an issue to the task that owns it.
type claimRecord struct {
	TaskID    string    `json:"task_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ClaimSet is the persisted issue-to-task binding. A claim is written
// before any stage of the task runs, so two workers polling the same
// repository never start duplicate pipelines for one issue.
type ClaimSet struct {
	path string
	mu   sync.Mutex
}

// NewClaimSet stores claims in dataDir/claims.json.
func NewClaimSet(dataDir string) *ClaimSet {
	return &ClaimSet{path: filepath.Join(dataDir, "claims.json")}
}

// Claim records the binding, failing with ErrAlreadyClaimed when the
// issue is already owned. The updated set is persisted before returning,
// making the claim durable ahead of any task work.
func (c *ClaimSet) Claim(issueNumber int, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, err := c.load()
	if err != nil {
		return err
	}
	key := claimKey(issueNumber)
	if existing, ok := claims[key]; ok {
		return fmt.Errorf("%w: issue #%d is owned by task %s", ErrAlreadyClaimed, issueNumber, existing.TaskID)
	}
	claims[key] = claimRecord{TaskID: taskID, ClaimedAt: time.Now().UTC()}
	return c.save(claims)
}

// Claimed reports whether the issue is already bound to a task.
func (c *ClaimSet) Claimed(issueNumber int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, err := c.load()
	if err != nil {
		return false, err
	}
	_, ok := claims[claimKey(issueNumber)]
	return ok, nil
}

// Release drops a claim. Used when task creation fails after claiming.
func (c *ClaimSet) Release(issueNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, err := c.load()
	if err != nil {
		return err
	}
	delete(claims, claimKey(issueNumber))
	return c.save(claims)
}

func (c *ClaimSet) load() (map[string]claimRecord, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]claimRecord), nil
		}
		return nil, fmt.Errorf("failed to read claims: %w", err)
	}
	claims := make(map[string]claimRecord)
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims, nil
}

func (c *ClaimSet) save(claims map[string]claimRecord) error {
	data, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write claims: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace claims: %w", err)
	}
	return nil
}

func claimKey(issueNumber int) string {
	return fmt.Sprintf("%d", issueNumber)
}
