package pipeline

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
)

// Status is the task-level state machine.
//
//	pending → in_progress → {completed, failed,
//	                         awaiting_approval, awaiting_closure_approval}
//	awaiting_approval / awaiting_closure_approval → pending (approve/override)
//
// failed and completed are terminal absent an explicit external retry.
type Status string

const (
	StatusPending                 Status = "pending"
	StatusInProgress              Status = "in_progress"
	StatusCompleted               Status = "completed"
	StatusFailed                  Status = "failed"
	StatusAwaitingApproval        Status = "awaiting_approval"
	StatusAwaitingClosureApproval Status = "awaiting_closure_approval"
)

// Runnable reports whether RunNextStage may proceed in this status.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusInProgress
}

// AwaitingApproval reports whether the task is halted at an approval gate.
func (s Status) AwaitingApproval() bool {
	return s == StatusAwaitingApproval || s == StatusAwaitingClosureApproval
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageStatus is the per-stage completion state.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// StageRecord captures one stage's execution. One record exists per catalog
// entry, created at task start and mutated in place, never deleted.
type StageRecord struct {
	Name             string           `json:"name"`
	Agent            string           `json:"agent"`
	RequiresApproval bool             `json:"requires_approval"`
	Status           StageStatus      `json:"status"`
	Output           string           `json:"output,omitempty"`
	ArtifactPath     string           `json:"artifact_path,omitempty"`
	TokensUsed       int              `json:"tokens_used,omitempty"`
	DurationMs       int64            `json:"duration_ms,omitempty"`
	Error            string           `json:"error,omitempty"`
	Todos            *agent.TodoState `json:"todos,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// AuditEntry records a human intervention on a task.
type AuditEntry struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Task is the persisted pipeline state for one issue. It is exclusively
// owned and mutated by the Orchestrator between stage runs.
type Task struct {
	ID          string `json:"id"`
	IssueNumber int    `json:"issue_number"`
	IssueRef    string `json:"issue_ref"`
	IssueTitle  string `json:"issue_title"`
	IssueBody   string `json:"issue_body"`

	Labels     []string `json:"labels,omitempty"`
	BranchName string   `json:"branch_name"`
	PRNumber   int      `json:"pr_number,omitempty"`

	Status            Status         `json:"status"`
	CurrentStageIndex int            `json:"current_stage_index"`
	Stages            []*StageRecord `json:"stages"`

	// Decomposed marks a parent task whose work was fanned out to child
	// issues; its own stages never run.
	Decomposed  bool  `json:"decomposed,omitempty"`
	ChildIssues []int `json:"child_issues,omitempty"`

	Audit []AuditEntry `json:"audit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage returns the record at index, or nil when out of range.
func (t *Task) Stage(index int) *StageRecord {
	if index < 0 || index >= len(t.Stages) {
		return nil
	}
	return t.Stages[index]
}

// Finished reports whether every stage has completed.
func (t *Task) Finished() bool {
	return t.CurrentStageIndex >= len(t.Stages)
}

// addAudit appends an intervention record.
func (t *Task) addAudit(actor, action, reason string) {
	t.Audit = append(t.Audit, AuditEntry{
		Actor:  actor,
		Action: action,
		Reason: reason,
		At:     time.Now().UTC(),
	})
}

// Summary renders a one-line description for logs and the CLI.
func (t *Task) Summary() string {
	return fmt.Sprintf("%s issue=%s status=%s stage=%d/%d",
		t.ID, t.IssueRef, t.Status, t.CurrentStageIndex, len(t.Stages))
}
