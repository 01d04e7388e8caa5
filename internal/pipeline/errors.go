package pipeline

import "errors"

var (
	// ErrTaskNotFound indicates no persisted task document for the id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotRunnable indicates RunNextStage was called while the task is
	// halted, failed, or already completed.
	ErrNotRunnable = errors.New("task is not runnable in its current status")

	// ErrNotAwaitingApproval indicates approve/override was called while
	// no approval gate is pending.
	ErrNotAwaitingApproval = errors.New("task is not awaiting approval")

	// ErrAlreadyClaimed indicates the issue is already bound to a task.
	ErrAlreadyClaimed = errors.New("issue already claimed")

	// ErrStageFailed indicates the current stage recorded a failure and
	// the task has transitioned to failed.
	ErrStageFailed = errors.New("stage failed")
)
