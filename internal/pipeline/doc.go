// Package pipeline owns the per-task state machine.
//
// # Overview
//
// A Task is born from a GitHub issue and walks an ordered catalog of stages,
// each delegated to a named agent on the reasoning service. The orchestrator
// sequences stages, persists every transition, and halts at approval gates.
//
// # State machine
//
//	pending → in_progress → {completed, failed,
//	                         awaiting_approval, awaiting_closure_approval}
//
// Approve and Override move a gated task back to pending. completed and
// failed are terminal. CurrentStageIndex only ever advances.
//
// # Key components
//
//   - Orchestrator: StartTask, RunNextStage, RunToHalt, Approve, Override.
//     Stage execution composes issue context, prior stage output, and
//     knowledge snippets, runs the stage agent, writes the artifact, and
//     fires the stage hook.
//   - Catalog: ordered stage definitions loaded from TOML, with a
//     compiled-in default of six stages. Side effects are keyed by stage
//     name, not position.
//   - Store: one JSON document per task, written with temp-file-and-rename
//     so a crash never leaves a torn document.
//   - ClaimSet: persisted issue claims. A claim is taken before the task
//     document exists, so a restart cannot double-start an issue.
//   - Runner: polling worker pool over labelled open issues. Each sweep
//     also resumes persisted tasks an approval returned to pending.
//     Stages within a task run strictly in order; tasks share nothing
//     mutable.
//
// Re-running a completed stage is a no-op, and resuming a task whose stage
// completed but whose index never advanced repairs the index without calling
// the reasoning service again.
package pipeline
