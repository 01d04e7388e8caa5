package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoBlocked    = "blocked"
)

// Todo is one outstanding piece of sub-work carried across stage boundaries.
type Todo struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	Status        string `json:"status"`
	Priority      string `json:"priority"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// TodoState is the ordered todo list produced and consumed by engine runs.
type TodoState struct {
	Todos []Todo `json:"todos"`
}

// Open reports whether any todo is not yet completed.
func (s *TodoState) Open() bool {
	for _, t := range s.Todos {
		if t.Status != TodoCompleted {
			return true
		}
	}
	return false
}

// The todo section grammar, version 1:
//
//	<todos v1>
//	- [ ] T1 (high): wire the config flag
//	- [~] T2 (medium): migrate the store
//	- [x] T3 (low): update docs
//	- [!] T4 (high): flaky test -- blocked: needs CI access
//	</todos>
//
// Checkbox markers: " " pending, "~" in progress, "x" completed, "!" blocked.
var (
	todoSectionRe = regexp.MustCompile(`(?s)<todos v1>\s*(.*?)\s*</todos>`)
	todoLineRe    = regexp.MustCompile(`^- \[([ ~x!])\] (\S+) \((low|medium|high)\): (.+)$`)
)

// RenderTodos serializes a TodoState into its v1 section form for inclusion
// in a prompt.
func RenderTodos(state *TodoState) string {
	if state == nil || len(state.Todos) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<todos v1>\n")
	for _, t := range state.Todos {
		line := fmt.Sprintf("- [%s] %s (%s): %s", statusMarker(t.Status), t.ID, t.Priority, t.Content)
		if t.Status == TodoBlocked && t.BlockedReason != "" {
			line += " -- blocked: " + t.BlockedReason
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("</todos>")
	return b.String()
}

// ParseTodos extracts a todo section from agent output. The output is
// untrusted: lines that do not match the grammar are dropped rather than
// guessed at. Returns nil when no section is present or nothing parses.
func ParseTodos(output string) *TodoState {
	m := todoSectionRe.FindStringSubmatch(output)
	if m == nil {
		return nil
	}

	var state TodoState
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		lm := todoLineRe.FindStringSubmatch(line)
		if lm == nil {
			continue
		}

		content := lm[4]
		blockedReason := ""
		if i := strings.Index(content, " -- blocked: "); i >= 0 {
			blockedReason = content[i+len(" -- blocked: "):]
			content = content[:i]
		}

		state.Todos = append(state.Todos, Todo{
			ID:            lm[2],
			Content:       strings.TrimSpace(content),
			Status:        markerStatus(lm[1]),
			Priority:      lm[3],
			BlockedReason: blockedReason,
		})
	}

	if len(state.Todos) == 0 {
		return nil
	}
	return &state
}

// StripTodoSection removes the todo section from output, leaving the
// human-facing narrative untouched.
func StripTodoSection(output string) string {
	return strings.TrimSpace(todoSectionRe.ReplaceAllString(output, ""))
}

func statusMarker(status string) string {
	switch status {
	case TodoInProgress:
		return "~"
	case TodoCompleted:
		return "x"
	case TodoBlocked:
		return "!"
	default:
		return " "
	}
}

func markerStatus(marker string) string {
	switch marker {
	case "~":
		return TodoInProgress
	case "x":
		return TodoCompleted
	case "!":
		return TodoBlocked
	default:
		return TodoPending
	}
}
