package decompose

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision actions emitted by the decomposer agent.
const (
	ActionDecompose = "DECOMPOSE"
	ActionKeep      = "KEEP"
)

// SubTask is one proposed child issue.
type SubTask struct {
	Title       string
	Description string
	Criteria    []string
	Complexity  string
}

// Decision is the parsed decomposer reply.
type Decision struct {
	Action    string
	Reasoning string
	SubTasks  []SubTask
}

var (
	decisionRe  = regexp.MustCompile(`(?m)^DECISION:\s*(DECOMPOSE|KEEP)\s*$`)
	reasoningRe = regexp.MustCompile(`(?m)^REASONING:\s*(.+)$`)
	subtaskRe   = regexp.MustCompile("(?s)```subtask\\s*\n(.*?)```")
	fieldRe     = regexp.MustCompile(`(?m)^(TITLE|DESCRIPTION|COMPLEXITY):\s*(.+)$`)
	criterionRe = regexp.MustCompile(`(?m)^-\s*\[\s*\]\s*(.+)$`)
)

// ParseDecision extracts the decision grammar from free-form agent output.
// The model wraps the grammar in prose often enough that everything
// outside the recognized lines and fenced blocks is ignored. A reply with
// no parseable DECISION line is an error, not a silent KEEP.
func ParseDecision(output string) (*Decision, error) {
	m := decisionRe.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("no DECISION line in decomposer reply")
	}
	d := &Decision{Action: m[1]}

	if rm := reasoningRe.FindStringSubmatch(output); rm != nil {
		d.Reasoning = strings.TrimSpace(rm[1])
	}

	if d.Action == ActionKeep {
		return d, nil
	}

	for _, block := range subtaskRe.FindAllStringSubmatch(output, -1) {
		st, err := parseSubTask(block[1])
		if err != nil {
			return nil, err
		}
		d.SubTasks = append(d.SubTasks, st)
	}
	return d, nil
}

func parseSubTask(block string) (SubTask, error) {
	var st SubTask
	for _, m := range fieldRe.FindAllStringSubmatch(block, -1) {
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "TITLE":
			st.Title = value
		case "DESCRIPTION":
			st.Description = value
		case "COMPLEXITY":
			st.Complexity = strings.ToLower(value)
		}
	}
	for _, m := range criterionRe.FindAllStringSubmatch(block, -1) {
		st.Criteria = append(st.Criteria, strings.TrimSpace(m[1]))
	}
	if st.Title == "" {
		return st, fmt.Errorf("sub-task block has no TITLE")
	}
	return st, nil
}

// Validate applies the fail-closed acceptance rules to a DECOMPOSE
// decision. Any violation rejects the whole split; there is no partial
// acceptance of "the good sub-tasks".
func (d *Decision) Validate(maxSubTasks int) error {
	if d.Action != ActionDecompose {
		return nil
	}
	n := len(d.SubTasks)
	if n == 0 {
		return fmt.Errorf("DECOMPOSE decision with no sub-task blocks")
	}
	if n > maxSubTasks {
		return fmt.Errorf("%d sub-tasks exceeds the maximum of %d", n, maxSubTasks)
	}
	for i, st := range d.SubTasks {
		if len(strings.Fields(st.Title)) < 2 {
			return fmt.Errorf("sub-task %d: title %q is too trivial", i+1, st.Title)
		}
		if st.Description == "" {
			return fmt.Errorf("sub-task %d: missing description", i+1)
		}
		if len(st.Criteria) == 0 {
			return fmt.Errorf("sub-task %d: no acceptance criteria", i+1)
		}
		switch st.Complexity {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("sub-task %d: invalid complexity %q", i+1, st.Complexity)
		}
	}
	return nil
}
