// Package decompose splits oversized issues into independently deliverable
// sub-task issues before their pipeline runs.
package decompose

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/stagehand/internal/github"
)

// Signals are the cheap textual measurements taken before any reasoning
// call is spent on an issue.
type Signals struct {
	BodyLength   int
	Bullets      int
	Sections     int
	Conjunctions int
}

var (
	bulletRe  = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+\.)\s+\S`)
	sectionRe = regexp.MustCompile(`(?m)^#{2,}\s+\S`)
)

// conjunctionMarkers suggest a body describing several pieces of work.
var conjunctionMarkers = []string{
	"and then",
	"additionally",
	"as well as",
	"furthermore",
	"also need",
	"separately",
	"on top of that",
}

// Analyze measures the issue and reports whether a decomposition run is
// warranted. This is a filter, not a decision: only issues that look like
// bundles of work earn a reasoning-service call, and that call still
// decides KEEP or DECOMPOSE.
func Analyze(issue *github.Issue) (Signals, bool) {
	body := issue.Body
	lower := strings.ToLower(body)

	sig := Signals{
		BodyLength: len(body),
		Bullets:    len(bulletRe.FindAllString(body, -1)),
		Sections:   len(sectionRe.FindAllString(body, -1)),
	}
	for _, marker := range conjunctionMarkers {
		sig.Conjunctions += strings.Count(lower, marker)
	}

	if sig.BodyLength < 400 {
		return sig, false
	}
	warranted := sig.Bullets >= 3 || sig.Sections >= 2 || sig.Conjunctions >= 2
	return sig, warranted
}
