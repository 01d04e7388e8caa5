package decompose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/stagehand/internal/github"
)

func TestAnalyzeShortBodyNeverWarranted(t *testing.T) {
	_, warranted := Analyze(&github.Issue{
		Title: "Fix typo",
		Body:  "- one\n- two\n- three\n- four bullets but a tiny body",
	})
	assert.False(t, warranted)
}

func TestAnalyzeBulletedBodyWarranted(t *testing.T) {
	body := "We need several things done here.\n" +
		"- rework the session store\n" +
		"- add the expiry column\n" +
		"- update the admin banner\n" +
		strings.Repeat("More context about the systems involved. ", 12)

	sig, warranted := Analyze(&github.Issue{Title: "Session overhaul", Body: body})
	assert.True(t, warranted)
	assert.Equal(t, 3, sig.Bullets)
}

func TestAnalyzeSectionedBodyWarranted(t *testing.T) {
	body := "## Backend\n" + strings.Repeat("backend work details. ", 12) +
		"\n## Frontend\n" + strings.Repeat("frontend work details. ", 12)

	sig, warranted := Analyze(&github.Issue{Title: "Two-part change", Body: body})
	assert.True(t, warranted)
	assert.Equal(t, 2, sig.Sections)
}

func TestAnalyzeConjunctionsWarranted(t *testing.T) {
	body := "First migrate the data and then update the API. " +
		"Additionally the dashboard needs the new field. " +
		strings.Repeat("Supporting detail for the reader. ", 12)

	sig, warranted := Analyze(&github.Issue{Title: "Chained work", Body: body})
	assert.True(t, warranted)
	assert.GreaterOrEqual(t, sig.Conjunctions, 2)
}

func TestAnalyzeLongProseNotWarranted(t *testing.T) {
	body := strings.Repeat("One single coherent piece of work described at length. ", 20)
	_, warranted := Analyze(&github.Issue{Title: "Long but single", Body: body})
	assert.False(t, warranted)
}
