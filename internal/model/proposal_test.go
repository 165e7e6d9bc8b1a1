package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_LegalGraph(t *testing.T) {
	legal := [][2]ProposalStatus{
		{StatusProposed, StatusApproved},
		{StatusProposed, StatusRejected},
		{StatusApproved, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s should be legal", tr[0], tr[1])
	}
}

// No skipping states, no moving backward, and no transitions out of a
// terminal status.
func TestCanTransition_IllegalGraph(t *testing.T) {
	illegal := [][2]ProposalStatus{
		{StatusProposed, StatusInProgress}, // skips approved
		{StatusProposed, StatusCompleted},
		{StatusApproved, StatusProposed}, // backward
		{StatusApproved, StatusCompleted},
		{StatusApproved, StatusRejected},
		{StatusInProgress, StatusApproved},
		{StatusRejected, StatusApproved},
		{StatusCompleted, StatusInProgress},
		{StatusFailed, StatusProposed},
		{StatusCompleted, StatusCompleted},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s should be illegal", tr[0], tr[1])
	}
}

func TestProposalStatus_Terminal(t *testing.T) {
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProposed.Terminal())
	assert.False(t, StatusApproved.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestSeverity_AtMost(t *testing.T) {
	assert.True(t, SeverityLow.AtMost(SeverityLow))
	assert.True(t, SeverityLow.AtMost(SeverityCritical))
	assert.True(t, SeverityMedium.AtMost(SeverityHigh))
	assert.False(t, SeverityCritical.AtMost(SeverityHigh))
	assert.False(t, SeverityHigh.AtMost(SeverityMedium))

	// Unknown severities never compare as within bounds.
	assert.False(t, Severity("urgent").AtMost(SeverityCritical))
	assert.False(t, SeverityLow.AtMost(Severity("urgent")))
}

func TestHealthDelta_MissingBaseline(t *testing.T) {
	after := 78
	assert.Nil(t, HealthDelta(nil, &after), "missing before means no known delta, not zero")
	assert.Nil(t, HealthDelta(&after, nil))

	before := 70
	d := HealthDelta(&before, &after)
	if assert.NotNil(t, d) {
		assert.Equal(t, 8, *d)
	}
}

func TestRuleMatches(t *testing.T) {
	rule := AutoApprovalRule{
		Name:             "small-cleanups",
		Category:         CategoryCleanup,
		Enabled:          true,
		MaxFilesAffected: 5,
		MaxLinesChanged:  50,
		RequiresTests:    true,
		MaxSeverity:      SeverityLow,
	}
	p := Proposal{
		Category:      CategoryCleanup,
		Severity:      SeverityLow,
		FilesAffected: 2,
		LinesChanged:  10,
		HasTests:      true,
	}
	assert.True(t, rule.Matches(p))

	disabled := rule
	disabled.Enabled = false
	assert.False(t, disabled.Matches(p), "disabled rules never match")

	noTests := p
	noTests.HasTests = false
	assert.False(t, rule.Matches(noTests))

	tooBig := p
	tooBig.LinesChanged = 51
	assert.False(t, rule.Matches(tooBig))

	tooSevere := p
	tooSevere.Severity = SeverityMedium
	assert.False(t, rule.Matches(tooSevere))

	wrongCategory := p
	wrongCategory.Category = CategoryRefactor
	assert.False(t, rule.Matches(wrongCategory))
}
