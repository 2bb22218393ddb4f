package reconcile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmsflow/internal/domain"
	"cmsflow/internal/reconcile"
)

func TestRebaseShiftsRemainingIssues(t *testing.T) {
	content := "the quick brown fox"
	issues := []domain.Issue{
		{ID: "a", Position: domain.Position{Start: 4, End: 9}, OriginalText: "quick", SuggestedText: "slow"},
		{ID: "b", Position: domain.Position{Start: 10, End: 15}, OriginalText: "brown"},
		{ID: "c", Position: domain.Position{Start: 6, End: 12}},
		{ID: "d", Position: domain.Position{Start: 0, End: 3}, OriginalText: "the"},
	}
	d := reconcile.DecisionMap{
		"a": {IssueID: "a", Type: domain.DecisionAccepted},
		"b": {IssueID: "b", Type: domain.DecisionRejected},
	}
	res, err := reconcile.Reconstruct(content, issues, d)
	require.NoError(t, err)

	kept, dropped := reconcile.Rebase(issues, d)
	assert.Equal(t, []string{"c"}, dropped)
	require.Len(t, kept, 2)
	for _, is := range kept {
		assert.Equal(t, is.OriginalText, reconcile.Slice(res.Content, is.Position), is.ID)
	}
	assert.Equal(t, domain.Position{Start: 9, End: 14}, kept[0].Position)
}

func TestRebaseInsertionBeforeSpan(t *testing.T) {
	issues := []domain.Issue{
		{ID: "ins", Position: domain.Position{Start: 2, End: 2}, SuggestedText: "新"},
		{ID: "r", Position: domain.Position{Start: 2, End: 4}},
	}
	d := reconcile.DecisionMap{"ins": {IssueID: "ins", Type: domain.DecisionAccepted}}
	kept, dropped := reconcile.Rebase(issues, d)
	assert.Empty(t, dropped)
	require.Len(t, kept, 1)
	assert.Equal(t, domain.Position{Start: 3, End: 5}, kept[0].Position)
}
