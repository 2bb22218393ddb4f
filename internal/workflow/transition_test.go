package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmsflow/internal/domain"
	"cmsflow/internal/status"
	"cmsflow/internal/workflow"
)

var fixed = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTransitionAllPairs(t *testing.T) {
	for _, from := range status.All() {
		for _, to := range status.All() {
			item := domain.WorkItem{ID: "w1", Status: from}
			next, entry, err := workflow.Transition(item, to, workflow.Options{ChangedBy: "ed", At: fixed})
			if workflow.CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, next.Status)
				require.Len(t, next.StatusHistory, 1)
				assert.Equal(t, entry, next.StatusHistory[0])
				assert.Equal(t, "2025-03-01T09:00:00Z", entry.ChangedAt)
				continue
			}
			var rej *workflow.RejectedError
			require.ErrorAs(t, err, &rej, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, workflow.ErrInvalidTransition))
			assert.Equal(t, from, rej.Current)
			assert.Equal(t, to, rej.Attempted)
			assert.Equal(t, "invalid_transition", rej.Code())
			assert.Equal(t, item, next, "rejected transition leaves the item untouched")
		}
	}
}

func TestTransitionExamples(t *testing.T) {
	item := domain.WorkItem{ID: "w1", Status: status.ReadyToPublish}
	next, _, err := workflow.Transition(item, status.Published, workflow.Options{At: fixed})
	require.NoError(t, err)
	assert.Equal(t, status.Published, next.Status)

	_, _, err = workflow.Transition(next, status.Pending, workflow.Options{At: fixed})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	failed := domain.WorkItem{ID: "w2", Status: status.Failed}
	back, _, err := workflow.Transition(failed, status.Pending, workflow.Options{At: fixed})
	require.NoError(t, err)
	assert.Equal(t, status.Pending, back.Status)
}

func TestTransitionResolvesLegacyCurrentStatus(t *testing.T) {
	item := domain.WorkItem{ID: "w1", Status: "approved"}
	next, _, err := workflow.Transition(item, status.Publishing, workflow.Options{At: fixed})
	require.NoError(t, err)
	assert.Equal(t, status.Publishing, next.Status)
}

func TestCurrentStatusPrefersHistory(t *testing.T) {
	item := domain.WorkItem{
		Status: status.Pending,
		StatusHistory: []domain.StatusChange{
			{Status: status.Parsing},
			{Status: "to_confirm"},
		},
	}
	assert.Equal(t, status.ParsingReview, workflow.CurrentStatus(item))
}

func TestTransitionDoesNotAliasHistory(t *testing.T) {
	hist := make([]domain.StatusChange, 1, 4)
	hist[0] = domain.StatusChange{Status: status.Pending}
	item := domain.WorkItem{ID: "w1", StatusHistory: hist}
	a, _, err := workflow.Transition(item, status.Parsing, workflow.Options{At: fixed})
	require.NoError(t, err)
	b, _, err := workflow.Transition(item, status.Failed, workflow.Options{At: fixed})
	require.NoError(t, err)
	assert.Equal(t, status.Parsing, a.StatusHistory[1].Status)
	assert.Equal(t, status.Failed, b.StatusHistory[1].Status)
	assert.Len(t, item.StatusHistory, 1)
}

func TestParseTargetRejectsLegacy(t *testing.T) {
	_, err := workflow.ParseTarget("approved")
	require.ErrorIs(t, err, workflow.ErrUnknownStatus)
	s, err := workflow.ParseTarget("publishing")
	require.NoError(t, err)
	assert.Equal(t, status.Publishing, s)
}
