package decision_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmsflow/internal/decision"
	"cmsflow/internal/domain"
)

func strPtr(s string) *string { return &s }

func issues(ids ...string) []domain.Issue {
	out := make([]domain.Issue, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Issue{ID: id, Severity: domain.SeverityWarning})
	}
	return out
}

func TestGetSynthesizesPending(t *testing.T) {
	s := decision.NewStore()
	d := s.Get("missing")
	assert.Equal(t, domain.PendingDecision("missing"), d)
}

func TestSetMergesOverExisting(t *testing.T) {
	s := decision.NewStore()
	_, err := s.Set("i1", decision.Patch{Rationale: strPtr("typo")})
	require.NoError(t, err)
	d, err := s.Set("i1", decision.TypePatch(domain.DecisionAccepted))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAccepted, d.Type)
	assert.Equal(t, "typo", d.Rationale)
}

func TestSetIsIdempotent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	types := []domain.DecisionType{
		domain.DecisionPending, domain.DecisionAccepted, domain.DecisionRejected, domain.DecisionModified,
	}
	properties.Property("set twice equals set once", prop.ForAll(
		func(ti int, content, rationale string) bool {
			typ := types[ti]
			p := decision.Patch{Type: &typ, ModifiedContent: &content, Rationale: &rationale}

			once := decision.NewStore()
			_, err1 := once.Set("i", p)
			twice := decision.NewStore()
			_, _ = twice.Set("i", p)
			_, err2 := twice.Set("i", p)
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			return once.Get("i") == twice.Get("i")
		},
		gen.IntRange(0, len(types)-1),
		gen.AlphaString(),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestModifiedRequiresContent(t *testing.T) {
	s := decision.NewStore()
	_, err := s.Set("i1", decision.TypePatch(domain.DecisionModified))
	require.ErrorIs(t, err, decision.ErrModifiedContentRequired)
	assert.Equal(t, domain.DecisionPending, s.Get("i1").Type)

	typ := domain.DecisionModified
	d, err := s.Set("i1", decision.Patch{Type: &typ, ModifiedContent: strPtr("漫步")})
	require.NoError(t, err)
	assert.Equal(t, "漫步", d.ModifiedContent)

	d, err = s.Set("i1", decision.TypePatch(domain.DecisionAccepted))
	require.NoError(t, err)
	assert.Empty(t, d.ModifiedContent, "modified content is dropped for non-modified decisions")
}

func TestModifiedRejectsEmptyContent(t *testing.T) {
	s := decision.NewStore()
	typ := domain.DecisionModified
	_, err := s.Set("i1", decision.Patch{Type: &typ, ModifiedContent: strPtr("")})
	require.ErrorIs(t, err, decision.ErrModifiedContentRequired)
	assert.Equal(t, domain.DecisionPending, s.Get("i1").Type)

	err = s.Put(domain.Decision{IssueID: "i1", Type: domain.DecisionModified})
	require.ErrorIs(t, err, decision.ErrModifiedContentRequired)
}

func TestInvalidType(t *testing.T) {
	s := decision.NewStore()
	_, err := s.Set("i1", decision.TypePatch(domain.DecisionType("maybe")))
	require.ErrorIs(t, err, decision.ErrInvalidDecisionType)
}

func TestSetBatchThenStats(t *testing.T) {
	s := decision.NewStore()
	_, err := s.Set("i2", decision.TypePatch(domain.DecisionRejected))
	require.NoError(t, err)

	out, err := s.SetBatch([]string{"i1", "i2", "i3", "i1"}, decision.TypePatch(domain.DecisionAccepted))
	require.NoError(t, err)
	assert.Len(t, out, 3)

	st := s.Stats(issues("i1", "i2", "i3"))
	assert.Equal(t, 3, st.Accepted)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Rejected)
	assert.Equal(t, 0, st.Modified)
	assert.Equal(t, 3, st.BySeverity[domain.SeverityWarning].Accepted)
}

func TestSetBatchIsAllOrNothing(t *testing.T) {
	s := decision.NewStore()
	typ := domain.DecisionModified
	_, err := s.Set("i1", decision.Patch{Type: &typ, ModifiedContent: strPtr("x")})
	require.NoError(t, err)

	// i2 has no modified content, so the whole batch must be refused.
	_, err = s.SetBatch([]string{"i1", "i2"}, decision.Patch{Type: &typ})
	require.ErrorIs(t, err, decision.ErrModifiedContentRequired)
	assert.Equal(t, domain.DecisionModified, s.Get("i1").Type)
	assert.Equal(t, domain.DecisionPending, s.Get("i2").Type)
	assert.Len(t, s.Snapshot(), 1)
}

func TestClear(t *testing.T) {
	s := decision.NewStore()
	_, _ = s.SetBatch([]string{"a", "b"}, decision.TypePatch(domain.DecisionAccepted))
	s.Clear("a")
	assert.Equal(t, domain.DecisionPending, s.Get("a").Type)
	assert.Equal(t, domain.DecisionAccepted, s.Get("b").Type)
	s.ClearAll()
	assert.Empty(t, s.Snapshot())
}

func TestStatsBySeverity(t *testing.T) {
	s := decision.NewStore()
	all := []domain.Issue{
		{ID: "c1", Severity: domain.SeverityCritical},
		{ID: "c2", Severity: domain.SeverityCritical},
		{ID: "w1", Severity: domain.SeverityWarning},
		{ID: "n1", Severity: domain.SeverityInfo},
	}
	_, _ = s.Set("c1", decision.TypePatch(domain.DecisionAccepted))
	_, _ = s.Set("n1", decision.TypePatch(domain.DecisionRejected))
	// decisions for issues outside the set do not count
	_, _ = s.Set("ghost", decision.TypePatch(domain.DecisionAccepted))

	st := s.Stats(all)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 1, st.PendingOf(domain.SeverityCritical))
	assert.Equal(t, 1, st.BySeverity[domain.SeverityInfo].Rejected)
	assert.Equal(t, 2, st.Decided())
}

func TestLoadValidates(t *testing.T) {
	s := decision.NewStore()
	err := s.Load([]domain.Decision{{IssueID: "i1", Type: domain.DecisionModified}})
	require.Error(t, err)

	require.NoError(t, s.Load([]domain.Decision{{IssueID: "i1", Type: domain.DecisionAccepted, Version: 4}}))
	assert.Equal(t, int64(4), s.Get("i1").Version)
}
