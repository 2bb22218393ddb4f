// Package decision keeps the per-item map of issue decisions.
package decision

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cmsflow/internal/domain"
)

var (
	// ErrModifiedContentRequired is returned for a modified decision whose
	// content is empty. An empty string and an absent one are the same on the
	// wire and in storage, so deleting a span is an accepted decision on an
	// issue with empty suggested text.
	ErrModifiedContentRequired = errors.New("modified decision requires modified content")
	ErrInvalidDecisionType     = errors.New("invalid decision type")
)

// Patch is merged over the current decision. Nil fields are left alone.
type Patch struct {
	Type             *domain.DecisionType
	ModifiedContent  *string
	Rationale        *string
	FeedbackCategory *string
	FeedbackNotes    *string
	DecidedBy        *string
	DecidedAt        *string
	Version          *int64
}

// TypePatch is a patch that only sets the decision type.
func TypePatch(t domain.DecisionType) Patch {
	return Patch{Type: &t}
}

// ResetPatch turns a decision back into a bare pending one.
func ResetPatch() Patch {
	t := domain.DecisionPending
	empty := ""
	return Patch{
		Type:             &t,
		ModifiedContent:  &empty,
		Rationale:        &empty,
		FeedbackCategory: &empty,
		FeedbackNotes:    &empty,
		DecidedBy:        &empty,
		DecidedAt:        &empty,
	}
}

func (p Patch) apply(d domain.Decision) (domain.Decision, error) {
	if p.Type != nil {
		d.Type = *p.Type
	}
	if p.ModifiedContent != nil {
		d.ModifiedContent = *p.ModifiedContent
	}
	if p.Rationale != nil {
		d.Rationale = *p.Rationale
	}
	if p.FeedbackCategory != nil {
		d.FeedbackCategory = *p.FeedbackCategory
	}
	if p.FeedbackNotes != nil {
		d.FeedbackNotes = *p.FeedbackNotes
	}
	if p.DecidedBy != nil {
		d.DecidedBy = *p.DecidedBy
	}
	if p.DecidedAt != nil {
		d.DecidedAt = *p.DecidedAt
	}
	if p.Version != nil {
		d.Version = *p.Version
	}
	if err := Normalize(&d); err != nil {
		return d, fmt.Errorf("issue %s: %w", d.IssueID, err)
	}
	return d, nil
}

// Normalize validates d and drops fields that do not apply to its type. A
// modified decision needs non-empty content.
func Normalize(d *domain.Decision) error {
	if d.Type == "" {
		d.Type = domain.DecisionPending
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDecisionType, d.Type)
	}
	if d.Type == domain.DecisionModified {
		if d.ModifiedContent == "" {
			return ErrModifiedContentRequired
		}
		return nil
	}
	d.ModifiedContent = ""
	return nil
}

// Store maps issue ids to decisions. Absent ids read as pending.
type Store struct {
	mu        sync.RWMutex
	decisions map[string]domain.Decision
}

func NewStore() *Store {
	return &Store{decisions: map[string]domain.Decision{}}
}

// Load replaces the store contents with persisted decisions.
func (s *Store) Load(decisions []domain.Decision) error {
	next := make(map[string]domain.Decision, len(decisions))
	for _, d := range decisions {
		if err := Normalize(&d); err != nil {
			return fmt.Errorf("issue %s: %w", d.IssueID, err)
		}
		next[d.IssueID] = d
	}
	s.mu.Lock()
	s.decisions = next
	s.mu.Unlock()
	return nil
}

// Get never returns an empty decision.
func (s *Store) Get(issueID string) domain.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(issueID)
}

func (s *Store) get(issueID string) domain.Decision {
	if d, ok := s.decisions[issueID]; ok {
		return d
	}
	return domain.PendingDecision(issueID)
}

// Set merges p over the current decision for issueID.
func (s *Store) Set(issueID string, p Patch) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := p.apply(s.get(issueID))
	if err != nil {
		return domain.Decision{}, err
	}
	s.decisions[issueID] = d
	return d, nil
}

// SetBatch applies p to every id. Either every decision is updated or none.
func (s *Store) SetBatch(issueIDs []string, p Patch) ([]domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Decision, 0, len(issueIDs))
	seen := make(map[string]bool, len(issueIDs))
	for _, id := range issueIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := p.apply(s.get(id))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	for _, d := range out {
		s.decisions[d.IssueID] = d
	}
	return out, nil
}

// Put stores d as is, after validation.
func (s *Store) Put(d domain.Decision) error {
	if err := Normalize(&d); err != nil {
		return err
	}
	s.mu.Lock()
	s.decisions[d.IssueID] = d
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(issueID string) domain.Decision {
	s.mu.Lock()
	delete(s.decisions, issueID)
	s.mu.Unlock()
	return domain.PendingDecision(issueID)
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	s.decisions = map[string]domain.Decision{}
	s.mu.Unlock()
}

// Snapshot returns the explicit decisions ordered by issue id.
func (s *Store) Snapshot() []domain.Decision {
	s.mu.RLock()
	out := make([]domain.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out
}

// Counts tallies decisions by type.
type Counts struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Modified int `json:"modified"`
	Total    int `json:"total"`
}

func (c *Counts) add(t domain.DecisionType) {
	switch t {
	case domain.DecisionAccepted:
		c.Accepted++
	case domain.DecisionRejected:
		c.Rejected++
	case domain.DecisionModified:
		c.Modified++
	default:
		c.Pending++
	}
	c.Total++
}

// Decided is the number of non-pending decisions.
func (c Counts) Decided() int { return c.Total - c.Pending }

type Stats struct {
	Counts
	BySeverity map[domain.Severity]Counts `json:"by_severity"`
}

// PendingOf returns the number of pending issues of the given severity.
func (s Stats) PendingOf(sev domain.Severity) int {
	return s.BySeverity[sev].Pending
}

// Stats counts decisions over issues, treating missing entries as pending.
func (s *Store) Stats(issues []domain.Issue) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{BySeverity: map[domain.Severity]Counts{}}
	for _, sev := range domain.Severities() {
		st.BySeverity[sev] = Counts{}
	}
	for _, is := range issues {
		t := s.get(is.ID).Type
		st.add(t)
		c := st.BySeverity[is.Severity]
		c.add(t)
		st.BySeverity[is.Severity] = c
	}
	return st
}
