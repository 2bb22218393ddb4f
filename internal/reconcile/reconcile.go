// Package reconcile applies accepted and modified issue decisions to
// document content, and produces annotated and diff views of the result.
//
// Issue positions are half-open code point offsets into the content as it was
// when the issues were generated. Reconstruction applies edits from the end of
// the document towards the start, so an applied edit never shifts the offsets
// of an edit that is still waiting.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"cmsflow/internal/domain"
)

// ErrConflict marks overlapping applied spans.
var ErrConflict = errors.New("reconciliation conflict")

// Decisions resolves the decision for an issue. Implementations must return a
// pending decision for unknown ids.
type Decisions interface {
	Get(issueID string) domain.Decision
}

// DecisionMap adapts a plain map to Decisions.
type DecisionMap map[string]domain.Decision

func (m DecisionMap) Get(issueID string) domain.Decision {
	if d, ok := m[issueID]; ok {
		return d
	}
	return domain.PendingDecision(issueID)
}

// ConflictError reports two applied issues whose spans overlap.
type ConflictError struct {
	First  domain.Issue
	Second domain.Issue
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reconciliation conflict: issue %s [%d,%d) overlaps issue %s [%d,%d)",
		e.First.ID, e.First.Position.Start, e.First.Position.End,
		e.Second.ID, e.Second.Position.Start, e.Second.Position.End)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// SpanError reports a position outside the content.
type SpanError struct {
	IssueID  string
	Position domain.Position
	Length   int
}

func (e *SpanError) Error() string {
	return fmt.Sprintf("issue %s span [%d,%d) outside content of length %d",
		e.IssueID, e.Position.Start, e.Position.End, e.Length)
}

// Warning flags an issue whose original text no longer matches the content
// at its offsets. Offsets still win.
type Warning struct {
	IssueID  string `json:"issue_id"`
	Expected string `json:"expected"`
	Found    string `json:"found"`
}

func (w Warning) String() string {
	return fmt.Sprintf("issue %s: expected %q at span, found %q", w.IssueID, w.Expected, w.Found)
}

// Result is a reconstructed document.
type Result struct {
	Content  string    `json:"content"`
	Applied  []string  `json:"applied"`
	Warnings []Warning `json:"warnings,omitempty"`
}

func replacement(is domain.Issue, d domain.Decision) string {
	if d.Type == domain.DecisionModified {
		return d.ModifiedContent
	}
	return is.SuggestedText
}

func validSpan(p domain.Position, n int) bool {
	return p.Start >= 0 && p.Start <= p.End && p.End <= n
}

func textMatches(expected, found string) bool {
	return expected == found || norm.NFC.String(expected) == norm.NFC.String(found)
}

// Reconstruct applies every accepted or modified issue to content. Rejected and
// pending issues leave their span untouched.
func Reconstruct(content string, issues []domain.Issue, decisions Decisions) (Result, error) {
	runes := []rune(content)
	type edit struct {
		issue domain.Issue
		text  string
	}
	var edits []edit
	for _, is := range issues {
		d := decisions.Get(is.ID)
		if !d.Type.Applies() {
			continue
		}
		if !validSpan(is.Position, len(runes)) {
			return Result{}, &SpanError{IssueID: is.ID, Position: is.Position, Length: len(runes)}
		}
		edits = append(edits, edit{issue: is, text: replacement(is, d)})
	}

	// Back to front; for equal starts the longer span goes first so an
	// insertion at the same offset lands before the replaced text.
	sort.SliceStable(edits, func(i, j int) bool {
		a, b := edits[i].issue.Position, edits[j].issue.Position
		if a.Start != b.Start {
			return a.Start > b.Start
		}
		return a.End > b.End
	})
	for i := 1; i < len(edits); i++ {
		later, earlier := edits[i-1].issue, edits[i].issue
		if earlier.Position.Overlaps(later.Position) {
			return Result{}, &ConflictError{First: earlier, Second: later}
		}
	}

	res := Result{Applied: make([]string, 0, len(edits))}
	if len(edits) == 0 {
		res.Content = content
		return res, nil
	}
	for _, e := range edits {
		p := e.issue.Position
		found := string(runes[p.Start:p.End])
		if e.issue.OriginalText != "" && !textMatches(e.issue.OriginalText, found) {
			res.Warnings = append(res.Warnings, Warning{IssueID: e.issue.ID, Expected: e.issue.OriginalText, Found: found})
		}
		next := make([]rune, 0, len(runes)-p.Len()+len(e.text))
		next = append(next, runes[:p.Start]...)
		next = append(next, []rune(e.text)...)
		next = append(next, runes[p.End:]...)
		runes = next
		res.Applied = append(res.Applied, e.issue.ID)
	}
	// Applied and Warnings are reported in document order.
	reverse(res.Applied)
	for i, j := 0, len(res.Warnings)-1; i < j; i, j = i+1, j-1 {
		res.Warnings[i], res.Warnings[j] = res.Warnings[j], res.Warnings[i]
	}
	res.Content = string(runes)
	return res, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Slice returns content[start:end] in code points, clamped to the content.
func Slice(content string, p domain.Position) string {
	runes := []rune(content)
	start, end := p.Start, p.End
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// Splice replaces a single span. It is the one-edit case of Reconstruct.
func Splice(content string, p domain.Position, text string) (string, error) {
	runes := []rune(content)
	if !validSpan(p, len(runes)) {
		return "", &SpanError{Position: p, Length: len(runes)}
	}
	var b strings.Builder
	b.WriteString(string(runes[:p.Start]))
	b.WriteString(text)
	b.WriteString(string(runes[p.End:]))
	return b.String(), nil
}
