package reconcile

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"cmsflow/internal/domain"
)

// Segment is a run of content. Plain text has an empty IssueID.
type Segment struct {
	Text     string              `json:"text"`
	IssueID  string              `json:"issue_id,omitempty"`
	Decision domain.DecisionType `json:"decision,omitempty"`
	Severity domain.Severity     `json:"severity,omitempty"`
	Category string              `json:"category,omitempty"`
}

// Skipped is an issue that could not be marked in the annotated view.
type Skipped struct {
	IssueID string `json:"issue_id"`
	Reason  string `json:"reason"`
}

// Annotated is the review view: original text with every issue span tagged
// by its current decision. Nothing is replaced.
type Annotated struct {
	Segments []Segment `json:"segments"`
	Skipped  []Skipped `json:"skipped,omitempty"`
}

// Annotate walks issues in document order and tags their spans. Issues with
// a span outside the content or overlapping an earlier marked span are listed
// in Skipped rather than failing the whole view.
func Annotate(content string, issues []domain.Issue, decisions Decisions) Annotated {
	runes := []rune(content)
	ordered := make([]domain.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Position, ordered[j].Position
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})

	var out Annotated
	cursor := 0
	var last *domain.Issue
	for i := range ordered {
		is := ordered[i]
		p := is.Position
		if !validSpan(p, len(runes)) {
			out.Skipped = append(out.Skipped, Skipped{IssueID: is.ID, Reason: "span outside content"})
			continue
		}
		if last != nil && (p.Start < cursor || p.Overlaps(last.Position)) {
			out.Skipped = append(out.Skipped, Skipped{IssueID: is.ID, Reason: fmt.Sprintf("overlaps issue %s", last.ID)})
			continue
		}
		if p.Start > cursor {
			out.Segments = append(out.Segments, Segment{Text: string(runes[cursor:p.Start])})
		}
		out.Segments = append(out.Segments, Segment{
			Text:     string(runes[p.Start:p.End]),
			IssueID:  is.ID,
			Decision: decisions.Get(is.ID).Type,
			Severity: is.Severity,
			Category: is.Category,
		})
		cursor = p.End
		last = &ordered[i]
	}
	if cursor < len(runes) {
		out.Segments = append(out.Segments, Segment{Text: string(runes[cursor:])})
	}
	return out
}

// Text joins the segments back into the original content.
func (a Annotated) Text() string {
	var b strings.Builder
	for _, s := range a.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Markup wraps every issue span in a <mark> tag carrying the issue id,
// decision and severity. Span text is emitted verbatim.
func (a Annotated) Markup() string {
	var b strings.Builder
	for _, s := range a.Segments {
		if s.IssueID == "" {
			b.WriteString(s.Text)
			continue
		}
		fmt.Fprintf(&b, `<mark data-issue="%s" data-decision="%s" data-severity="%s">`,
			html.EscapeString(s.IssueID), html.EscapeString(string(s.Decision)), html.EscapeString(string(s.Severity)))
		b.WriteString(s.Text)
		b.WriteString("</mark>")
	}
	return b.String()
}
