package reconcile

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"cmsflow/internal/domain"
)

type HunkOp string

const (
	HunkEqual  HunkOp = "equal"
	HunkInsert HunkOp = "insert"
	HunkDelete HunkOp = "delete"
)

type Hunk struct {
	Op   HunkOp `json:"op" enum:"equal,insert,delete"`
	Text string `json:"text"`
}

// DiffView pairs the pristine and reconciled content for comparison views.
type DiffView struct {
	Original   string    `json:"original"`
	Reconciled string    `json:"reconciled"`
	Hunks      []Hunk    `json:"hunks"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Diff reconstructs content and computes a character diff against the
// original. It fails exactly when Reconstruct fails.
func Diff(content string, issues []domain.Issue, decisions Decisions) (DiffView, error) {
	res, err := Reconstruct(content, issues, decisions)
	if err != nil {
		return DiffView{}, err
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(content, res.Content, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	view := DiffView{
		Original:   content,
		Reconciled: res.Content,
		Hunks:      make([]Hunk, 0, len(diffs)),
		Warnings:   res.Warnings,
	}
	for _, d := range diffs {
		var op HunkOp
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = HunkInsert
		case diffmatchpatch.DiffDelete:
			op = HunkDelete
		default:
			op = HunkEqual
		}
		view.Hunks = append(view.Hunks, Hunk{Op: op, Text: d.Text})
	}
	return view, nil
}

// Changed reports whether the reconciled text differs from the original.
func (v DiffView) Changed() bool {
	return v.Original != v.Reconciled
}

// Unified renders the hunks as a compact inline diff: [-removed-]{+added+}.
func (v DiffView) Unified() string {
	var b strings.Builder
	for _, h := range v.Hunks {
		switch h.Op {
		case HunkInsert:
			fmt.Fprintf(&b, "{+%s+}", h.Text)
		case HunkDelete:
			fmt.Fprintf(&b, "[-%s-]", h.Text)
		default:
			b.WriteString(h.Text)
		}
	}
	return b.String()
}
