package reconcile

import (
	"fmt"
	"strings"

	"cmsflow/internal/domain"
)

type Mode string

const (
	ModeAnnotated Mode = "annotated"
	ModeFinal     Mode = "final"
	ModeDiff      Mode = "diff"
)

// ParseMode accepts the three view names, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAnnotated, ModeFinal, ModeDiff:
		return m, nil
	case "":
		return ModeFinal, nil
	default:
		return "", fmt.Errorf("invalid reconcile mode %q", s)
	}
}

// View holds exactly one of the three outputs, selected by Mode.
type View struct {
	Mode      Mode       `json:"mode" enum:"annotated,final,diff"`
	Final     *Result    `json:"final,omitempty"`
	Annotated *Annotated `json:"annotated,omitempty"`
	Diff      *DiffView  `json:"diff,omitempty"`
}

// Warnings returns integrity warnings of the final or diff output.
func (v View) Warnings() []Warning {
	switch {
	case v.Final != nil:
		return v.Final.Warnings
	case v.Diff != nil:
		return v.Diff.Warnings
	}
	return nil
}

// Render computes the view for mode.
func Render(mode Mode, content string, issues []domain.Issue, decisions Decisions) (View, error) {
	switch mode {
	case ModeAnnotated:
		a := Annotate(content, issues, decisions)
		return View{Mode: mode, Annotated: &a}, nil
	case ModeFinal:
		res, err := Reconstruct(content, issues, decisions)
		if err != nil {
			return View{}, err
		}
		return View{Mode: mode, Final: &res}, nil
	case ModeDiff:
		d, err := Diff(content, issues, decisions)
		if err != nil {
			return View{}, err
		}
		return View{Mode: mode, Diff: &d}, nil
	default:
		return View{}, fmt.Errorf("invalid reconcile mode %q", mode)
	}
}
