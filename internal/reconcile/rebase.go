package reconcile

import (
	"unicode/utf8"

	"cmsflow/internal/domain"
)

// Rebase moves the spans of issues that were not applied so they address the
// reconstructed content. Issues overlapping an applied span cannot be mapped
// and are returned as dropped. Applied issues are in neither list.
func Rebase(issues []domain.Issue, decisions Decisions) (kept []domain.Issue, dropped []string) {
	type shift struct {
		pos   domain.Position
		delta int
	}
	var applied []shift
	for _, is := range issues {
		d := decisions.Get(is.ID)
		if d.Type.Applies() {
			applied = append(applied, shift{pos: is.Position, delta: utf8.RuneCountInString(replacement(is, d)) - is.Position.Len()})
		}
	}
	for _, is := range issues {
		if decisions.Get(is.ID).Type.Applies() {
			continue
		}
		delta, ok := 0, true
		for _, a := range applied {
			if a.pos.Overlaps(is.Position) {
				ok = false
				break
			}
			if a.pos.End <= is.Position.Start {
				delta += a.delta
			}
		}
		if !ok {
			dropped = append(dropped, is.ID)
			continue
		}
		is.Position.Start += delta
		is.Position.End += delta
		kept = append(kept, is)
	}
	return kept, dropped
}
