package status

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// legacyAliases maps the retired evaluate/confirm/review/revise vocabulary
// and older synonyms onto canonical statuses. This is the only place legacy
// tokens are translated.
var legacyAliases = map[string]Status{
	"draft":         Pending,
	"new":           Pending,
	"to_evaluate":   Parsing,
	"evaluating":    Parsing,
	"to_confirm":    ParsingReview,
	"to_proofread":  Proofreading,
	"to_revise":     Proofreading,
	"revising":      Proofreading,
	"under_review":  ProofreadingReview,
	"in_review":     ProofreadingReview,
	"approved":      ReadyToPublish,
	"ready":         ReadyToPublish,
	"scheduled":     Publishing,
	"completed":     Published,
	"done":          Published,
	"error":         Failed,
}

// Default is returned for tokens that are neither canonical nor aliased.
const Default = Pending

// Resolution describes how a token was resolved.
type Resolution struct {
	Status Status
	Legacy bool
	Known  bool
}

// ResolveReport resolves token and reports whether it was canonical,
// a legacy alias, or unknown.
func ResolveReport(token string) Resolution {
	if s := Status(token); s.Valid() {
		return Resolution{Status: s, Known: true}
	}
	norm := strings.ToLower(strings.TrimSpace(token))
	if s := Status(norm); s.Valid() {
		return Resolution{Status: s, Known: true}
	}
	if s, ok := legacyAliases[norm]; ok {
		return Resolution{Status: s, Legacy: true, Known: true}
	}
	return Resolution{Status: Default}
}

// Resolve maps any token to a canonical status. It never fails; unknown
// tokens resolve to pending.
func Resolve(token string) Status {
	return ResolveReport(token).Status
}

// IsLegacy reports whether token is a retired alias.
func IsLegacy(token string) bool {
	return ResolveReport(token).Legacy
}

// Aliases returns a copy of the legacy alias table.
func Aliases() map[string]Status {
	out := make(map[string]Status, len(legacyAliases))
	for k, v := range legacyAliases {
		out[k] = v
	}
	return out
}

// Resolver resolves tokens and logs unknown ones as data-quality warnings.
type Resolver struct {
	Logger *slog.Logger
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve is Resolve with a warning for unknown tokens.
func (r Resolver) Resolve(ctx context.Context, token string) Status {
	res := ResolveReport(token)
	if !res.Known {
		r.logger().WarnContext(ctx, "unknown status token, using default",
			slog.String("token", token),
			slog.String("default", string(Default)),
		)
	}
	return res.Status
}

// Tokens returns s followed by every legacy alias that resolves to it, for
// matching stored rows.
func Tokens(s Status) []string {
	out := []string{string(s)}
	for k, v := range legacyAliases {
		if v == s {
			out = append(out, k)
		}
	}
	sort.Strings(out[1:])
	return out
}
