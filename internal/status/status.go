// Package status holds the canonical editorial status vocabulary, the legacy
// alias table and the transition table. Everything here is a pure lookup.
package status

// Status is a canonical pipeline stage of a work item.
type Status string

const (
	Pending            Status = "pending"
	Parsing            Status = "parsing"
	ParsingReview      Status = "parsing_review"
	Proofreading       Status = "proofreading"
	ProofreadingReview Status = "proofreading_review"
	ReadyToPublish     Status = "ready_to_publish"
	Publishing         Status = "publishing"
	Published          Status = "published"
	Failed             Status = "failed"
)

// pipeline is the forward order used for display sorting. Failed sorts last.
var pipeline = []Status{
	Pending,
	Parsing,
	ParsingReview,
	Proofreading,
	ProofreadingReview,
	ReadyToPublish,
	Publishing,
	Published,
	Failed,
}

var order = func() map[Status]int {
	m := make(map[Status]int, len(pipeline))
	for i, s := range pipeline {
		m[s] = i
	}
	return m
}()

var labels = map[Status]string{
	Pending:            "Pending",
	Parsing:            "Parsing",
	ParsingReview:      "Parsing review",
	Proofreading:       "Proofreading",
	ProofreadingReview: "Proofreading review",
	ReadyToPublish:     "Ready to publish",
	Publishing:         "Publishing",
	Published:          "Published",
	Failed:             "Failed",
}

// transitions lists the statuses directly reachable from each status.
// Failed is added to every non-terminal status in init.
var transitions = map[Status][]Status{
	Pending:            {Parsing},
	Parsing:            {ParsingReview},
	ParsingReview:      {Proofreading},
	Proofreading:       {ProofreadingReview},
	ProofreadingReview: {ReadyToPublish},
	ReadyToPublish:     {Publishing, Published},
	Publishing:         {Published},
	Published:          {},
	Failed:             {Pending},
}

func init() {
	for _, s := range pipeline {
		if s == Failed || IsTerminal(s) {
			continue
		}
		transitions[s] = append(transitions[s], Failed)
	}
}

// All returns the canonical statuses in display order.
func All() []Status {
	out := make([]Status, len(pipeline))
	copy(out, pipeline)
	return out
}

// Valid reports whether s is a canonical status token.
func (s Status) Valid() bool {
	_, ok := order[s]
	return ok
}

func (s Status) String() string { return string(s) }

// Order returns the display sort key. Unknown statuses sort after everything.
func Order(s Status) int {
	if i, ok := order[s]; ok {
		return i
	}
	return len(pipeline)
}

// Label returns a human readable label.
func Label(s Status) string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// IsTerminal reports whether no forward work remains. Failed is terminal
// too, but it can be retried back to pending.
func IsTerminal(s Status) bool {
	return s == Published || s == Failed
}

// Next returns the statuses reachable from s.
func Next(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Allowed reports whether to is directly reachable from from.
func Allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
