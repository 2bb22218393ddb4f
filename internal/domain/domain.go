package domain

import "cmsflow/internal/status"

// WorkItem is one article moving through the editorial pipeline.
type WorkItem struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"source_id,omitempty"`
	Title         string         `json:"title"`
	Status        status.Status  `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`
	Content       string         `json:"content"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// StatusChange is one append-only history entry.
type StatusChange struct {
	Status    status.Status `json:"status"`
	ChangedAt string        `json:"changed_at" format:"date-time"`
	ChangedBy string        `json:"changed_by,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severities lists the known severities, most severe first.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityWarning, SeverityInfo}
}

// Position is a half-open [Start, End) code point span.
type Position struct {
	Start int `json:"start" minimum:"0"`
	End   int `json:"end" minimum:"0"`
}

func (p Position) Len() int { return p.End - p.Start }

// Overlaps reports whether two spans share at least one code point, or are
// two insertions at the same offset.
func (p Position) Overlaps(o Position) bool {
	if p.Len() == 0 && o.Len() == 0 {
		return p.Start == o.Start
	}
	return p.Start < o.End && o.Start < p.End
}

// Issue is a single proposed text edit.
type Issue struct {
	ID            string   `json:"id" required:"false"`
	WorkItemID    string   `json:"work_item_id,omitempty"`
	Severity      Severity `json:"severity" enum:"critical,warning,info"`
	Category      string   `json:"category,omitempty"`
	Position      Position `json:"position"`
	OriginalText  string   `json:"original_text" required:"false"`
	SuggestedText string   `json:"suggested_text"`
	Explanation   string   `json:"explanation,omitempty"`
	Engine        string   `json:"engine,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

type DecisionType string

const (
	DecisionPending  DecisionType = "pending"
	DecisionAccepted DecisionType = "accepted"
	DecisionRejected DecisionType = "rejected"
	DecisionModified DecisionType = "modified"
)

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionPending, DecisionAccepted, DecisionRejected, DecisionModified:
		return true
	}
	return false
}

// Applies reports whether the decision replaces the issue span.
func (t DecisionType) Applies() bool {
	return t == DecisionAccepted || t == DecisionModified
}

// Decision is the resolution of one issue. At most one per issue.
type Decision struct {
	IssueID          string       `json:"issue_id"`
	Type             DecisionType `json:"type" enum:"pending,accepted,rejected,modified"`
	ModifiedContent  string       `json:"modified_content,omitempty"`
	Rationale        string       `json:"rationale,omitempty"`
	FeedbackCategory string       `json:"feedback_category,omitempty"`
	FeedbackNotes    string       `json:"feedback_notes,omitempty"`
	DecidedBy        string       `json:"decided_by,omitempty"`
	DecidedAt        string       `json:"decided_at,omitempty" format:"date-time"`
	Version          int64        `json:"version,omitempty"`
}

// PendingDecision is the synthetic decision every issue starts with.
func PendingDecision(issueID string) Decision {
	return Decision{IssueID: issueID, Type: DecisionPending}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
