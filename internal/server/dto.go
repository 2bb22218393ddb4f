package server

import (
	"encoding/json"

	"cmsflow/internal/decision"
	"cmsflow/internal/domain"
	"cmsflow/internal/engine"
	"cmsflow/internal/reconcile"
	"cmsflow/internal/status"
)

// Request payloads

type ChangeStatusRequest struct {
	Status string `json:"status" enum:"pending,parsing,parsing_review,proofreading,proofreading_review,ready_to_publish,publishing,published,failed"`
	Reason string `json:"reason,omitempty"`
}

type SaveDecisionsRequest struct {
	Decisions []domain.Decision `json:"decisions"`
}

type BatchDecisionRequest struct {
	IssueIDs        []string `json:"issue_ids" minItems:"1"`
	Type            string   `json:"type" enum:"pending,accepted,rejected,modified"`
	ModifiedContent string   `json:"modified_content,omitempty"`
	Rationale       string   `json:"rationale,omitempty"`
	Version         int64    `json:"version,omitempty"`
}

type ImportIssuesRequest struct {
	Issues []domain.Issue `json:"issues"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkItemSummary struct {
	ID          string        `json:"id"`
	SourceID    string        `json:"source_id,omitempty"`
	Title       string        `json:"title"`
	Status      status.Status `json:"status"`
	StatusLabel string        `json:"status_label"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

type WorkItemResponse struct {
	domain.WorkItem
	StatusLabel string          `json:"status_label"`
	Next        []status.Status `json:"next"`
}

type ReviewResponse struct {
	Item      WorkItemResponse  `json:"item"`
	Issues    []domain.Issue    `json:"issues"`
	Decisions []domain.Decision `json:"decisions"`
	Stats     decision.Stats    `json:"stats"`
	Complete  bool              `json:"complete"`
}

type StatsResponse struct {
	decision.Stats
	Complete bool `json:"complete"`
}

type SaveDecisionsResponse = engine.SaveResult

type ReconciledResponse = reconcile.View

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type paginatedWorkItems struct {
	Items []WorkItemSummary `json:"items"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

type historyResponse struct {
	Items []domain.StatusChange `json:"items"`
}

type issuesResponse struct {
	Items []domain.Issue `json:"items"`
}

// Conversion helpers

func workItemSummary(w domain.WorkItem) WorkItemSummary {
	return WorkItemSummary{
		ID:          w.ID,
		SourceID:    w.SourceID,
		Title:       w.Title,
		Status:      w.Status,
		StatusLabel: status.Label(w.Status),
		UpdatedAt:   w.UpdatedAt,
	}
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	if w.StatusHistory == nil {
		w.StatusHistory = []domain.StatusChange{}
	}
	next := status.Next(w.Status)
	if next == nil {
		next = []status.Status{}
	}
	return WorkItemResponse{WorkItem: w, StatusLabel: status.Label(w.Status), Next: next}
}

func reviewResponse(rv engine.Review) ReviewResponse {
	return ReviewResponse{
		Item:      workItemResponse(rv.Item),
		Issues:    rv.Issues,
		Decisions: rv.Decisions,
		Stats:     rv.Stats,
		Complete:  rv.Stats.Pending == 0,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
