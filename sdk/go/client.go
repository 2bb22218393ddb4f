package cmsflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cmsflow/internal/decision"
	"cmsflow/internal/domain"
	"cmsflow/internal/reconcile"
	"cmsflow/internal/status"
	"cmsflow/internal/workflow"
)

// Client is a minimal cmsflow HTTP API client. It also satisfies
// workflow.Persister, so a coordinator can save through a remote server.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

var _ workflow.Persister = (*Client)(nil)
var _ workflow.Rejection = (*APIError)(nil)

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// WorkItemSummary is a worklist row.
type WorkItemSummary struct {
	ID          string        `json:"id"`
	SourceID    string        `json:"source_id,omitempty"`
	Title       string        `json:"title"`
	Status      status.Status `json:"status"`
	StatusLabel string        `json:"status_label"`
	UpdatedAt   string        `json:"updated_at"`
}

// WorkItem is a full work item with its allowed next statuses.
type WorkItem struct {
	domain.WorkItem
	StatusLabel string          `json:"status_label"`
	Next        []status.Status `json:"next"`
}

// Review is a work item with its issues and decisions.
type Review struct {
	Item      WorkItem          `json:"item"`
	Issues    []domain.Issue    `json:"issues"`
	Decisions []domain.Decision `json:"decisions"`
	Stats     decision.Stats    `json:"stats"`
	Complete  bool              `json:"complete"`
}

// Snapshot converts a review into coordinator input.
func (r Review) Snapshot() workflow.Snapshot {
	return workflow.Snapshot{Item: r.Item.WorkItem, Issues: r.Issues, Decisions: r.Decisions}
}

// Stats are decision counts of one item.
type Stats struct {
	decision.Stats
	Complete bool `json:"complete"`
}

// SaveResult is the outcome of a decision save. Stale lists issues whose
// stored decision was newer than the submitted one.
type SaveResult struct {
	Saved []domain.Decision `json:"saved"`
	Stale []string          `json:"stale,omitempty"`
}

// ApplyResult is the outcome of writing edits into the content.
type ApplyResult struct {
	Item     domain.WorkItem     `json:"item"`
	Applied  []string            `json:"applied"`
	Dropped  []string            `json:"dropped,omitempty"`
	Warnings []reconcile.Warning `json:"warnings,omitempty"`
}

// SyncResult lists item ids by what a sync did to them.
type SyncResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Principal is the identity the server resolved for the client.
type Principal struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Rejection reports whether the server refused the request itself. Missing
// or bad credentials, timeouts and rate limits may pass on a later attempt.
func (e *APIError) Rejection() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Unwrap maps error codes to the matching local sentinel errors so callers
// can use errors.Is the same way for local and remote work.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_transition":
		return workflow.ErrInvalidTransition
	case "reconciliation_conflict":
		return reconcile.ErrConflict
	}
	return nil
}

// ListWorkItems returns the worklist, optionally filtered by status.
func (c *Client) ListWorkItems(ctx context.Context, statusFilter string, limit int) ([]WorkItemSummary, error) {
	q := url.Values{}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Items []WorkItemSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("worklist", q), nil, &resp)
	return resp.Items, err
}

// GetWorkItem fetches one item.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, itemPath(id, ""), nil, &resp)
	return resp, err
}

// History returns the status history of an item, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]domain.StatusChange, error) {
	var resp struct {
		Items []domain.StatusChange `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, itemPath(id, "history"), nil, &resp)
	return resp.Items, err
}

// Review fetches an item with its issues and decisions.
func (c *Client) Review(ctx context.Context, id string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodGet, itemPath(id, "review"), nil, &resp)
	return resp, err
}

// Stats fetches decision counts of an item.
func (c *Client) Stats(ctx context.Context, id string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, itemPath(id, "stats"), nil, &resp)
	return resp, err
}

// ChangeStatus requests a status change.
func (c *Client) ChangeStatus(ctx context.Context, id string, target status.Status, reason string) (WorkItem, error) {
	body := map[string]any{"status": string(target)}
	if reason != "" {
		body["reason"] = reason
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, itemPath(id, "status"), body, &resp)
	return resp, err
}

// SaveDecisionDraft stores decisions and reports stale ones.
func (c *Client) SaveDecisionDraft(ctx context.Context, id string, ds []domain.Decision) (SaveResult, error) {
	var resp SaveResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "review-decisions"), map[string]any{"decisions": ds}, &resp)
	return resp, err
}

// BatchDecision applies one decision to many issues.
func (c *Client) BatchDecision(ctx context.Context, id string, b workflow.BatchDecision) (SaveResult, error) {
	var resp SaveResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "batch-decisions"), b, &resp)
	return resp, err
}

// ImportIssues replaces the issues of an item.
func (c *Client) ImportIssues(ctx context.Context, id string, issues []domain.Issue) ([]domain.Issue, error) {
	var resp struct {
		Items []domain.Issue `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, itemPath(id, "issues"), map[string]any{"issues": issues}, &resp)
	return resp.Items, err
}

// Reconciled renders the item content in the given mode.
func (c *Client) Reconciled(ctx context.Context, id string, mode reconcile.Mode) (reconcile.View, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", string(mode))
	}
	var resp reconcile.View
	err := c.do(ctx, http.MethodGet, withQuery(itemPath(id, "reconciled"), q), nil, &resp)
	return resp, err
}

// Apply writes accepted and modified edits into the stored content.
func (c *Client) Apply(ctx context.Context, id string) (ApplyResult, error) {
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "apply"), nil, &resp)
	return resp, err
}

// Sync asks the server to pull its content source.
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "worklist/sync", nil, &resp)
	return resp, err
}

// Events returns recent events of an item.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(itemPath(id, "events"), q), nil, &resp)
	return resp.Items, err
}

// Me returns the principal the server resolved for this client.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// SaveStatus implements workflow.Persister.
func (c *Client) SaveStatus(ctx context.Context, itemID string, change domain.StatusChange) error {
	_, err := c.ChangeStatus(ctx, itemID, change.Status, change.Reason)
	return err
}

// SaveDecisions implements workflow.Persister. Stale decisions come back as
// the stored record.
func (c *Client) SaveDecisions(ctx context.Context, itemID string, ds []domain.Decision) ([]domain.Decision, error) {
	res, err := c.SaveDecisionDraft(ctx, itemID, ds)
	return res.Saved, err
}

// SaveBatchDecision implements workflow.Persister.
func (c *Client) SaveBatchDecision(ctx context.Context, itemID string, b workflow.BatchDecision) ([]domain.Decision, error) {
	res, err := c.BatchDecision(ctx, itemID, b)
	return res.Saved, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(code int, body []byte) error {
	apiErr := &APIError{StatusCode: code, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func itemPath(id, p string) string {
	out := "worklist/" + url.PathEscape(id)
	if p != "" {
		out += "/" + p
	}
	return out
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
