package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cmsflow/internal/config"
	"cmsflow/internal/decision"
	"cmsflow/internal/docsource"
	"cmsflow/internal/domain"
	"cmsflow/internal/events"
	"cmsflow/internal/publishq"
	"cmsflow/internal/reconcile"
	"cmsflow/internal/repo"
	"cmsflow/internal/status"
	"cmsflow/internal/workflow"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Publish publishq.Queue
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Publish: publishq.Nop{},
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// ValidationError is a business-rule failure that is not a transition
// rejection.
type ValidationError struct {
	Reason  string
	Details map[string]any
}

func (v *ValidationError) Error() string { return "validation failed: " + v.Reason }

// Rejection marks the error as a refusal for coordinators.
func (v *ValidationError) Rejection() bool { return true }

// resolveItem turns stored status tokens into canonical ones.
func (e Engine) resolveItem(ctx context.Context, w domain.WorkItem) domain.WorkItem {
	r := status.Resolver{Logger: e.log()}
	for i, c := range w.StatusHistory {
		w.StatusHistory[i].Status = r.Resolve(ctx, string(c.Status))
	}
	if n := len(w.StatusHistory); n > 0 {
		w.Status = w.StatusHistory[n-1].Status
	} else {
		w.Status = r.Resolve(ctx, string(w.Status))
	}
	return w
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, nil, id)
	if err != nil {
		return w, err
	}
	return e.resolveItem(ctx, w), nil
}

type ListOptions struct {
	// Status filters by canonical status; stored legacy aliases match too.
	Status string
	Limit  int
}

// ListWorkItems returns items ordered by pipeline position, then most recently
// updated first.
func (e Engine) ListWorkItems(ctx context.Context, opts ListOptions) ([]domain.WorkItem, error) {
	var f repo.WorkItemFilters
	if opts.Status != "" {
		s, err := workflow.ParseTarget(opts.Status)
		if err != nil {
			return nil, err
		}
		f.Statuses = status.Tokens(s)
	}
	f.Limit = opts.Limit
	items, err := e.Repo.ListWorkItems(ctx, f)
	if err != nil {
		return nil, err
	}
	r := status.Resolver{Logger: e.log()}
	for i := range items {
		items[i].Status = r.Resolve(ctx, string(items[i].Status))
		items[i].StatusHistory = nil
	}
	sort.SliceStable(items, func(i, j int) bool {
		oi, oj := status.Order(items[i].Status), status.Order(items[j].Status)
		if oi != oj {
			return oi < oj
		}
		return items[i].UpdatedAt > items[j].UpdatedAt
	})
	return items, nil
}

func (e Engine) History(ctx context.Context, id string) ([]domain.StatusChange, error) {
	w, err := e.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.StatusHistory, nil
}

// Review is everything a reviewer needs for one item.
type Review struct {
	Item      domain.WorkItem   `json:"item"`
	Issues    []domain.Issue    `json:"issues"`
	Decisions []domain.Decision `json:"decisions"`
	Stats     decision.Stats    `json:"stats"`
}

func (rv Review) Snapshot() workflow.Snapshot {
	return workflow.Snapshot{Item: rv.Item, Issues: rv.Issues, Decisions: rv.Decisions}
}

func (e Engine) review(ctx context.Context, tx *sql.Tx, id string) (Review, error) {
	w, err := e.Repo.GetWorkItem(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	issues, err := e.Repo.ListIssues(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	stored, err := e.Repo.ListDecisions(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	store := decision.NewStore()
	if err := store.Load(stored); err != nil {
		return Review{}, fmt.Errorf("load decisions for %s: %w", id, err)
	}
	rv := Review{Item: e.resolveItem(ctx, w), Issues: issues, Decisions: make([]domain.Decision, 0, len(issues))}
	for _, is := range issues {
		rv.Decisions = append(rv.Decisions, store.Get(is.ID))
	}
	rv.Stats = store.Stats(issues)
	return rv, nil
}

// Review loads an item with its issues and one decision per issue.
func (e Engine) Review(ctx context.Context, id string) (Review, error) {
	return e.review(ctx, nil, id)
}

func (e Engine) Stats(ctx context.Context, id string) (decision.Stats, error) {
	rv, err := e.review(ctx, nil, id)
	return rv.Stats, err
}

// Reconciled renders the item content with the stored decisions.
func (e Engine) Reconciled(ctx context.Context, id string, mode reconcile.Mode) (reconcile.View, error) {
	rv, err := e.review(ctx, nil, id)
	if err != nil {
		return reconcile.View{}, err
	}
	view, err := reconcile.Render(mode, rv.Item.Content, rv.Issues, decisionMap(rv.Decisions))
	if err != nil {
		return view, err
	}
	for _, w := range view.Warnings() {
		e.log().WarnContext(ctx, "issue text does not match content",
			slog.String("item_id", id), slog.String("issue_id", w.IssueID))
	}
	return view, nil
}

func decisionMap(ds []domain.Decision) reconcile.DecisionMap {
	m := make(reconcile.DecisionMap, len(ds))
	for _, d := range ds {
		m[d.IssueID] = d
	}
	return m
}

type ChangeStatusOptions struct {
	ID      string
	Target  string
	ActorID string
	Reason  string
}

// ChangeStatus validates and records a status change. Entering publishing
// hands the item to the publish queue in the same step.
func (e Engine) ChangeStatus(ctx context.Context, opts ChangeStatusOptions) (domain.WorkItem, error) {
	target, err := workflow.ParseTarget(opts.Target)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	rv, err := e.review(ctx, tx, opts.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	from := rv.Item.Status
	next, entry, err := workflow.Transition(rv.Item, target, workflow.Options{ChangedBy: opts.ActorID, Reason: opts.Reason, At: e.now()})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if target == status.ReadyToPublish && e.Config != nil && e.Config.Review.BlockOnCritical {
		if n := rv.Stats.PendingOf(domain.SeverityCritical); n > 0 {
			return domain.WorkItem{}, &ValidationError{
				Reason:  fmt.Sprintf("%d critical issues still pending", n),
				Details: map[string]any{"pending_critical": n},
			}
		}
	}
	if err := e.Repo.InsertStatusChange(ctx, tx, opts.ID, entry); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert status history: %w", err)
	}
	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, opts.ID, target, entry.ChangedAt); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.WorkItemStatusChanged, "work_item", opts.ID, opts.ActorID, events.EventPayload{
		"from": string(from), "to": string(target), "reason": opts.Reason,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if target == status.Publishing {
		job := publishq.Job{WorkItemID: next.ID, Title: next.Title, Content: next.Content, RequestedBy: opts.ActorID, RequestedAt: e.now().UTC()}
		if err := e.publisher().Enqueue(ctx, job); err != nil {
			return domain.WorkItem{}, err
		}
		if err := e.eventWriter().Append(ctx, tx, events.PublishEnqueued, "work_item", opts.ID, opts.ActorID, nil); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.log().InfoContext(ctx, "work item status changed",
		slog.String("item_id", opts.ID), slog.String("from", string(from)), slog.String("to", string(target)))
	return next, nil
}

func (e Engine) publisher() publishq.Queue {
	if e.Publish == nil {
		return publishq.Nop{}
	}
	return e.Publish
}

// SaveResult reports what a decision save stored. Stale lists issues whose
// stored decision was newer; Saved then holds the stored record for them.
type SaveResult struct {
	Saved []domain.Decision `json:"saved"`
	Stale []string          `json:"stale,omitempty"`
}

func (e Engine) saveDecisions(ctx context.Context, tx *sql.Tx, itemID, actorID string, ds []domain.Decision) (SaveResult, error) {
	if _, err := e.Repo.GetWorkItem(ctx, tx, itemID); err != nil {
		return SaveResult{}, err
	}
	issues, err := e.Repo.ListIssues(ctx, tx, itemID)
	if err != nil {
		return SaveResult{}, err
	}
	known := make(map[string]bool, len(issues))
	for _, is := range issues {
		known[is.ID] = true
	}
	for i := range ds {
		if !known[ds[i].IssueID] {
			return SaveResult{}, fmt.Errorf("%w: %s", workflow.ErrUnknownIssue, ds[i].IssueID)
		}
		if err := decision.Normalize(&ds[i]); err != nil {
			return SaveResult{}, fmt.Errorf("issue %s: %w", ds[i].IssueID, err)
		}
		if ds[i].Type != domain.DecisionPending {
			if ds[i].DecidedBy == "" {
				ds[i].DecidedBy = actorID
			}
			if ds[i].DecidedAt == "" {
				ds[i].DecidedAt = e.stamp()
			}
		}
	}
	res := SaveResult{Saved: make([]domain.Decision, 0, len(ds))}
	for _, d := range ds {
		err := e.Repo.UpsertDecision(ctx, tx, itemID, d)
		if errors.Is(err, repo.ErrStaleDecision) {
			current, gerr := e.Repo.GetDecision(ctx, tx, itemID, d.IssueID)
			if gerr != nil {
				return SaveResult{}, gerr
			}
			res.Stale = append(res.Stale, d.IssueID)
			res.Saved = append(res.Saved, current)
			continue
		}
		if err != nil {
			return SaveResult{}, err
		}
		res.Saved = append(res.Saved, d)
	}
	return res, nil
}

// SaveDecisions stores a draft of decisions. Any unknown issue or invalid
// decision aborts the whole save.
func (e Engine) SaveDecisions(ctx context.Context, itemID, actorID string, ds []domain.Decision) (SaveResult, error) {
	if len(ds) == 0 {
		return SaveResult{Saved: []domain.Decision{}}, nil
	}
	ds = append([]domain.Decision(nil), ds...)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer tx.Rollback()
	res, err := e.saveDecisions(ctx, tx, itemID, actorID, ds)
	if err != nil {
		return SaveResult{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.DecisionRecorded, "work_item", itemID, actorID, events.EventPayload{
		"count": len(res.Saved) - len(res.Stale), "stale": res.Stale,
	}); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// BatchDecision applies one decision to many issues in a single transaction.
func (e Engine) BatchDecision(ctx context.Context, itemID, actorID string, b workflow.BatchDecision) (SaveResult, error) {
	if len(b.IssueIDs) == 0 {
		return SaveResult{}, errors.New("issue_ids required")
	}
	seen := map[string]bool{}
	ds := make([]domain.Decision, 0, len(b.IssueIDs))
	for _, id := range b.IssueIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ds = append(ds, domain.Decision{IssueID: id, Type: b.Type, ModifiedContent: b.ModifiedContent, Rationale: b.Rationale, Version: b.Version})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer tx.Rollback()
	res, err := e.saveDecisions(ctx, tx, itemID, actorID, ds)
	if err != nil {
		return SaveResult{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.DecisionBatchRecorded, "work_item", itemID, actorID, events.EventPayload{
		"type": string(b.Type), "issue_ids": b.IssueIDs, "stale": res.Stale,
	}); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// ImportIssues replaces the issues of an item, typically when proofreading
// analysis completes. Existing decisions are discarded.
func (e Engine) ImportIssues(ctx context.Context, itemID, actorID string, issues []domain.Issue) ([]domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItem(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}
	n := utf8.RuneCountInString(w.Content)
	out := make([]domain.Issue, 0, len(issues))
	seen := map[string]bool{}
	for i, is := range issues {
		if is.ID == "" {
			is.ID = uuid.NewString()
		}
		if seen[is.ID] {
			return nil, fmt.Errorf("duplicate issue id %s", is.ID)
		}
		seen[is.ID] = true
		is.WorkItemID = itemID
		if is.Severity == "" {
			is.Severity = domain.SeverityInfo
		}
		if !validSeverity(is.Severity) {
			return nil, fmt.Errorf("issue %d: invalid severity %q", i, is.Severity)
		}
		p := is.Position
		if p.Start < 0 || p.Start > p.End || p.End > n {
			return nil, fmt.Errorf("issue %d: invalid position [%d,%d) for content of length %d", i, p.Start, p.End, n)
		}
		if is.OriginalText == "" {
			is.OriginalText = reconcile.Slice(w.Content, p)
		}
		out = append(out, is)
	}
	if err := e.Repo.ReplaceIssues(ctx, tx, itemID, out); err != nil {
		return nil, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.IssuesImported, "work_item", itemID, actorID, events.EventPayload{"count": len(out)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func validSeverity(s domain.Severity) bool {
	for _, v := range domain.Severities() {
		if s == v {
			return true
		}
	}
	return false
}

// ApplyResult is the outcome of writing reconciled content back.
type ApplyResult struct {
	Item     domain.WorkItem     `json:"item"`
	Applied  []string            `json:"applied"`
	Dropped  []string            `json:"dropped,omitempty"`
	Warnings []reconcile.Warning `json:"warnings,omitempty"`
}

// ApplyEdits stores the reconstructed content. Applied issues and their
// decisions are removed; the remaining issues are moved to the new offsets,
// and those that overlapped an applied edit are removed as well.
func (e Engine) ApplyEdits(ctx context.Context, itemID, actorID string) (ApplyResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()
	rv, err := e.review(ctx, tx, itemID)
	if err != nil {
		return ApplyResult{}, err
	}
	dm := decisionMap(rv.Decisions)
	res, err := reconcile.Reconstruct(rv.Item.Content, rv.Issues, dm)
	if err != nil {
		return ApplyResult{}, err
	}
	out := ApplyResult{Item: rv.Item, Applied: res.Applied, Warnings: res.Warnings}
	if len(res.Applied) == 0 {
		return out, nil
	}
	kept, dropped := reconcile.Rebase(rv.Issues, dm)
	out.Dropped = dropped

	var keptDecisions []domain.Decision
	for _, is := range kept {
		if d := dm.Get(is.ID); d.Type != domain.DecisionPending || d.Version > 0 {
			keptDecisions = append(keptDecisions, d)
		}
	}
	now := e.stamp()
	if err := e.Repo.UpdateWorkItemContent(ctx, tx, itemID, rv.Item.Title, res.Content, now); err != nil {
		return ApplyResult{}, err
	}
	if err := e.Repo.ReplaceIssues(ctx, tx, itemID, kept); err != nil {
		return ApplyResult{}, err
	}
	for _, d := range keptDecisions {
		if err := e.Repo.UpsertDecision(ctx, tx, itemID, d); err != nil {
			return ApplyResult{}, err
		}
	}
	if err := e.eventWriter().Append(ctx, tx, events.WorkItemEditsApplied, "work_item", itemID, actorID, events.EventPayload{
		"applied": res.Applied, "dropped": dropped, "warnings": len(res.Warnings),
	}); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, err
	}
	out.Item.Content = res.Content
	out.Item.UpdatedAt = now
	return out, nil
}

// SyncResult lists item ids by what the sync did to them.
type SyncResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Sync ingests documents from src. New documents become work items in the
// configured initial status; changed content replaces the stored content and
// discards issues computed for the old text.
func (e Engine) Sync(ctx context.Context, src docsource.Source, actorID string) (SyncResult, error) {
	docs, err := src.Fetch(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, err
	}
	defer tx.Rollback()

	res := SyncResult{Created: []string{}, Updated: []string{}, Unchanged: []string{}}
	now := e.stamp()
	initial := e.Config.InitialStatus()
	for _, doc := range docs {
		existing, err := e.Repo.GetWorkItemBySource(ctx, tx, doc.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			w := domain.WorkItem{
				ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("work_item|"+doc.ID)).String(),
				SourceID:  doc.ID,
				Title:     doc.Title,
				Status:    initial,
				Content:   doc.Content,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
				return SyncResult{}, fmt.Errorf("insert work item for %s: %w", doc.Path, err)
			}
			entry := domain.StatusChange{Status: initial, ChangedAt: now, ChangedBy: actorID, Reason: "synced from " + doc.Path}
			if err := e.Repo.InsertStatusChange(ctx, tx, w.ID, entry); err != nil {
				return SyncResult{}, err
			}
			if err := e.eventWriter().Append(ctx, tx, events.WorkItemSynced, "work_item", w.ID, actorID, events.EventPayload{"path": doc.Path, "created": true}); err != nil {
				return SyncResult{}, err
			}
			res.Created = append(res.Created, w.ID)
		case err != nil:
			return SyncResult{}, err
		case existing.Content == doc.Content && existing.Title == doc.Title:
			res.Unchanged = append(res.Unchanged, existing.ID)
		default:
			contentChanged := existing.Content != doc.Content
			if err := e.Repo.UpdateWorkItemContent(ctx, tx, existing.ID, doc.Title, doc.Content, now); err != nil {
				return SyncResult{}, err
			}
			if contentChanged {
				if err := e.Repo.ReplaceIssues(ctx, tx, existing.ID, nil); err != nil {
					return SyncResult{}, err
				}
			}
			if err := e.eventWriter().Append(ctx, tx, events.WorkItemSynced, "work_item", existing.ID, actorID, events.EventPayload{
				"path": doc.Path, "content_changed": contentChanged,
			}); err != nil {
				return SyncResult{}, err
			}
			res.Updated = append(res.Updated, existing.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, err
	}
	e.log().InfoContext(ctx, "sync finished",
		slog.Int("created", len(res.Created)), slog.Int("updated", len(res.Updated)), slog.Int("unchanged", len(res.Unchanged)))
	return res, nil
}

// ItemEvents returns the latest events for an item, newest first.
func (e Engine) ItemEvents(ctx context.Context, itemID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "work_item", EntityID: itemID, Limit: limit})
}

// CreateAPIKey stores a new key for actorID and returns it with the plaintext
// secret, which is not recoverable later.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	secret := "cf_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.eventWriter().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys returns the keys of actorID, or every key when actorID is empty.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
}

// RevokeAPIKey deletes a key so it no longer authenticates.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, events.APIKeyRevoked, "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
