package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cmsflow/internal/decision"
	"cmsflow/internal/domain"
	"cmsflow/internal/reconcile"
)

// ErrUnknownIssue is returned when a decision names an issue the work item
// does not have.
var ErrUnknownIssue = errors.New("unknown issue")

// BatchDecision is the uniform decision sent for a batch operation.
type BatchDecision struct {
	IssueIDs        []string            `json:"issue_ids"`
	Type            domain.DecisionType `json:"type"`
	ModifiedContent string              `json:"modified_content,omitempty"`
	Rationale       string              `json:"rationale,omitempty"`
	Version         int64               `json:"version,omitempty"`
}

// Persister stores coordinator mutations. Decision calls return the records
// as stored by the other side.
type Persister interface {
	SaveStatus(ctx context.Context, itemID string, change domain.StatusChange) error
	SaveDecisions(ctx context.Context, itemID string, decisions []domain.Decision) ([]domain.Decision, error)
	SaveBatchDecision(ctx context.Context, itemID string, batch BatchDecision) ([]domain.Decision, error)
}

// PersistenceError wraps a failed save. Local state is kept and the mutation
// stays dirty until Retry succeeds or the coordinator is discarded.
type PersistenceError struct {
	Op     string
	ItemID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Op, e.ItemID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Rejection is implemented by errors meaning the other side received a
// mutation and refused it. Sending the same mutation again cannot succeed.
type Rejection interface {
	error
	Rejection() bool
}

// IsRejection reports whether err is a refusal rather than a failed delivery.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return true
	}
	switch {
	case errors.Is(err, ErrUnknownIssue),
		errors.Is(err, ErrUnknownStatus),
		errors.Is(err, decision.ErrInvalidDecisionType),
		errors.Is(err, decision.ErrModifiedContentRequired):
		return true
	}
	var r Rejection
	return errors.As(err, &r) && r.Rejection()
}

// Snapshot is everything loaded for one work item.
type Snapshot struct {
	Item      domain.WorkItem   `json:"item"`
	Issues    []domain.Issue    `json:"issues"`
	Decisions []domain.Decision `json:"decisions"`
}

type Option func(*Coordinator)

func WithActor(actorID string) Option {
	return func(c *Coordinator) { c.actor = actorID }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

type cachedView struct {
	version int64
	view    reconcile.View
	err     error
}

// pendingStatus is a status change not yet acknowledged, with the item as it
// was before the change.
type pendingStatus struct {
	change domain.StatusChange
	before domain.WorkItem
}

// Coordinator owns the decisions and status of one open work item.
// Local mutations are applied first and then persisted. A failed delivery
// keeps the local state and marks it dirty; a rejection rolls it back to what
// the other side last acknowledged.
type Coordinator struct {
	mu sync.Mutex
	// statusMu serializes status changes so queued ones are sent in order.
	statusMu sync.Mutex
	persist  Persister
	itemID   string
	actor    string
	now      func() time.Time
	log      *slog.Logger

	item     domain.WorkItem
	issues   []domain.Issue
	issueIdx map[string]int
	store    *decision.Store

	// version increases with every local mutation. intents holds the version
	// of the latest local decision per issue; a save acknowledged for an
	// older version is stale and ignored.
	version int64
	intents map[string]int64
	dirty   map[string]int64
	// acked holds the last decision per issue the other side accepted.
	acked map[string]domain.Decision
	// statusQueue holds unacknowledged status changes, oldest first.
	statusQueue []pendingStatus

	views map[reconcile.Mode]cachedView
}

// NewCoordinator builds a coordinator from a loaded snapshot.
func NewCoordinator(snap Snapshot, p Persister, opts ...Option) (*Coordinator, error) {
	if snap.Item.ID == "" {
		return nil, errors.New("work item id is required")
	}
	c := &Coordinator{
		persist:  p,
		itemID:   snap.Item.ID,
		now:      time.Now,
		log:      slog.Default(),
		item:     snap.Item,
		issues:   append([]domain.Issue(nil), snap.Issues...),
		issueIdx: make(map[string]int, len(snap.Issues)),
		store:    decision.NewStore(),
		intents:  map[string]int64{},
		dirty:    map[string]int64{},
		acked:    map[string]domain.Decision{},
		views:    map[reconcile.Mode]cachedView{},
	}
	for _, o := range opts {
		o(c)
	}
	for i, is := range c.issues {
		if _, dup := c.issueIdx[is.ID]; dup {
			return nil, fmt.Errorf("duplicate issue id %s", is.ID)
		}
		c.issueIdx[is.ID] = i
	}
	if err := c.store.Load(snap.Decisions); err != nil {
		return nil, err
	}
	for _, d := range snap.Decisions {
		if d.Version > c.version {
			c.version = d.Version
		}
		c.intents[d.IssueID] = d.Version
		c.acked[d.IssueID] = d
	}
	c.item.Status = CurrentStatus(c.item)
	return c, nil
}

func (c *Coordinator) stamp(p decision.Patch, version int64) decision.Patch {
	p.Version = &version
	if c.actor != "" && p.DecidedBy == nil {
		actor := c.actor
		p.DecidedBy = &actor
	}
	if p.DecidedAt == nil {
		at := c.now().UTC().Format(time.RFC3339)
		p.DecidedAt = &at
	}
	return p
}

func (c *Coordinator) checkIssues(ids []string) error {
	for _, id := range ids {
		if _, ok := c.issueIdx[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
		}
	}
	return nil
}

// bump records a new local version for ids. Caller holds mu.
func (c *Coordinator) bump(ids []string) int64 {
	c.version++
	for _, id := range ids {
		c.intents[id] = c.version
		c.dirty[id] = c.version
	}
	return c.version
}

// RecordDecision applies patch to one issue and persists it.
func (c *Coordinator) RecordDecision(ctx context.Context, issueID string, p decision.Patch) (domain.Decision, error) {
	c.mu.Lock()
	if err := c.checkIssues([]string{issueID}); err != nil {
		c.mu.Unlock()
		return domain.Decision{}, err
	}
	d, err := c.store.Set(issueID, c.stamp(p, c.version+1))
	if err != nil {
		c.mu.Unlock()
		return domain.Decision{}, err
	}
	c.bump([]string{issueID})
	c.mu.Unlock()

	if c.persist == nil {
		return d, nil
	}
	stored, err := c.persist.SaveDecisions(ctx, c.itemID, []domain.Decision{d})
	return d, c.ack(ctx, "decision", []domain.Decision{d}, stored, err)
}

// RecordBatchDecision applies the same patch to every issue in one step.
// Unknown ids or an invalid merged decision reject the whole batch.
func (c *Coordinator) RecordBatchDecision(ctx context.Context, issueIDs []string, p decision.Patch) ([]domain.Decision, error) {
	c.mu.Lock()
	if err := c.checkIssues(issueIDs); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	out, err := c.store.SetBatch(issueIDs, c.stamp(p, c.version+1))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ids := make([]string, 0, len(out))
	for _, d := range out {
		ids = append(ids, d.IssueID)
	}
	version := c.bump(ids)
	c.mu.Unlock()

	if c.persist == nil || len(out) == 0 {
		return out, nil
	}
	var stored []domain.Decision
	if p.Type != nil && p.FeedbackCategory == nil && p.FeedbackNotes == nil {
		batch := BatchDecision{IssueIDs: ids, Type: *p.Type, Version: version}
		if p.Rationale != nil {
			batch.Rationale = *p.Rationale
		}
		if *p.Type == domain.DecisionModified {
			batch.ModifiedContent = out[0].ModifiedContent
		}
		stored, err = c.persist.SaveBatchDecision(ctx, c.itemID, batch)
	} else {
		stored, err = c.persist.SaveDecisions(ctx, c.itemID, out)
	}
	return out, c.ack(ctx, "batch decision", out, stored, err)
}

// ClearDecision resets one issue to pending.
func (c *Coordinator) ClearDecision(ctx context.Context, issueID string) (domain.Decision, error) {
	return c.RecordDecision(ctx, issueID, decision.ResetPatch())
}

// ClearAllDecisions resets every issue of the item to pending.
func (c *Coordinator) ClearAllDecisions(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.issues))
	for _, is := range c.issues {
		ids = append(ids, is.ID)
	}
	c.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	_, err := c.RecordBatchDecision(ctx, ids, decision.ResetPatch())
	return err
}

// ack settles a decision save. Responses for superseded versions are dropped.
// A rejected save restores the acknowledged decisions and returns err as is.
func (c *Coordinator) ack(ctx context.Context, op string, sent, stored []domain.Decision, err error) error {
	if err != nil {
		if IsRejection(err) {
			c.rollbackDecisions(ctx, op, sent, err)
			return err
		}
		c.log.WarnContext(ctx, "decision save failed, keeping local state",
			slog.String("item_id", c.itemID), slog.String("op", op), slog.Any("error", err))
		return &PersistenceError{Op: op, ItemID: c.itemID, Err: err}
	}
	byID := make(map[string]domain.Decision, len(stored))
	for _, d := range stored {
		byID[d.IssueID] = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range sent {
		held := d
		if echo, ok := byID[d.IssueID]; ok {
			held = echo
		}
		if prev, ok := c.acked[d.IssueID]; !ok || held.Version >= prev.Version {
			c.acked[d.IssueID] = held
		}
		if c.intents[d.IssueID] != d.Version {
			c.log.DebugContext(ctx, "dropping stale save response",
				slog.String("issue_id", d.IssueID), slog.Int64("version", d.Version))
			continue
		}
		if c.dirty[d.IssueID] == d.Version {
			delete(c.dirty, d.IssueID)
		}
		if held.Version == d.Version {
			if err := c.store.Put(held); err != nil {
				c.log.WarnContext(ctx, "ignoring invalid stored decision",
					slog.String("issue_id", d.IssueID), slog.Any("error", err))
			}
		}
	}
	c.views = map[reconcile.Mode]cachedView{}
	return nil
}

// rollbackDecisions puts back the acknowledged decision of every issue whose
// latest local intent was refused.
func (c *Coordinator) rollbackDecisions(ctx context.Context, op string, sent []domain.Decision, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var restored []string
	for _, d := range sent {
		if c.intents[d.IssueID] != d.Version {
			continue
		}
		if prev, ok := c.acked[d.IssueID]; ok {
			if perr := c.store.Put(prev); perr != nil {
				c.store.Clear(d.IssueID)
			}
		} else {
			c.store.Clear(d.IssueID)
		}
		delete(c.dirty, d.IssueID)
		restored = append(restored, d.IssueID)
	}
	c.views = map[reconcile.Mode]cachedView{}
	c.log.WarnContext(ctx, "decision save rejected, restored acknowledged state",
		slog.String("item_id", c.itemID), slog.String("op", op),
		slog.Any("issue_ids", restored), slog.Any("error", err))
}

// RequestStatusChange moves the item to target. A local rejection comes back
// as *RejectedError and an unknown target token is ErrUnknownStatus. When
// earlier changes are still unacknowledged they are sent first, in order. If
// the other side refuses a change, the item returns to its state before that
// change, every change queued after it is dropped, and the refusal is
// returned as is.
func (c *Coordinator) RequestStatusChange(ctx context.Context, target, reason string) (domain.StatusChange, error) {
	to, err := ParseTarget(target)
	if err != nil {
		return domain.StatusChange{}, err
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.mu.Lock()
	next, entry, err := Transition(c.item, to, Options{ChangedBy: c.actor, Reason: reason, At: c.now()})
	if err != nil {
		c.mu.Unlock()
		return domain.StatusChange{}, err
	}
	c.statusQueue = append(c.statusQueue, pendingStatus{change: entry, before: c.itemCopy()})
	c.item = next
	c.version++
	c.mu.Unlock()

	if c.persist == nil {
		return entry, nil
	}
	return entry, c.flushStatus(ctx)
}

// flushStatus sends queued status changes oldest first and stops at the first
// failure. Caller holds statusMu.
func (c *Coordinator) flushStatus(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.statusQueue) == 0 {
			c.mu.Unlock()
			return nil
		}
		head := c.statusQueue[0]
		c.mu.Unlock()

		err := c.persist.SaveStatus(ctx, c.itemID, head.change)
		switch {
		case err == nil:
			c.mu.Lock()
			c.statusQueue = c.statusQueue[1:]
			c.mu.Unlock()
		case IsRejection(err):
			c.mu.Lock()
			dropped := len(c.statusQueue)
			c.item = head.before
			c.statusQueue = nil
			c.mu.Unlock()
			c.log.WarnContext(ctx, "status change rejected, rolled back",
				slog.String("item_id", c.itemID), slog.String("status", string(head.change.Status)),
				slog.String("restored", string(head.before.Status)), slog.Int("dropped", dropped), slog.Any("error", err))
			return err
		default:
			c.log.WarnContext(ctx, "status save failed, keeping local state",
				slog.String("item_id", c.itemID), slog.String("status", string(head.change.Status)), slog.Any("error", err))
			return &PersistenceError{Op: "status", ItemID: c.itemID, Err: err}
		}
	}
}

// Dirty lists mutations that have not been acknowledged.
type Dirty struct {
	Issues []string `json:"issues"`
	Status bool     `json:"status"`
}

func (d Dirty) Empty() bool { return len(d.Issues) == 0 && !d.Status }

func (c *Coordinator) Dirty() Dirty {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Dirty{Issues: make([]string, 0, len(c.dirty)), Status: len(c.statusQueue) > 0}
	for _, is := range c.issues {
		if _, ok := c.dirty[is.ID]; ok {
			out.Issues = append(out.Issues, is.ID)
		}
	}
	return out
}

// Retry re-sends every unacknowledged decision with its current local state,
// then replays queued status changes in order.
func (c *Coordinator) Retry(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	c.mu.Lock()
	var pending []domain.Decision
	for _, is := range c.issues {
		if _, ok := c.dirty[is.ID]; ok {
			pending = append(pending, c.store.Get(is.ID))
		}
	}
	c.mu.Unlock()

	var errs []error
	if len(pending) > 0 {
		stored, err := c.persist.SaveDecisions(ctx, c.itemID, pending)
		if err := c.ack(ctx, "retry decisions", pending, stored, err); err != nil {
			errs = append(errs, err)
		}
	}
	c.statusMu.Lock()
	err := c.flushStatus(ctx)
	c.statusMu.Unlock()
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReconciledContent returns the requested view, computed lazily and cached
// until the next decision change.
func (c *Coordinator) ReconciledContent(ctx context.Context, mode reconcile.Mode) (reconcile.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.views[mode]; ok && v.version == c.version {
		return v.view, v.err
	}
	view, err := reconcile.Render(mode, c.item.Content, c.issues, c.store)
	for _, w := range view.Warnings() {
		c.log.WarnContext(ctx, "issue text does not match content",
			slog.String("item_id", c.itemID), slog.String("issue_id", w.IssueID),
			slog.String("expected", w.Expected), slog.String("found", w.Found))
	}
	c.views[mode] = cachedView{version: c.version, view: view, err: err}
	return view, err
}

func (c *Coordinator) Stats() decision.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Stats(c.issues)
}

// IsComplete is true once no issue is pending.
func (c *Coordinator) IsComplete() bool {
	return c.Stats().Pending == 0
}

func (c *Coordinator) Decision(issueID string) domain.Decision {
	return c.store.Get(issueID)
}

// Decisions returns a decision for every issue, in issue order.
func (c *Coordinator) Decisions() []domain.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Decision, 0, len(c.issues))
	for _, is := range c.issues {
		out = append(out, c.store.Get(is.ID))
	}
	return out
}

func (c *Coordinator) Item() domain.WorkItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemCopy()
}

// itemCopy does not share history with the live item. Caller holds mu.
func (c *Coordinator) itemCopy() domain.WorkItem {
	item := c.item
	item.StatusHistory = append([]domain.StatusChange(nil), c.item.StatusHistory...)
	return item
}

func (c *Coordinator) Issues() []domain.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Issue(nil), c.issues...)
}

// Version is the latest local mutation version.
func (c *Coordinator) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
