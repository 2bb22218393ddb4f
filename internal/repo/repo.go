package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cmsflow/internal/domain"
	"cmsflow/internal/status"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleDecision is returned when a stored decision has a newer version
	// than the one being written.
	ErrStaleDecision = errors.New("stale decision version")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const workItemColumns = `id,COALESCE(source_id,''),title,status,content,created_at,updated_at`

func scanWorkItem(sc interface{ Scan(...any) error }) (domain.WorkItem, error) {
	var w domain.WorkItem
	var st string
	err := sc.Scan(&w.ID, &w.SourceID, &w.Title, &st, &w.Content, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.Status = status.Status(st)
	return w, err
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_items(id,source_id,title,status,content,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, nullable(w.SourceID), w.Title, string(w.Status), w.Content, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkItemContent(ctx context.Context, tx *sql.Tx, id, title, content, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET title=?, content=?, updated_at=? WHERE id=?`, title, content, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateWorkItemStatus(ctx context.Context, tx *sql.Tx, id string, s status.Status, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=?`, string(s), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkItem loads an item with its full status history.
func (r Repo) GetWorkItem(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.StatusHistory, err = r.ListStatusHistory(ctx, tx, id)
	return w, err
}

func (r Repo) GetWorkItemBySource(ctx context.Context, tx *sql.Tx, sourceID string) (domain.WorkItem, error) {
	return scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE source_id=?`, sourceID))
}

type WorkItemFilters struct {
	// Statuses matches stored tokens exactly. Callers expand legacy aliases.
	Statuses []string
	Limit    int
}

// ListWorkItems returns items without history, most recently updated first.
func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM work_items %s ORDER BY updated_at DESC, id`, workItemColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertStatusChange(ctx context.Context, tx *sql.Tx, itemID string, c domain.StatusChange) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO status_history(work_item_id,status,changed_at,changed_by,reason) VALUES (?,?,?,?,?)`,
		itemID, string(c.Status), c.ChangedAt, nullable(c.ChangedBy), nullable(c.Reason))
	return err
}

// ListStatusHistory returns entries oldest first. Stored tokens are returned
// as written, legacy aliases included.
func (r Repo) ListStatusHistory(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.StatusChange, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT status,changed_at,COALESCE(changed_by,''),COALESCE(reason,'') FROM status_history WHERE work_item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusChange{}
	for rows.Next() {
		var c domain.StatusChange
		var st string
		if err := rows.Scan(&st, &c.ChangedAt, &c.ChangedBy, &c.Reason); err != nil {
			return nil, err
		}
		c.Status = status.Status(st)
		res = append(res, c)
	}
	return res, rows.Err()
}

// ReplaceIssues drops an item's issues and their decisions, then inserts issues.
func (r Repo) ReplaceIssues(ctx context.Context, tx *sql.Tx, itemID string, issues []domain.Issue) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM decisions WHERE work_item_id=?`, itemID); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM issues WHERE work_item_id=?`, itemID); err != nil {
		return err
	}
	for _, is := range issues {
		var conf any
		if is.Confidence != nil {
			conf = *is.Confidence
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO issues(id,work_item_id,severity,category,start_offset,end_offset,original_text,suggested_text,explanation,engine,confidence) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			is.ID, itemID, string(is.Severity), nullable(is.Category), is.Position.Start, is.Position.End,
			is.OriginalText, is.SuggestedText, nullable(is.Explanation), nullable(is.Engine), conf); err != nil {
			return fmt.Errorf("insert issue %s: %w", is.ID, err)
		}
	}
	return nil
}

// ListIssues returns issues in document order.
func (r Repo) ListIssues(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.Issue, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,work_item_id,severity,COALESCE(category,''),start_offset,end_offset,original_text,suggested_text,COALESCE(explanation,''),COALESCE(engine,''),confidence FROM issues WHERE work_item_id=? ORDER BY start_offset, end_offset, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Issue{}
	for rows.Next() {
		var is domain.Issue
		var sev string
		var conf sql.NullFloat64
		if err := rows.Scan(&is.ID, &is.WorkItemID, &sev, &is.Category, &is.Position.Start, &is.Position.End,
			&is.OriginalText, &is.SuggestedText, &is.Explanation, &is.Engine, &conf); err != nil {
			return nil, err
		}
		is.Severity = domain.Severity(sev)
		if conf.Valid {
			v := conf.Float64
			is.Confidence = &v
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// UpsertDecision writes d unless the stored row carries a newer version, in
// which case ErrStaleDecision is returned and nothing changes.
func (r Repo) UpsertDecision(ctx context.Context, tx *sql.Tx, itemID string, d domain.Decision) error {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO decisions(work_item_id,issue_id,type,modified_content,rationale,feedback_category,feedback_notes,decided_by,decided_at,version) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(work_item_id,issue_id) DO UPDATE SET type=excluded.type, modified_content=excluded.modified_content, rationale=excluded.rationale,
feedback_category=excluded.feedback_category, feedback_notes=excluded.feedback_notes, decided_by=excluded.decided_by,
decided_at=excluded.decided_at, version=excluded.version
WHERE excluded.version >= decisions.version`,
		itemID, d.IssueID, string(d.Type), nullable(d.ModifiedContent), nullable(d.Rationale), nullable(d.FeedbackCategory),
		nullable(d.FeedbackNotes), nullable(d.DecidedBy), nullable(d.DecidedAt), d.Version)
	if err != nil {
		return fmt.Errorf("upsert decision %s: %w", d.IssueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: issue %s version %d", ErrStaleDecision, d.IssueID, d.Version)
	}
	return nil
}

func scanDecision(sc interface{ Scan(...any) error }) (domain.Decision, error) {
	var d domain.Decision
	var t string
	err := sc.Scan(&d.IssueID, &t, &d.ModifiedContent, &d.Rationale, &d.FeedbackCategory, &d.FeedbackNotes, &d.DecidedBy, &d.DecidedAt, &d.Version)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Type = domain.DecisionType(t)
	return d, err
}

const decisionColumns = `issue_id,type,COALESCE(modified_content,''),COALESCE(rationale,''),COALESCE(feedback_category,''),COALESCE(feedback_notes,''),COALESCE(decided_by,''),COALESCE(decided_at,''),version`

func (r Repo) GetDecision(ctx context.Context, tx *sql.Tx, itemID, issueID string) (domain.Decision, error) {
	return scanDecision(r.q(tx).QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE work_item_id=? AND issue_id=?`, itemID, issueID))
}

// ListDecisions returns the explicit decisions of an item ordered by issue id.
func (r Repo) ListDecisions(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.Decision, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE work_item_id=? ORDER BY issue_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events with ids below it.
	Cursor int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with ids above afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
