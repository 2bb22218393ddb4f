package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"cmsflow/internal/config"
	"cmsflow/internal/db"
	"cmsflow/internal/decision"
	"cmsflow/internal/docsource"
	"cmsflow/internal/domain"
	"cmsflow/internal/engine"
	"cmsflow/internal/migrate"
	"cmsflow/internal/publishq"
	"cmsflow/internal/reconcile"
	"cmsflow/internal/repo"
	"cmsflow/internal/status"
	"cmsflow/internal/workflow"
)

const park = "他们决定去公园玩耍。"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seed syncs one document and returns its work item id.
func seed(t *testing.T, env testEnv, content string) string {
	t.Helper()
	res, err := env.Engine.Sync(env.Ctx, docsource.Static{{ID: docsource.DocumentID("park.md"), Path: "park.md", Title: "Park", Content: content}}, "tester")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected one created item, got %+v", res)
	}
	return res.Created[0]
}

func seedIssues(t *testing.T, env testEnv, id string) {
	t.Helper()
	_, err := env.Engine.ImportIssues(env.Ctx, id, "analyzer", []domain.Issue{
		{ID: "i1", Severity: domain.SeverityWarning, Position: domain.Position{Start: 7, End: 9}, SuggestedText: "散步"},
		{ID: "i2", Severity: domain.SeverityCritical, Position: domain.Position{Start: 0, End: 2}, SuggestedText: "她们"},
	})
	if err != nil {
		t.Fatalf("import issues: %v", err)
	}
}

func move(t *testing.T, env testEnv, id string, targets ...status.Status) {
	t.Helper()
	for _, s := range targets {
		if _, err := env.Engine.ChangeStatus(env.Ctx, engine.ChangeStatusOptions{ID: id, Target: string(s), ActorID: "tester"}); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
}

func TestSyncCreatesAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)

	item, err := env.Engine.GetWorkItem(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != status.Pending || len(item.StatusHistory) != 1 {
		t.Fatalf("unexpected new item %+v", item)
	}
	seedIssues(t, env, id)

	src := docsource.Static{{ID: docsource.DocumentID("park.md"), Path: "park.md", Title: "Park", Content: park}}
	res, err := env.Engine.Sync(env.Ctx, src, "tester")
	if err != nil || len(res.Unchanged) != 1 {
		t.Fatalf("expected unchanged, got %+v %v", res, err)
	}
	src[0].Content = "新内容"
	res, err = env.Engine.Sync(env.Ctx, src, "tester")
	if err != nil || len(res.Updated) != 1 {
		t.Fatalf("expected updated, got %+v %v", res, err)
	}
	rv, err := env.Engine.Review(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rv.Item.Content != "新内容" || len(rv.Issues) != 0 {
		t.Fatalf("content change must drop stale issues: %+v", rv)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	move(t, env, id, status.Parsing, status.ParsingReview, status.Proofreading, status.ProofreadingReview, status.ReadyToPublish, status.Published)

	_, err := env.Engine.ChangeStatus(env.Ctx, engine.ChangeStatusOptions{ID: id, Target: "pending", ActorID: "tester"})
	var rej *workflow.RejectedError
	if !errors.As(err, &rej) || rej.Current != status.Published {
		t.Fatalf("expected rejection from published, got %v", err)
	}
	hist, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 7 || hist[6].Status != status.Published || hist[6].ChangedBy != "tester" {
		t.Fatalf("unexpected history %+v", hist)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.ChangeStatusOptions{ID: id, Target: "done"}); !errors.Is(err, workflow.ErrUnknownStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.ChangeStatusOptions{ID: "nope", Target: "parsing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLegacyStoredStatusIsResolved(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	if err := env.Engine.Repo.InsertWorkItem(ctx, nil, domain.WorkItem{ID: "old", Title: "Old", Status: "approved", CreatedAt: "2023-01-01T00:00:00Z", UpdatedAt: "2023-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.GetWorkItem(ctx, "old")
	if err != nil || item.Status != status.ReadyToPublish {
		t.Fatalf("expected approved to read as ready_to_publish, got %v %v", item.Status, err)
	}
	items, err := env.Engine.ListWorkItems(ctx, engine.ListOptions{Status: "ready_to_publish"})
	if err != nil || len(items) != 1 {
		t.Fatalf("legacy rows must match canonical filter: %v %v", items, err)
	}
	move(t, env, "old", status.Publishing)
}

func TestBlockOnCriticalAndPublishQueue(t *testing.T) {
	env := newTestEnv(t)
	s := miniredis.RunT(t)
	q, err := publishq.NewRedisQueue("redis://"+s.Addr(), "test:publish")
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	env.Engine.Publish = q

	id := seed(t, env, park)
	seedIssues(t, env, id)
	move(t, env, id, status.Parsing, status.ParsingReview, status.Proofreading, status.ProofreadingReview)

	_, err = env.Engine.ChangeStatus(env.Ctx, engine.ChangeStatusOptions{ID: id, Target: "ready_to_publish", ActorID: "tester"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.SaveDecisions(env.Ctx, id, "tester", []domain.Decision{{IssueID: "i2", Type: domain.DecisionRejected, Version: 1}}); err != nil {
		t.Fatal(err)
	}
	move(t, env, id, status.ReadyToPublish, status.Publishing)

	job, err := q.Pop(env.Ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job.WorkItemID != id || job.Content != park {
		t.Fatalf("unexpected job %+v", job)
	}
	evts, err := env.Engine.ItemEvents(env.Ctx, id, 1)
	if err != nil || len(evts) != 1 || evts[0].Type != "publish.enqueued" {
		t.Fatalf("expected publish event, got %+v %v", evts, err)
	}
}

func TestDecisionsAreVersionGuarded(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)

	res, err := env.Engine.SaveDecisions(env.Ctx, id, "tester", []domain.Decision{{IssueID: "i1", Type: domain.DecisionRejected, Version: 5}})
	if err != nil || len(res.Stale) != 0 {
		t.Fatalf("save: %+v %v", res, err)
	}
	if res.Saved[0].DecidedBy != "tester" || res.Saved[0].DecidedAt == "" {
		t.Fatalf("decision must be stamped: %+v", res.Saved[0])
	}
	res, err = env.Engine.SaveDecisions(env.Ctx, id, "tester", []domain.Decision{{IssueID: "i1", Type: domain.DecisionAccepted, Version: 4}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stale) != 1 || res.Saved[0].Type != domain.DecisionRejected || res.Saved[0].Version != 5 {
		t.Fatalf("older version must not overwrite: %+v", res)
	}
}

func TestBatchDecisionIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)

	_, err := env.Engine.BatchDecision(env.Ctx, id, "tester", workflow.BatchDecision{IssueIDs: []string{"i1", "missing"}, Type: domain.DecisionAccepted, Version: 1})
	if !errors.Is(err, workflow.ErrUnknownIssue) {
		t.Fatalf("expected unknown issue, got %v", err)
	}
	_, err = env.Engine.BatchDecision(env.Ctx, id, "tester", workflow.BatchDecision{IssueIDs: []string{"i1", "i2"}, Type: domain.DecisionModified, Version: 1})
	if !errors.Is(err, decision.ErrModifiedContentRequired) {
		t.Fatalf("expected modified content error, got %v", err)
	}
	st, err := env.Engine.Stats(env.Ctx, id)
	if err != nil || st.Pending != 2 {
		t.Fatalf("failed batches must not write: %+v %v", st, err)
	}

	res, err := env.Engine.BatchDecision(env.Ctx, id, "tester", workflow.BatchDecision{IssueIDs: []string{"i1", "i2"}, Type: domain.DecisionAccepted, Version: 1})
	if err != nil || len(res.Saved) != 2 {
		t.Fatalf("batch: %+v %v", res, err)
	}
	st, _ = env.Engine.Stats(env.Ctx, id)
	if st.Accepted != 2 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestImportIssuesValidates(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	cases := [][]domain.Issue{
		{{Position: domain.Position{Start: 5, End: 20}}},
		{{Position: domain.Position{Start: 3, End: 2}}},
		{{Severity: "fatal"}},
		{{ID: "x"}, {ID: "x"}},
	}
	for i, issues := range cases {
		if _, err := env.Engine.ImportIssues(env.Ctx, id, "analyzer", issues); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	out, err := env.Engine.ImportIssues(env.Ctx, id, "analyzer", []domain.Issue{{Position: domain.Position{Start: 7, End: 9}}})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].ID == "" || out[0].OriginalText != "玩耍" || out[0].Severity != domain.SeverityInfo {
		t.Fatalf("expected defaults filled in: %+v", out[0])
	}
}

func TestIssueIDsAreScopedToItem(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Sync(env.Ctx, docsource.Static{
		{ID: docsource.DocumentID("a.md"), Path: "a.md", Title: "A", Content: park},
		{ID: docsource.DocumentID("b.md"), Path: "b.md", Title: "B", Content: park},
	}, "tester")
	if err != nil || len(res.Created) != 2 {
		t.Fatalf("sync: %+v %v", res, err)
	}
	for _, id := range res.Created {
		seedIssues(t, env, id)
	}
	a, b := res.Created[0], res.Created[1]
	if _, err := env.Engine.BatchDecision(env.Ctx, b, "tester", workflow.BatchDecision{IssueIDs: []string{"i1", "i2"}, Type: domain.DecisionAccepted, Version: 1}); err != nil {
		t.Fatalf("decide on second item: %v", err)
	}
	st, err := env.Engine.Stats(env.Ctx, a)
	if err != nil || st.Pending != 2 || st.Accepted != 0 {
		t.Fatalf("decisions leaked across items: %+v %v", st, err)
	}

	// Re-importing one item leaves the other's issues and decisions alone.
	if _, err := env.Engine.ImportIssues(env.Ctx, a, "analyzer", []domain.Issue{{ID: "i1", Position: domain.Position{Start: 0, End: 2}}}); err != nil {
		t.Fatal(err)
	}
	rv, err := env.Engine.Review(env.Ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(rv.Issues) != 2 || len(rv.Decisions) != 2 || rv.Decisions[0].Type != domain.DecisionAccepted {
		t.Fatalf("second item changed by re-import of first: %+v", rv)
	}
}

func TestReconciledAndApply(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)
	if _, err := env.Engine.SaveDecisions(env.Ctx, id, "tester", []domain.Decision{
		{IssueID: "i1", Type: domain.DecisionAccepted, Version: 1},
		{IssueID: "i2", Type: domain.DecisionRejected, Version: 1},
	}); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.Reconciled(env.Ctx, id, reconcile.ModeFinal)
	if err != nil || view.Final.Content != "他们决定去公园散步。" {
		t.Fatalf("unexpected final view %+v %v", view.Final, err)
	}

	res, err := env.Engine.ApplyEdits(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Item.Content != "他们决定去公园散步。" || len(res.Applied) != 1 || res.Applied[0] != "i1" {
		t.Fatalf("unexpected apply result %+v", res)
	}
	rv, err := env.Engine.Review(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rv.Issues) != 1 || rv.Issues[0].ID != "i2" || rv.Decisions[0].Type != domain.DecisionRejected {
		t.Fatalf("rejected issue and its decision must survive: %+v", rv)
	}
}

func TestReconciledConflict(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	if _, err := env.Engine.ImportIssues(env.Ctx, id, "analyzer", []domain.Issue{
		{ID: "a", Position: domain.Position{Start: 0, End: 3}, SuggestedText: "x"},
		{ID: "b", Position: domain.Position{Start: 2, End: 5}, SuggestedText: "y"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BatchDecision(env.Ctx, id, "tester", workflow.BatchDecision{IssueIDs: []string{"a", "b"}, Type: domain.DecisionAccepted, Version: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reconciled(env.Ctx, id, reconcile.ModeFinal); !errors.Is(err, reconcile.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := env.Engine.ApplyEdits(env.Ctx, id, "tester"); !errors.Is(err, reconcile.ErrConflict) {
		t.Fatalf("expected conflict on apply, got %v", err)
	}
}

func TestCoordinatorWithLocalPersister(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)
	move(t, env, id, status.Parsing, status.ParsingReview, status.Proofreading, status.ProofreadingReview)

	c, err := env.Engine.OpenCoordinator(env.Ctx, id, "editor")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecordBatchDecision(env.Ctx, []string{"i1", "i2"}, decision.TypePatch(domain.DecisionAccepted)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecordDecision(env.Ctx, "i2", decision.TypePatch(domain.DecisionRejected)); err != nil {
		t.Fatal(err)
	}
	if !c.IsComplete() {
		t.Fatalf("expected coordinator complete")
	}
	if _, err := c.RequestStatusChange(env.Ctx, "ready_to_publish", "reviewed"); err != nil {
		t.Fatalf("status change: %v", err)
	}

	rv, err := env.Engine.Review(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rv.Item.Status != status.ReadyToPublish {
		t.Fatalf("status not persisted: %s", rv.Item.Status)
	}
	byID := map[string]domain.Decision{}
	for _, d := range rv.Decisions {
		byID[d.IssueID] = d
	}
	if byID["i1"].Type != domain.DecisionAccepted || byID["i2"].Type != domain.DecisionRejected || byID["i2"].Version != 2 {
		t.Fatalf("unexpected stored decisions %+v", byID)
	}
	if byID["i2"].DecidedBy != "editor" {
		t.Fatalf("expected decided_by editor, got %q", byID["i2"].DecidedBy)
	}
}

func TestCoordinatorRollsBackBlockedStatus(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)
	move(t, env, id, status.Parsing, status.ParsingReview, status.Proofreading, status.ProofreadingReview)

	c, err := env.Engine.OpenCoordinator(env.Ctx, id, "editor")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.RequestStatusChange(env.Ctx, "ready_to_publish", "")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %T %v", err, err)
	}
	var perr *workflow.PersistenceError
	if errors.As(err, &perr) {
		t.Fatalf("refusal reported as delivery failure: %v", err)
	}
	if got := c.Item().Status; got != status.ProofreadingReview {
		t.Fatalf("local status not rolled back: %s", got)
	}
	if c.Dirty().Status {
		t.Fatalf("rolled back change must not stay dirty")
	}

	// Once the critical issue is decided the same request goes through.
	if _, err := c.RecordDecision(env.Ctx, "i2", decision.TypePatch(domain.DecisionRejected)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RequestStatusChange(env.Ctx, "ready_to_publish", ""); err != nil {
		t.Fatalf("status change: %v", err)
	}
	item, err := env.Engine.GetWorkItem(env.Ctx, id)
	if err != nil || item.Status != status.ReadyToPublish {
		t.Fatalf("server status %v %v", item.Status, err)
	}
}

func TestCoordinatorRollsBackUnknownIssue(t *testing.T) {
	env := newTestEnv(t)
	id := seed(t, env, park)
	seedIssues(t, env, id)
	c, err := env.Engine.OpenCoordinator(env.Ctx, id, "editor")
	if err != nil {
		t.Fatal(err)
	}
	// The analysis is re-run behind the open coordinator's back.
	if _, err := env.Engine.ImportIssues(env.Ctx, id, "analyzer", []domain.Issue{{ID: "i3", Position: domain.Position{Start: 0, End: 2}}}); err != nil {
		t.Fatal(err)
	}
	_, err = c.RecordDecision(env.Ctx, "i1", decision.TypePatch(domain.DecisionAccepted))
	if !errors.Is(err, workflow.ErrUnknownIssue) {
		t.Fatalf("expected unknown issue, got %v", err)
	}
	if d := c.Decision("i1"); d.Type != domain.DecisionPending {
		t.Fatalf("refused decision kept locally: %+v", d)
	}
	if !c.Dirty().Empty() {
		t.Fatalf("refused decision left dirty: %+v", c.Dirty())
	}
}

func TestSyncFromDirectory(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("# A\nbody"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Sync(env.Ctx, docsource.DirSource{Root: root}, "tester")
	if err != nil || len(res.Created) != 1 {
		t.Fatalf("sync dir: %+v %v", res, err)
	}
	items, err := env.Engine.ListWorkItems(env.Ctx, engine.ListOptions{})
	if err != nil || len(items) != 1 || items[0].Title != "A" {
		t.Fatalf("unexpected items %+v %v", items, err)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "editor", "ci")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || got.ID != key.ID || got.ActorID != "editor" {
		t.Fatalf("lookup by secret: %+v %v", got, err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, " ", ""); err == nil {
		t.Fatalf("expected actor required")
	}
}

func TestListAndRevokeAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "editor", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "publisher", ""); err != nil {
		t.Fatal(err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "editor")
	if err != nil || len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("unexpected keys %+v %v", keys, err)
	}
	all, err := env.Engine.ListAPIKeys(env.Ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two keys, got %+v %v", all, err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "editor"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected revoked key to be gone, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "editor"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
}
