package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cmsflow/internal/config"
	"cmsflow/internal/docsource"
	"cmsflow/internal/engine"
	"cmsflow/internal/events"
	"cmsflow/internal/status"
)

type webhookReceiver struct {
	mu      sync.Mutex
	fail    int
	events  []webhookEvent
	headers []http.Header
}

func (r *webhookReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	data, _ := io.ReadAll(req.Body)
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	r.events = append(r.events, evt)
	r.headers = append(r.headers, req.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (r *webhookReceiver) received() []webhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhookEvent(nil), r.events...)
}

func webhookEngine(t *testing.T, srv *testServer, hooks ...config.WebhookConfig) engine.Engine {
	t.Helper()
	cfg := *srv.Engine.Config
	cfg.Webhooks = hooks
	e := srv.Engine
	e.Config = &cfg
	return e
}

func syncAndMove(t *testing.T, e engine.Engine) string {
	t.Helper()
	ctx := context.Background()
	src := docsource.Static{{ID: docsource.DocumentID("park.md"), Path: "park.md", Title: "Park", Content: park}}
	res, err := e.Sync(ctx, src, "editor")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected one created item, got %+v", res)
	}
	if _, err := e.ChangeStatus(ctx, engine.ChangeStatusOptions{ID: res.Created[0], Target: string(status.Parsing), ActorID: "editor"}); err != nil {
		t.Fatalf("change status: %v", err)
	}
	return res.Created[0]
}

func TestWebhookDeliversNewMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	recv := &webhookReceiver{}
	hook := httptest.NewServer(recv)
	defer hook.Close()

	e := webhookEngine(t, srv, config.WebhookConfig{
		URL:    hook.URL,
		Events: []string{events.WorkItemStatusChanged},
		Secret: "shh",
	})
	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	ctx := context.Background()
	d.dispatchAll(ctx)
	if got := recv.received(); len(got) != 0 {
		t.Fatalf("expected no deliveries before new events, got %+v", got)
	}

	id := syncAndMove(t, e)
	d.dispatchAll(ctx)
	got := recv.received()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %+v", got)
	}
	if got[0].Type != events.WorkItemStatusChanged || got[0].EntityID != id || got[0].ActorID != "editor" {
		t.Fatalf("unexpected event %+v", got[0])
	}
	h := recv.headers[0]
	if h.Get("X-Cmsflow-Event") != events.WorkItemStatusChanged || h.Get("X-Cmsflow-Secret") != "shh" || h.Get("X-Cmsflow-Delivery") == "" {
		t.Fatalf("unexpected headers %+v", h)
	}

	d.dispatchAll(ctx)
	if again := recv.received(); len(again) != 1 {
		t.Fatalf("expected no redelivery, got %d", len(again))
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	recv := &webhookReceiver{fail: 1}
	hook := httptest.NewServer(recv)
	defer hook.Close()

	e := webhookEngine(t, srv, config.WebhookConfig{URL: hook.URL})
	d := newWebhookDispatcher(e, nil)
	ctx := context.Background()
	d.dispatchAll(ctx)
	syncAndMove(t, e)

	d.dispatchAll(ctx)
	if got := recv.received(); len(got) != 0 {
		t.Fatalf("expected failed first delivery, got %+v", got)
	}
	d.dispatchAll(ctx)
	got := recv.received()
	if len(got) != 2 {
		t.Fatalf("expected both events after retry, got %+v", got)
	}
	if got[0].Type != events.WorkItemSynced || got[1].Type != events.WorkItemStatusChanged {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestWebhookDisabledAndUnconfigured(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	if d := newWebhookDispatcher(srv.Engine, nil); d != nil {
		t.Fatalf("expected no dispatcher without webhooks")
	}
	recv := &webhookReceiver{}
	hook := httptest.NewServer(recv)
	defer hook.Close()
	off := false
	e := webhookEngine(t, srv, config.WebhookConfig{URL: hook.URL, Enabled: &off})
	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(context.Background())
	syncAndMove(t, e)
	d.dispatchAll(context.Background())
	if got := recv.received(); len(got) != 0 {
		t.Fatalf("disabled hook received %+v", got)
	}
}
