package publishq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://"+s.Addr(), "test:publish")
	if err != nil {
		t.Fatalf("failed to create redis queue: %v", err)
	}
	return q, s
}

func TestEnqueuePopIsFIFO(t *testing.T) {
	q, _ := setupTestQueue(t)
	defer q.Close()
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"w1", "w2"} {
		if err := q.Enqueue(ctx, Job{WorkItemID: id, Title: "t-" + id, RequestedAt: at}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	n, err := q.Len(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 queued jobs, got %d (%v)", n, err)
	}

	first, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if first.WorkItemID != "w1" || !first.RequestedAt.Equal(at) {
		t.Fatalf("unexpected first job %+v", first)
	}
	second, err := q.Pop(ctx, time.Second)
	if err != nil || second.WorkItemID != "w2" {
		t.Fatalf("unexpected second job %+v (%v)", second, err)
	}
}

func TestOpenWithoutURLIsNop(t *testing.T) {
	q, closeFn, err := Open("", "ignored")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()
	if _, ok := q.(Nop); !ok {
		t.Fatalf("expected Nop queue, got %T", q)
	}
	if err := q.Enqueue(context.Background(), Job{WorkItemID: "w1"}); err != nil {
		t.Fatalf("nop enqueue: %v", err)
	}
}

func TestNewRedisQueueBadURL(t *testing.T) {
	if _, err := NewRedisQueue("not a url", "k"); err == nil {
		t.Fatalf("expected parse error")
	}
}
