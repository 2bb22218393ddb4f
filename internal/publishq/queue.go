// Package publishq hands work items that enter publishing to the external
// publishing automation.
package publishq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no job arrives before the timeout.
var ErrEmpty = errors.New("publish queue empty")

// Job is one publish request.
type Job struct {
	WorkItemID  string    `json:"work_item_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Nop drops every job. It is used when no Redis URL is configured.
type Nop struct{}

func (Nop) Enqueue(context.Context, Job) error { return nil }

// RedisQueue is a FIFO list: producers LPUSH and consumers BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to redisURL and checks the connection.
func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisQueueWithClient(client, key), nil
}

func NewRedisQueueWithClient(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal publish job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue publish job: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the oldest job.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("pop publish job: %w", err)
	}
	// res is [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("decode publish job: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Open returns a RedisQueue when redisURL is set and Nop otherwise. The
// returned close func is always safe to call.
func Open(redisURL, key string) (Queue, func() error, error) {
	if redisURL == "" {
		return Nop{}, func() error { return nil }, nil
	}
	q, err := NewRedisQueue(redisURL, key)
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}
