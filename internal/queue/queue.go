package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scan is one card-reader event: the bare UID the device emitted and when
// the API accepted it.
type Scan struct {
	UID string
	At  time.Time
}

// Queue carries scans from the intake endpoint to the check-in consumer.
type Queue interface {
	Publish(ctx context.Context, s Scan) error
	Consume(ctx context.Context) (<-chan Scan, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Scan
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Scan, size)}
}

func (q *InMemory) Publish(ctx context.Context, s Scan) error {
	select {
	case q.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemory) Consume(ctx context.Context) (<-chan Scan, error) {
	out := make(chan Scan)
	go func() {
		defer close(out)
		for {
			select {
			case s := <-q.ch:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list with LPUSH/BRPOP semantics, so the worker can
// run as a separate process from the API.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "classtrack:scans"
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Publish(ctx context.Context, s Scan) error {
	return q.client.LPush(ctx, q.key, encode(s)).Err()
}

func (q *RedisQueue) Consume(ctx context.Context) (<-chan Scan, error) {
	out := make(chan Scan)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue // redis.Nil on timeout, transient errors: keep polling
			}
			if len(res) != 2 {
				continue
			}
			s, err := decode(res[1])
			if err != nil {
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Scans are stored as "uid|RFC3339 timestamp". UIDs are hex strings off the
// reader, so the separator cannot collide.
func encode(s Scan) string {
	return s.UID + "|" + s.At.Format(time.RFC3339Nano)
}

func decode(raw string) (Scan, error) {
	uid, at, ok := strings.Cut(raw, "|")
	if !ok || uid == "" {
		return Scan{}, fmt.Errorf("malformed scan payload %q", raw)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Scan{}, fmt.Errorf("malformed scan timestamp %q: %w", at, err)
	}
	return Scan{UID: uid, At: t}, nil
}
