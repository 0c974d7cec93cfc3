// Package queue provides the redis-backed job queue and the exclusive
// per-job worker lease.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by ClaimBlocking when no job became available
// within the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue is a reliable at-least-once job queue. Claim moves the job id to
// a processing list; Ack removes it; RequeueStale returns entries whose
// worker died before acking.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisQueue implements Queue over two redis lists:
// claim = BRPOPLPUSH queueKey -> processingKey, ack = LREM processingKey.
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

// NewRedisQueue creates a reliable queue over the given redis client.
func NewRedisQueue(rdb *redis.Client, queueKey, processingKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", err
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err()
}

// RequeueStale moves processing entries back to the queue. Callers run it
// periodically; redelivered jobs are harmless because claiming PROCESSING
// requires the lease and every stage is re-runnable.
func (q *redisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}
