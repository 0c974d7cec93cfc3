package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another worker already holds the lease.
var ErrLeaseHeld = errors.New("lease already held")

// ErrLeaseLost is returned when a renew or release finds the lease no
// longer owned by the caller (it expired and may have been reclaimed).
var ErrLeaseLost = errors.New("lease lost")

// releaseScript deletes the lease key only if it still carries the
// caller's token, so an expired lease reclaimed by another worker is
// never released from under them. renewScript extends it under the same
// condition.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// LeaseManager hands out exclusive, time-bounded claims on job ids. At
// most one worker holds a job's lease at a time; if the holder crashes
// the lease expires and the job becomes claimable again.
type LeaseManager struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLeaseManager creates a lease manager with the given TTL.
func NewLeaseManager(rdb *redis.Client, prefix string, ttl time.Duration) *LeaseManager {
	return &LeaseManager{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Lease is an acquired claim on one job.
type Lease struct {
	m     *LeaseManager
	key   string
	token string
}

// Acquire claims the lease for jobID, or returns ErrLeaseHeld.
func (m *LeaseManager) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	key := m.prefix + jobID
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{m: m, key: key, token: token}, nil
}

// Renew extends the lease TTL. Returns ErrLeaseLost if the lease expired
// in the meantime.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.m.rdb, []string{l.key}, l.token, l.m.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease renew failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives up the lease. Releasing an already-expired lease is not
// an error.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	return nil
}

// KeepAlive renews the lease on a ticker until ctx is done. It stops
// silently on ErrLeaseLost; the orchestrator's guarded transitions keep a
// worker without a lease from overwriting state owned by the reclaimer.
func (l *Lease) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				return
			}
		}
	}
}
