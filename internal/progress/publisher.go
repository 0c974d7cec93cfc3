// Package progress implements the append-only per-job progress event
// log. Events for one job are totally ordered by sequence number and
// monotonic in stage/percent; consumers either poll the snapshot or
// subscribe for push delivery.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xuan1250/transfer2read/internal/types"
)

// Event is one progress update for a job.
type Event struct {
	Seq     int64           `json:"seq"`
	JobID   uuid.UUID       `json:"job_id"`
	Status  types.JobStatus `json:"status"`
	Stage   *types.Stage    `json:"stage,omitempty"`
	Percent int             `json:"percent"`
	Message string          `json:"message,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher appends events to a per-job redis list and fans them out over
// pubsub. The orchestrator publishes only after the corresponding job
// state is durably persisted, so any event a reader observes corresponds
// to a persisted status.
type Publisher struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPublisher creates a publisher whose event logs expire after ttl.
func NewPublisher(rdb *redis.Client, ttl time.Duration) *Publisher {
	return &Publisher{rdb: rdb, ttl: ttl}
}

func keys(jobID uuid.UUID) (seqKey, listKey, channel string) {
	base := "jobs:progress:" + jobID.String()
	return base + ":seq", base, base + ":events"
}

// Publish appends one event, assigning the next sequence number.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	seqKey, listKey, channel := keys(ev.JobID)

	seq, err := p.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("progress seq failed: %w", err)
	}
	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.RPush(ctx, listKey, data)
	pipe.Expire(ctx, listKey, p.ttl)
	pipe.Expire(ctx, seqKey, p.ttl)
	pipe.Publish(ctx, channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress publish failed: %w", err)
	}
	return nil
}

// Snapshot returns the full ordered event log for a job.
func (p *Publisher) Snapshot(ctx context.Context, jobID uuid.UUID) ([]Event, error) {
	_, listKey, _ := keys(jobID)
	raw, err := p.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("progress snapshot failed: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe replays the existing log and then tails new events until ctx
// is done. The returned channel is closed on cancellation. Events are
// deduplicated by sequence number so the replay/tail seam never emits a
// lower sequence after a higher one.
func (p *Publisher) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, error) {
	_, _, channel := keys(jobID)
	sub := p.rdb.Subscribe(ctx, channel)
	// Force subscription before the snapshot so no event falls between.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("progress subscribe failed: %w", err)
	}

	snapshot, err := p.Snapshot(ctx, jobID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		var lastSeq int64
		for _, ev := range snapshot {
			select {
			case out <- ev:
				lastSeq = ev.Seq
			case <-ctx.Done():
				return
			}
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Seq
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
