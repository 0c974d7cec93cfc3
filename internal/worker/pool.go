// Package worker runs the claim loop that feeds queued jobs into the
// orchestrator's pipeline.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/queue"
)

// Runner is the per-job processing entry the pool dispatches to.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// Config tunes the pool.
type Config struct {
	Workers       int
	ClaimTimeout  time.Duration
	ReapInterval  time.Duration
	ReapBatchSize int64
}

// Pool claims jobs from the queue with a fixed number of goroutines and
// hands each to the runner. Claims are acked only after Run returns,
// so a worker that dies mid-job leaves its claim in the processing list
// for the reaper to requeue.
type Pool struct {
	queue  queue.Queue
	runner Runner
	cfg    Config
	log    *logrus.Logger
}

func NewPool(q queue.Queue, runner Runner, cfg Config, log *logrus.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.ReapBatchSize <= 0 {
		cfg.ReapBatchSize = 10
	}
	return &Pool{queue: q, runner: runner, cfg: cfg, log: log}
}

// Start runs the claim loops and the stale-claim reaper until the context
// is cancelled, then waits for in-flight jobs to finish.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.claimLoop(ctx, n)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) claimLoop(ctx context.Context, n int) {
	log := p.log.WithField("worker", n)
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := p.queue.ClaimBlocking(ctx, p.cfg.ClaimTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, id, log)
	}
}

func (p *Pool) process(ctx context.Context, id string, log *logrus.Entry) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		log.WithField("claim", id).Warn("discarding malformed queue entry")
		p.ack(id, log)
		return
	}
	if err := p.runner.Run(ctx, jobID); err != nil {
		// Interrupted; leave the claim for the reaper so another worker
		// resumes from the persisted artifacts.
		log.WithError(err).WithField("job_id", jobID).Warn("job interrupted, leaving claim for requeue")
		return
	}
	p.ack(id, log)
}

func (p *Pool) ack(id string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(ctx, id); err != nil {
		log.WithError(err).WithField("claim", id).Error("ack failed")
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := p.queue.RequeueStale(ctx, p.cfg.ReapBatchSize)
			if err != nil {
				p.log.WithError(err).Error("stale claim sweep failed")
				continue
			}
			if moved > 0 {
				p.log.WithField("requeued", moved).Info("requeued stale claims")
			}
		}
	}
}
