package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/queue"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/stages"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Run processes one claimed job through the remaining pipeline stages.
// It is the worker's entry point after a queue claim. A job another
// worker still holds a lease on is skipped without error; the claim is
// acked and the lease holder finishes it.
//
// Returning a nil error means the job reached a terminal state or was
// legitimately skipped. A non-nil error means processing was interrupted
// (worker shutdown, lost lease) and the job should be reclaimed later.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	log := o.log.WithField("job_id", jobID)

	lease, err := o.leases.Acquire(ctx, jobID.String())
	if errors.Is(err, queue.ErrLeaseHeld) {
		log.Debug("job lease held elsewhere, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("lease release failed")
		}
	}()
	leaseCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go lease.KeepAlive(leaseCtx, o.cfg.LeaseRenewInterval)

	job, err := o.jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("claimed job no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case job.Status.Terminal():
		return nil
	case job.Status == types.StatusUploaded:
		// Never started; a stray queue entry.
		log.Warn("claimed job was never queued")
		return nil
	}

	prior, contribs, err := o.restore(ctx, jobID)
	if err != nil {
		return err
	}
	session := o.router.NewSession(job.Tier)
	jc := &stages.Context{
		Job:         job,
		Session:     session,
		Store:       o.store,
		Concurrency: o.cfg.PageConcurrency,
		Log:         log,
	}

	for _, exec := range o.executors {
		st := exec.Stage()
		if prior.Has(st) {
			continue
		}

		job, err = o.checkpoint(ctx, jobID, log)
		if err != nil || job == nil {
			return err
		}
		if err := o.jobs.MarkProcessing(ctx, jobID, st); err != nil {
			return err
		}
		o.publish(ctx, jobID, types.StatusProcessing, &st, job.ProgressPercent, "stage started")

		out, contrib, runErr := o.runStage(ctx, jc, exec, prior, log)
		if runErr != nil {
			if ctx.Err() != nil {
				return runErr
			}
			var stopped *stopRun
			if errors.As(runErr, &stopped) {
				return nil
			}
			kind := types.KindOf(runErr)
			if err := o.jobs.MarkFailed(ctx, jobID, kind, runErr.Error()); err != nil {
				return err
			}
			o.publish(ctx, jobID, types.StatusFailed, &st, job.ProgressPercent, runErr.Error())
			log.WithError(runErr).WithField("stage", st).Info("job failed")
			return nil
		}

		prior.Merge(out)
		if contrib != nil {
			contribs = append(contribs, *contrib)
		}

		if st == types.StageGenerating {
			break
		}
		next, _ := st.Next()
		if err := o.jobs.AdvanceStage(ctx, jobID, next, st.ProgressPercent()); err != nil {
			return err
		}
		o.publish(ctx, jobID, types.StatusProcessing, &next, st.ProgressPercent(), "stage complete")
	}

	// Completion runs outside the stage loop: a reclaimed job whose
	// Generate artifact was persisted before the previous worker died has
	// every stage skipped above and still must be finalized here.
	if prior.Generation == nil {
		log.Warn("stage loop ended without generation output")
		return nil
	}
	return o.complete(ctx, jobID, prior, contribs, log)
}

// complete records the finished conversion: output reference and the
// aggregated quality report commit together, then the terminal event.
func (o *Orchestrator) complete(ctx context.Context, jobID uuid.UUID, prior *types.StageOutputs, contribs []quality.Contribution, log *logrus.Entry) error {
	report := quality.Aggregate(contribs, o.cfg.Quality)
	if err := o.jobs.MarkCompleted(ctx, jobID, prior.Generation.OutputRef, &report); err != nil {
		return err
	}
	st := types.StageGenerating
	o.publish(ctx, jobID, types.StatusCompleted, &st, 100, "conversion complete")
	log.WithField("confidence", report.OverallConfidence).Info("job completed")
	return nil
}

// stopRun signals that a checkpoint finalized the job (cancelled or timed
// out) and the stage loop must unwind without recording a failure.
type stopRun struct{}

func (*stopRun) Error() string { return "job finalized at checkpoint" }

// runStage executes one stage with the job-level retry policy: transient
// errors re-enter the stage after a backoff of 1, 5, then 15 retry units,
// until attempt_count passes the ceiling. Cancellation and the wall-clock
// timeout are checked before every backoff sleep.
func (o *Orchestrator) runStage(ctx context.Context, jc *stages.Context, exec stages.Executor, prior *types.StageOutputs, log *logrus.Entry) (*types.StageOutputs, *quality.Contribution, error) {
	st := exec.Stage()
	for {
		err := o.ensurePages(ctx, jc, st)
		var out *types.StageOutputs
		var contrib *quality.Contribution
		if err == nil {
			out, contrib, err = exec.Run(ctx, jc, prior)
		}
		if err == nil {
			artifact := &repository.StageArtifact{Outputs: out, Contribution: contrib}
			err = o.artifacts.Save(ctx, jc.Job.ID, st, artifact)
			if err == nil {
				return out, contrib, nil
			}
		}
		if ctx.Err() != nil {
			return nil, nil, err
		}
		if !types.IsRetryable(err) {
			return nil, nil, err
		}

		attempts, aerr := o.jobs.IncrementAttempt(ctx, jc.Job.ID)
		if aerr != nil {
			return nil, nil, aerr
		}
		jc.Job.AttemptCount = attempts
		if attempts > o.cfg.RetryCeiling {
			log.WithError(err).WithField("stage", st).Warn("retry ceiling reached")
			return nil, nil, err
		}

		job, cerr := o.checkpoint(ctx, jc.Job.ID, log)
		if cerr != nil {
			return nil, nil, cerr
		}
		if job == nil {
			return nil, nil, &stopRun{}
		}

		delay := retrySchedule[min(attempts-1, len(retrySchedule)-1)] * o.cfg.RetryUnit
		log.WithError(err).WithFields(logrus.Fields{
			"stage":   st,
			"attempt": attempts,
			"backoff": delay,
		}).Info("transient failure, retrying stage")
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, nil, serr
		}
	}
}

// ensurePages lazily loads the page units for the stages that consume
// them. Later stages work from persisted artifacts only, so a resumed
// job skips the download entirely.
func (o *Orchestrator) ensurePages(ctx context.Context, jc *stages.Context, st types.Stage) error {
	if jc.Pages != nil {
		return nil
	}
	if st != types.StageAnalyzing && st != types.StageExtracting {
		return nil
	}
	pages, err := o.pages.Pages(ctx, jc.Job)
	if err != nil {
		return err
	}
	jc.Pages = pages
	return nil
}

// checkpoint re-reads the job and honors a pending cancellation or the
// wall-clock timeout. It returns the fresh job, or nil after finalizing
// the job itself.
func (o *Orchestrator) checkpoint(ctx context.Context, jobID uuid.UUID, log *logrus.Entry) (*types.ConversionJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, nil
	}
	if job.CancelRequested() {
		if err := o.jobs.MarkCancelled(ctx, jobID); err != nil {
			return nil, err
		}
		o.publish(ctx, jobID, types.StatusCancelled, job.Stage, job.ProgressPercent, "cancelled")
		log.Info("job cancelled at checkpoint")
		return nil, nil
	}
	if o.cfg.JobTimeout > 0 && job.QueuedAt != nil && o.now().Sub(*job.QueuedAt) > o.cfg.JobTimeout {
		msg := "processing time limit exceeded"
		if err := o.jobs.MarkFailed(ctx, jobID, types.KindTimeout, msg); err != nil {
			return nil, err
		}
		o.publish(ctx, jobID, types.StatusFailed, job.Stage, job.ProgressPercent, msg)
		log.Warn("job timed out")
		return nil, nil
	}
	return job, nil
}

// restore rebuilds the merged outputs and quality contributions from
// previously persisted stage artifacts, in stage order.
func (o *Orchestrator) restore(ctx context.Context, jobID uuid.UUID) (*types.StageOutputs, []quality.Contribution, error) {
	saved, err := o.artifacts.Load(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	prior := &types.StageOutputs{}
	var contribs []quality.Contribution
	for _, st := range types.StageOrder {
		a, ok := saved[st]
		if !ok {
			continue
		}
		prior.Merge(a.Outputs)
		if a.Contribution != nil {
			contribs = append(contribs, *a.Contribution)
		}
	}
	return prior, contribs, nil
}
