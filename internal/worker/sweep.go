package worker

import (
	"context"
	"time"

	"crowdfund-service/internal/store"
	"crowdfund-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// sweepLockKey is the Redis lease shared by all service instances
const sweepLockKey = "deadline-sweep"

// Settler is one sweep pass. *campaign.Settler satisfies it.
type Settler interface {
	SettleExpired(ctx context.Context) error
}

// Auditor is an optional post-sweep counter audit
type Auditor interface {
	Run(ctx context.Context) ([]store.FundingDrift, error)
}

// Lease guards against concurrent sweep runs across instances.
// *redisclient.Client satisfies it.
type Lease interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// SweepWorker runs the deadline sweep on a cron schedule. Three layers keep
// runs from overlapping: cron.SkipIfStillRunning in-process, the Redis lease
// across instances, and the per-campaign SETTLING claim in the database.
type SweepWorker struct {
	settler  Settler
	auditor  Auditor
	lease    Lease
	schedule string
	leaseTTL time.Duration
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewSweepWorker creates a deadline sweep worker. auditor and lease may be nil.
func NewSweepWorker(settler Settler, auditor Auditor, lease Lease, schedule string, leaseTTL time.Duration) *SweepWorker {
	return &SweepWorker{
		settler:  settler,
		auditor:  auditor,
		lease:    lease,
		schedule: schedule,
		leaseTTL: leaseTTL,
		logger:   util.GetLogger(),
	}
}

// Start schedules the sweep and runs one pass immediately
func (w *SweepWorker) Start(ctx context.Context) error {
	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := w.cron.AddFunc(w.schedule, func() {
		w.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	w.logger.Info("Deadline sweep scheduled", zap.String("schedule", w.schedule))

	// Initial pass so a restart does not wait a full interval to settle
	// already-expired campaigns.
	w.RunOnce(ctx)

	w.cron.Start()

	<-ctx.Done()
	return ctx.Err()
}

// Stop stops the cron scheduler, waiting for a running pass to finish
func (w *SweepWorker) Stop() {
	if w.cron != nil {
		stopCtx := w.cron.Stop()
		<-stopCtx.Done()
	}
	w.logger.Info("Deadline sweep stopped")
}

// RunOnce executes a single sweep pass under the distributed lease
func (w *SweepWorker) RunOnce(ctx context.Context) {
	if w.lease != nil {
		acquired, err := w.lease.AcquireLock(ctx, sweepLockKey, w.leaseTTL)
		if err != nil {
			// Degrade to the per-campaign claim rather than skipping the
			// sweep outright when Redis is down.
			w.logger.Warn("Sweep lease unavailable, relying on campaign claims", zap.Error(err))
		} else if !acquired {
			w.logger.Info("Sweep lease held elsewhere, skipping run")
			util.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		} else {
			defer func() {
				if err := w.lease.ReleaseLock(ctx, sweepLockKey); err != nil {
					w.logger.Warn("Failed to release sweep lease", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	w.logger.Info("Starting deadline sweep")

	if err := w.settler.SettleExpired(ctx); err != nil {
		w.logger.Error("Deadline sweep failed", zap.Error(err))
		util.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}

	if w.auditor != nil {
		if _, err := w.auditor.Run(ctx); err != nil {
			w.logger.Error("Funding audit failed", zap.Error(err))
		}
	}

	util.SweepRunsTotal.WithLabelValues("ok").Inc()
	util.SweepDuration.Observe(time.Since(start).Seconds())
	w.logger.Info("Deadline sweep finished", zap.Duration("took", time.Since(start)))
}
