package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/modulebilling/internal/billing/domain"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/config"
	entitlementdomain "github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"github.com/smallbiznis/modulebilling/internal/lock"
	"github.com/smallbiznis/modulebilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Entitlements entitlementdomain.Service
	Billing      billingdomain.Service
	Engine       *config.EngineConfigHolder `optional:"true"`
	Locker       *lock.Locker               `optional:"true"`
	Config       Config                     `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	entitlements entitlementdomain.Service
	billing      billingdomain.Service
	engine       *config.EngineConfigHolder
	locker       JobLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Entitlements == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		entitlements: p.Entitlements,
		billing:      p.Billing,
		engine:       p.Engine,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	schedMetrics := metrics.Scheduler()

	err := s.withJobLock(ctx, name, func(ctx context.Context) error {
		if owner {
			s.logJobStart(ctx, run)
		}
		schedMetrics.IncJobRun(name)
		err := fn(ctx)
		schedMetrics.ObserveJobDuration(name, time.Since(start))
		if owner {
			if err != nil && run.errorCount == 0 {
				run.IncError()
			}
			s.logJobFinish(ctx, run)
		}
		return err
	})
	if err == nil {
		return nil
	}

	log := s.logger(ctx)
	if isLockHeld(err) {
		schedMetrics.IncJobError(name, err)
		log.Debug("scheduler.job.skipped", zap.String("reason", metrics.SchedulerJobReasonLockHeld))
		return nil
	}

	// deadline is a soft failure; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order. Job errors are joined.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name      string
		BatchSize int
		Run       func(context.Context) error
	}{
		{JobExpireEntitlements, s.sweepBatchSize(), s.ExpireEntitlementsJob},
		{JobRefreshDraftBills, s.cfg.RefreshBatchSize, s.RefreshDraftBillsJob},
	}

	for _, job := range jobs {
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

// RunForever runs jobs every RunInterval until ctx is canceled. A run in
// progress finishes its current batch before returning.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := metrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			schedMetrics.ObserveRunLoopLag(tick.Sub(nextRun))
			nextRun = nextRun.Add(s.cfg.RunInterval)
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) sweepBatchSize() int {
	if s.engine != nil {
		if size := s.engine.Get().Sweep.BatchSize; size > 0 {
			return size
		}
	}
	return s.cfg.SweepBatchSize
}

// ExpireEntitlementsJob persists the expired state of active rows whose
// expiry has passed. Reads already treat them as expired.
func (s *Scheduler) ExpireEntitlementsJob(ctx context.Context) error {
	batchSize := s.sweepBatchSize()
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireEntitlements, batchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := s.entitlements.SweepExpired(ctx, now, batchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.entitlement.sweep.failed", "", err)
			return err
		}
		run.AddProcessed(int(expired))
		metrics.Scheduler().AddBatchProcessed(JobExpireEntitlements, metrics.ResourceEntitlements, int(expired))
		if expired < int64(batchSize) {
			return nil
		}
	}
}

// RefreshDraftBillsJob regenerates the current period's draft bills so they
// track ledger changes until they are finalized.
func (s *Scheduler) RefreshDraftBillsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRefreshDraftBills, s.cfg.RefreshBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	period := billingdomain.PeriodOf(s.clock.Now())

	companies, err := s.billing.ListDraftCompanies(ctx, period)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.bill.list.failed", "", err, zap.String("period", period.String()))
		return err
	}
	if len(companies) > s.cfg.RefreshBatchSize {
		companies = companies[:s.cfg.RefreshBatchSize]
	}

	var jobErr error
	for _, companyID := range companies {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		_, err := s.billing.Generate(ctx, billingdomain.GenerateRequest{CompanyID: companyID, Period: period})
		if errors.Is(err, billingdomain.ErrBillAlreadyFinalized) {
			continue
		}
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.bill.refresh.failed", companyID, err, zap.String("period", period.String()))
			continue
		}
		run.AddProcessed(1)
		metrics.Scheduler().AddBatchProcessed(JobRefreshDraftBills, metrics.ResourceBills, 1)
	}
	return jobErr
}
