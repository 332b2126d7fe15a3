package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/modulebilling/internal/observability/metrics"
	"go.uber.org/zap"
)

// JobLocker leases a job name so only one replica runs it at a time.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// withJobLock runs fn while holding the job lease. Without a locker the job
// runs unguarded. A lease held elsewhere returns metrics.ErrLockHeld.
func (s *Scheduler) withJobLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	key := "scheduler:" + job
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return metrics.ErrLockHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release.failed", zap.String("lock", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func isLockHeld(err error) bool {
	return errors.Is(err, metrics.ErrLockHeld)
}
