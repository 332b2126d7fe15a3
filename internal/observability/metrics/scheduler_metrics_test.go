package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "lock_held",
			err:  fmt.Errorf("expire_entitlements: %w", ErrLockHeld),
			want: SchedulerJobReasonLockHeld,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "modulebilling",
		Environment: "test",
	})

	metrics.AddBatchProcessed("expire_entitlements", ResourceEntitlements, 3)
	metrics.AddBatchProcessed("expire_entitlements", ResourceEntitlements, 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("expire_entitlements", ResourceEntitlements))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestRunLoopLagClampsNegative(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.ObserveRunLoopLag(-time.Second)

	families, err := registry.Gather()
	require.NoError(t, err)

	var lag *dto.Histogram
	for _, family := range families {
		if family.GetName() == "modulebilling_scheduler_runloop_lag_seconds" {
			lag = family.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, lag)
	require.Equal(t, uint64(1), lag.GetSampleCount())
	require.Equal(t, float64(0), lag.GetSampleSum())
}
