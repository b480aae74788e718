package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: JobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: JobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: JobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: JobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: JobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newRecoveryMetrics(registry, Config{
		ServiceName: "billing-recovery",
		Environment: "test",
	})

	metrics.AddBatchProcessed("process_due_attempts", "payment_attempts", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("process_due_attempts", "payment_attempts"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncAttemptOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newRecoveryMetrics(registry, Config{
		ServiceName: "billing-recovery",
		Environment: "test",
	})

	metrics.IncAttemptOutcome("AGGRESSIVE", "failed")
	metrics.IncAttemptOutcome("AGGRESSIVE", "failed")

	got := testutil.ToFloat64(metrics.attemptOutcomes.WithLabelValues("AGGRESSIVE", "failed"))
	if got != 2 {
		t.Fatalf("expected attempt count 2, got %v", got)
	}
}
