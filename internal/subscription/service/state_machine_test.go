package service

import (
	"context"
	"strings"
	"testing"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	"github.com/GYB356/billing-management-platform-sub001/internal/subscription/repository"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingAudit struct {
	actions []string
}

func (m *recordingAudit) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	m.actions = append(m.actions, action)
	return nil
}

func (m *recordingAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			customer_id INTEGER,
			status TEXT,
			plan_code TEXT,
			amount INTEGER,
			currency TEXT,
			default_payment_method_id TEXT,
			is_suspended BOOLEAN DEFAULT FALSE,
			suspended_at DATETIME,
			resumed_at DATETIME,
			trial_start DATETIME,
			trial_end DATETIME,
			current_period_start DATETIME,
			current_period_end DATETIME,
			cancel_at_period_end BOOLEAN DEFAULT FALSE,
			canceled_at DATETIME,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error)

	return db
}

const testOrgID = snowflake.ID(2010735548360036353)

func newStateMachine(t *testing.T, db *gorm.DB, audit *recordingAudit) (subscriptiondomain.Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  repository.Provide(),
		Audit: audit,
	})
	return svc, fakeClock
}

func seedSubscription(t *testing.T, db *gorm.DB, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, paymentMethodID string) {
	t.Helper()

	var pm *string
	if paymentMethodID != "" {
		pm = &paymentMethodID
	}
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Exec(`
		INSERT INTO subscriptions (
			id, org_id, customer_id, status, plan_code, amount, currency,
			default_payment_method_id, is_suspended, current_period_start, current_period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, testOrgID, 7001, status, "pro-monthly", 2900, "USD",
		pm, status == subscriptiondomain.SubscriptionStatusSuspended,
		now, now.AddDate(0, 1, 0), now, now,
	).Error)
}

func fetchSubscription(t *testing.T, db *gorm.DB, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var subscription subscriptiondomain.Subscription
	require.NoError(t, db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, id).Scan(&subscription).Error)
	return subscription
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    subscriptiondomain.SubscriptionStatus
		to      subscriptiondomain.SubscriptionStatus
		wantErr error
	}{
		{"trialing_to_active", subscriptiondomain.SubscriptionStatusTrialing, subscriptiondomain.SubscriptionStatusActive, nil},
		{"trialing_to_incomplete", subscriptiondomain.SubscriptionStatusTrialing, subscriptiondomain.SubscriptionStatusIncomplete, nil},
		{"active_to_past_due", subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusPastDue, nil},
		{"past_due_to_active", subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.SubscriptionStatusActive, nil},
		{"past_due_to_suspended", subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.SubscriptionStatusSuspended, nil},
		{"suspended_to_active", subscriptiondomain.SubscriptionStatusSuspended, subscriptiondomain.SubscriptionStatusActive, nil},
		{"incomplete_to_active", subscriptiondomain.SubscriptionStatusIncomplete, subscriptiondomain.SubscriptionStatusActive, nil},
		{"active_to_canceled", subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusCanceled, nil},
		{"trialing_to_canceled", subscriptiondomain.SubscriptionStatusTrialing, subscriptiondomain.SubscriptionStatusCanceled, nil},
		{"suspended_to_canceled", subscriptiondomain.SubscriptionStatusSuspended, subscriptiondomain.SubscriptionStatusCanceled, nil},
		{"active_to_suspended_rejected", subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusSuspended, subscriptiondomain.ErrInvalidTransition},
		{"canceled_to_active_rejected", subscriptiondomain.SubscriptionStatusCanceled, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ErrInvalidTransition},
		{"active_to_trialing_rejected", subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing, subscriptiondomain.ErrInvalidTransition},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			audit := &recordingAudit{}
			svc, _ := newStateMachine(t, db, audit)

			id := snowflake.ID(9000 + i)
			seedSubscription(t, db, id, tc.from, "pm_default")

			ctx := orgcontext.WithOrgID(context.Background(), int64(testOrgID))
			err := svc.Transition(ctx, id.String(), tc.to, subscriptiondomain.ReasonCustomerCancel)

			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Equal(t, tc.from, fetchSubscription(t, db, id).Status)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.to, fetchSubscription(t, db, id).Status)
			require.Contains(t, audit.actions, "subscription.transition")
		})
	}
}

func TestTransitionSameStatusIsNoOp(t *testing.T) {
	db := newTestDB(t)
	audit := &recordingAudit{}
	svc, _ := newStateMachine(t, db, audit)

	seedSubscription(t, db, 9100, subscriptiondomain.SubscriptionStatusActive, "pm_default")

	ctx := orgcontext.WithOrgID(context.Background(), int64(testOrgID))
	require.NoError(t, svc.Transition(ctx, snowflake.ID(9100).String(), subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonPaymentRecovered))
	require.Empty(t, audit.actions)
}

func TestSuspendAndResumeTimestamps(t *testing.T) {
	db := newTestDB(t)
	audit := &recordingAudit{}
	svc, fakeClock := newStateMachine(t, db, audit)

	seedSubscription(t, db, 9200, subscriptiondomain.SubscriptionStatusPastDue, "pm_default")
	ctx := orgcontext.WithOrgID(context.Background(), int64(testOrgID))

	require.NoError(t, svc.Suspend(ctx, snowflake.ID(9200).String(), subscriptiondomain.ReasonDunningSuspension))
	suspended := fetchSubscription(t, db, 9200)
	require.True(t, suspended.IsSuspended)
	require.NotNil(t, suspended.SuspendedAt)

	fakeClock.Advance(48 * time.Hour)
	require.NoError(t, svc.Resume(ctx, snowflake.ID(9200).String()))
	resumed := fetchSubscription(t, db, 9200)
	require.False(t, resumed.IsSuspended)
	require.Nil(t, resumed.SuspendedAt)
	require.NotNil(t, resumed.ResumedAt)
}

func TestEndExpiredTrials(t *testing.T) {
	db := newTestDB(t)
	audit := &recordingAudit{}
	svc, fakeClock := newStateMachine(t, db, audit)

	trialEnd := fakeClock.Now().Add(-time.Hour)
	seedSubscription(t, db, 9300, subscriptiondomain.SubscriptionStatusTrialing, "pm_default")
	seedSubscription(t, db, 9301, subscriptiondomain.SubscriptionStatusTrialing, "")
	require.NoError(t, db.Exec(`UPDATE subscriptions SET trial_end = ? WHERE id IN (?, ?)`, trialEnd, 9300, 9301).Error)

	count, err := svc.EndExpiredTrials(context.Background(), fakeClock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, fetchSubscription(t, db, 9300).Status)
	require.Equal(t, subscriptiondomain.SubscriptionStatusIncomplete, fetchSubscription(t, db, 9301).Status)
}
