package service

import (
	"context"
	"strings"
	"testing"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	paymentdomain "github.com/GYB356/billing-management-platform-sub001/internal/payment/domain"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/retry/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/risk"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	subscriptionrepo "github.com/GYB356/billing-management-platform-sub001/internal/subscription/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg          = snowflake.ID(42)
	testSubscription = snowflake.ID(1001)
	testInvoice      = snowflake.ID(2001)
	testCustomer     = snowflake.ID(3001)
)

type transitionCall struct {
	subscriptionID string
	target         subscriptiondomain.SubscriptionStatus
	reason         subscriptiondomain.TransitionReason
}

type mockSubscriptionSvc struct {
	db          *gorm.DB
	transitions []transitionCall
}

func (m *mockSubscriptionSvc) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	return subscriptiondomain.ListSubscriptionResponse{}, nil
}

func (m *mockSubscriptionSvc) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (m *mockSubscriptionSvc) Transition(ctx context.Context, subscriptionID string, target subscriptiondomain.SubscriptionStatus, reason subscriptiondomain.TransitionReason) error {
	m.transitions = append(m.transitions, transitionCall{subscriptionID, target, reason})
	if m.db != nil {
		return m.db.Exec(`UPDATE subscriptions SET status = ? WHERE id = ?`, target, subscriptionID).Error
	}
	return nil
}

func (m *mockSubscriptionSvc) Suspend(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	return m.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusSuspended, reason)
}

func (m *mockSubscriptionSvc) Resume(ctx context.Context, subscriptionID string) error {
	return m.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonManualResume)
}

func (m *mockSubscriptionSvc) Cancel(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	return m.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusCanceled, reason)
}

func (m *mockSubscriptionSvc) SetDefaultPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error {
	return nil
}

func (m *mockSubscriptionSvc) EndExpiredTrials(ctx context.Context, asOf time.Time, limit int) (int, error) {
	return 0, nil
}

type appliedPayment struct {
	invoiceID snowflake.ID
	amount    int64
}

type mockInvoiceSvc struct {
	payments []appliedPayment
}

func (m *mockInvoiceSvc) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	return invoicedomain.ListInvoiceResponse{}, nil
}

func (m *mockInvoiceSvc) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}

func (m *mockInvoiceSvc) MarkOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) PastDue(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (invoicedomain.Invoice, error) {
	m.payments = append(m.payments, appliedPayment{invoiceID, amount})
	return invoicedomain.Invoice{ID: invoiceID, Status: invoicedomain.InvoiceStatusPaid}, nil
}

type dispatched struct {
	category string
	priority notificationdomain.Priority
}

type mockNotifier struct {
	dispatches []dispatched
}

func (m *mockNotifier) Dispatch(ctx context.Context, req notificationdomain.DispatchRequest) (notificationdomain.DispatchResult, error) {
	m.dispatches = append(m.dispatches, dispatched{req.Category, req.Priority})
	return notificationdomain.DispatchResult{}, nil
}

func (m *mockNotifier) ListByCustomer(ctx context.Context, customerID string, limit int) ([]notificationdomain.Notification, error) {
	return nil, nil
}

func (m *mockNotifier) MarkRead(ctx context.Context, notificationID string) error { return nil }

func (m *mockNotifier) UpdatePreferences(ctx context.Context, prefs notificationdomain.Preferences) error {
	return nil
}

type mockGateway struct {
	charge func(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error)
	calls  int
}

func (m *mockGateway) Provider() string { return "mock" }

func (m *mockGateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	m.calls++
	if m.charge == nil {
		return &paymentdomain.ChargeResult{Success: true}, nil
	}
	return m.charge(ctx, req)
}

func (m *mockGateway) AttachPaymentMethod(ctx context.Context, customerID snowflake.ID, token string) (*paymentdomain.PaymentMethod, error) {
	return nil, nil
}

func (m *mockGateway) ListPaymentMethods(ctx context.Context, customerID snowflake.ID) ([]paymentdomain.PaymentMethod, error) {
	return nil, nil
}

type noopAudit struct{}

func (noopAudit) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func newRetryTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
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
	require.NoError(t, db.Exec(`
		CREATE TABLE payment_attempts (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			subscription_id INTEGER,
			invoice_id INTEGER,
			customer_id INTEGER,
			attempt_number INTEGER,
			status TEXT,
			strategy TEXT,
			amount INTEGER,
			currency TEXT,
			payment_method_id TEXT,
			require_new_payment_method BOOLEAN DEFAULT FALSE,
			scheduled_for DATETIME,
			executed_at DATETIME,
			failure_code TEXT,
			failure_message TEXT,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME,
			UNIQUE (subscription_id, attempt_number)
		)
	`).Error)

	return db
}

type retryFixture struct {
	svc           retrydomain.Service
	db            *gorm.DB
	clock         *clock.FakeClock
	subscriptions *mockSubscriptionSvc
	invoices      *mockInvoiceSvc
	notifier      *mockNotifier
	gateway       *mockGateway
}

func newRetryFixture(t *testing.T) *retryFixture {
	t.Helper()

	db := newRetryTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))

	f := &retryFixture{
		db:            db,
		clock:         fakeClock,
		subscriptions: &mockSubscriptionSvc{db: db},
		invoices:      &mockInvoiceSvc{},
		notifier:      &mockNotifier{},
		gateway:       &mockGateway{},
	}

	cfg := config.Config{}
	cfg.Recovery.BatchSize = 10
	cfg.Recovery.ChargeTimeout = 200 * time.Millisecond

	attemptRepo := repository.Provide()
	f.svc = NewService(Params{
		Config:           cfg,
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fakeClock,
		Repo:             attemptRepo,
		SubscriptionRepo: subscriptionrepo.Provide(),
		Subscriptions:    f.subscriptions,
		Invoices:         f.invoices,
		Notifier:         f.notifier,
		Gateway:          f.gateway,
		Audit:            noopAudit{},
		Scorer: risk.NewScorer(risk.ScorerParams{
			Config: cfg,
			DB:     db,
			Log:    zap.NewNop(),
			Clock:  fakeClock,
			Repo:   attemptRepo,
		}),
	})
	return f
}

func (f *retryFixture) seedSubscription(t *testing.T, status subscriptiondomain.SubscriptionStatus, paymentMethodID string) {
	t.Helper()
	var pm *string
	if paymentMethodID != "" {
		pm = &paymentMethodID
	}
	now := f.clock.Now()
	require.NoError(t, f.db.Exec(`
		INSERT INTO subscriptions (id, org_id, customer_id, status, plan_code, amount, currency, default_payment_method_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pro-monthly', 2900, 'USD', ?, ?, ?)`,
		testSubscription, testOrg, testCustomer, status, pm, now, now,
	).Error)
}

func (f *retryFixture) seedAttempt(t *testing.T, id snowflake.ID, number int, status retrydomain.AttemptStatus, failureCode string, scheduledFor time.Time, requireNew bool) {
	t.Helper()
	require.NoError(t, f.db.Exec(`
		INSERT INTO payment_attempts (
			id, org_id, subscription_id, invoice_id, customer_id, attempt_number, status, strategy,
			amount, currency, payment_method_id, require_new_payment_method, scheduled_for, failure_code, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'DEFAULT', 2900, 'USD', 'pm_card', ?, ?, ?, ?, ?)`,
		id, testOrg, testSubscription, testInvoice, testCustomer, number, status,
		requireNew, scheduledFor, failureCode, f.clock.Now(), f.clock.Now(),
	).Error)
}

func scheduleReq(code string) retrydomain.ScheduleRetryRequest {
	return retrydomain.ScheduleRetryRequest{
		OrgID:          testOrg,
		SubscriptionID: testSubscription,
		InvoiceID:      testInvoice,
		CustomerID:     testCustomer,
		Amount:         2900,
		Currency:       "USD",
		FailureCode:    code,
	}
}

func TestScheduleRetryCreatesSequentialAttempts(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")

	first, err := f.svc.ScheduleRetry(context.Background(), scheduleReq("card_declined"))
	require.NoError(t, err)
	require.NotNil(t, first.Attempt)
	require.Equal(t, 1, first.Attempt.AttemptNumber)
	require.Equal(t, retrydomain.StrategyDefault, first.Attempt.Strategy)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), first.Attempt.ScheduledFor)

	second, err := f.svc.ScheduleRetry(context.Background(), scheduleReq("card_declined"))
	require.NoError(t, err)
	require.NotNil(t, second.Attempt)
	require.Equal(t, 2, second.Attempt.AttemptNumber)
}

func TestScheduleRetryRequireNewMethodNotifiesCustomer(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")

	result, err := f.svc.ScheduleRetry(context.Background(), scheduleReq("stolen_card"))
	require.NoError(t, err)
	require.NotNil(t, result.Attempt)
	require.Equal(t, retrydomain.StrategyConservative, result.Attempt.Strategy)
	require.True(t, result.Attempt.RequireNewPaymentMethod)

	require.Len(t, f.notifier.dispatches, 1)
	require.Equal(t, "update_payment_method", f.notifier.dispatches[0].category)
	require.Equal(t, notificationdomain.PriorityHigh, f.notifier.dispatches[0].priority)
}

func TestScheduleRetryMaxAttemptsIsTerminal(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive, "pm_card")
	for i := 1; i <= 4; i++ {
		f.seedAttempt(t, snowflake.ID(8000+i), i, retrydomain.AttemptStatusFailed, "card_declined", f.clock.Now().Add(-time.Duration(i)*24*time.Hour), false)
	}

	result, err := f.svc.ScheduleRetry(context.Background(), scheduleReq("card_declined"))
	require.NoError(t, err)
	require.True(t, result.MaxAttemptsExceeded)
	require.Nil(t, result.Attempt)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, testSubscription).Scan(&count).Error)
	require.Equal(t, int64(4), count)

	require.Len(t, f.subscriptions.transitions, 1)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, f.subscriptions.transitions[0].target)

	require.Len(t, f.notifier.dispatches, 1)
	require.Equal(t, "final_notice", f.notifier.dispatches[0].category)
	require.Equal(t, notificationdomain.PriorityUrgent, f.notifier.dispatches[0].priority)
}

func TestProcessDueAttemptsSuccessRecoversSubscription(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")
	f.seedAttempt(t, 9001, 1, retrydomain.AttemptStatusScheduled, "", f.clock.Now().Add(-time.Minute), false)

	report, err := f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Claimed)
	require.Equal(t, 1, report.Succeeded)

	var status string
	require.NoError(t, f.db.Raw(`SELECT status FROM payment_attempts WHERE id = 9001`).Scan(&status).Error)
	require.Equal(t, string(retrydomain.AttemptStatusSucceeded), status)

	require.Len(t, f.invoices.payments, 1)
	require.Equal(t, testInvoice, f.invoices.payments[0].invoiceID)

	require.Len(t, f.subscriptions.transitions, 1)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, f.subscriptions.transitions[0].target)
	require.Equal(t, subscriptiondomain.ReasonPaymentRecovered, f.subscriptions.transitions[0].reason)

	require.Len(t, f.notifier.dispatches, 1)
	require.Equal(t, "payment_recovered", f.notifier.dispatches[0].category)
}

func TestProcessDueAttemptsFailureChainsNextAttempt(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")
	f.seedAttempt(t, 9002, 1, retrydomain.AttemptStatusScheduled, "", f.clock.Now().Add(-time.Minute), false)

	f.gateway.charge = func(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		return &paymentdomain.ChargeResult{
			FailureCode:    "insufficient_funds",
			FailureMessage: "balance too low",
		}, nil
	}

	report, err := f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	var failedCode string
	require.NoError(t, f.db.Raw(`SELECT failure_code FROM payment_attempts WHERE id = 9002`).Scan(&failedCode).Error)
	require.Equal(t, "insufficient_funds", failedCode)

	var next retrydomain.PaymentAttempt
	require.NoError(t, f.db.Raw(
		`SELECT id, attempt_number, status, strategy FROM payment_attempts WHERE subscription_id = ? AND attempt_number = 2`,
		testSubscription,
	).Scan(&next).Error)
	require.NotZero(t, next.ID)
	require.Equal(t, retrydomain.AttemptStatusScheduled, next.Status)
	require.Equal(t, retrydomain.StrategyAggressive, next.Strategy)
}

func TestProcessDueAttemptsNeverChargesCanceledSubscription(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusCanceled, "pm_card")
	f.seedAttempt(t, 9003, 1, retrydomain.AttemptStatusScheduled, "", f.clock.Now().Add(-time.Minute), false)

	report, err := f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, f.gateway.calls)
	require.Equal(t, 1, report.Skipped)

	var status string
	require.NoError(t, f.db.Raw(`SELECT status FROM payment_attempts WHERE id = 9003`).Scan(&status).Error)
	require.Equal(t, string(retrydomain.AttemptStatusFailed), status)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, testSubscription).Scan(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessDueAttemptsDefersUntilNewMethodAttached(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")
	f.seedAttempt(t, 9004, 1, retrydomain.AttemptStatusScheduled, "", f.clock.Now().Add(-time.Minute), true)

	report, err := f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, f.gateway.calls)
	require.Equal(t, 1, report.Skipped)

	var status string
	require.NoError(t, f.db.Raw(`SELECT status FROM payment_attempts WHERE id = 9004`).Scan(&status).Error)
	require.Equal(t, string(retrydomain.AttemptStatusScheduled), status)

	// Attach a new instrument and the attempt becomes chargeable.
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET default_payment_method_id = 'pm_new' WHERE id = ?`, testSubscription).Error)

	report, err = f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.gateway.calls)
	require.Equal(t, 1, report.Succeeded)
}

func TestProcessDueAttemptsTimeoutBecomesGatewayTimeout(t *testing.T) {
	f := newRetryFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusPastDue, "pm_card")
	f.seedAttempt(t, 9005, 1, retrydomain.AttemptStatusScheduled, "", f.clock.Now().Add(-time.Minute), false)

	f.gateway.charge = func(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	report, err := f.svc.ProcessDueAttempts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	var failedCode string
	require.NoError(t, f.db.Raw(`SELECT failure_code FROM payment_attempts WHERE id = 9005`).Scan(&failedCode).Error)
	require.Equal(t, "gateway_timeout", failedCode)
}
