package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	dunningdomain "github.com/GYB356/billing-management-platform-sub001/internal/dunning/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/dunning/repository"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	subscriptionrepo "github.com/GYB356/billing-management-platform-sub001/internal/subscription/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg          = snowflake.ID(11)
	testSubscription = snowflake.ID(1201)
	testInvoice      = snowflake.ID(2201)
	testCustomer     = snowflake.ID(3201)
)

type mockRetrySvc struct {
	scheduled []retrydomain.ScheduleRetryRequest
	err       error
}

func (m *mockRetrySvc) ScheduleRetry(ctx context.Context, req retrydomain.ScheduleRetryRequest) (retrydomain.ScheduleRetryResult, error) {
	if m.err != nil {
		return retrydomain.ScheduleRetryResult{}, m.err
	}
	m.scheduled = append(m.scheduled, req)
	return retrydomain.ScheduleRetryResult{Attempt: &retrydomain.PaymentAttempt{}}, nil
}

func (m *mockRetrySvc) ProcessDueAttempts(ctx context.Context) (retrydomain.ProcessReport, error) {
	return retrydomain.ProcessReport{}, nil
}

type mockNotifier struct {
	categories []string
	err        error
}

func (m *mockNotifier) Dispatch(ctx context.Context, req notificationdomain.DispatchRequest) (notificationdomain.DispatchResult, error) {
	if m.err != nil {
		return notificationdomain.DispatchResult{}, m.err
	}
	m.categories = append(m.categories, req.Category)
	return notificationdomain.DispatchResult{}, nil
}

func (m *mockNotifier) ListByCustomer(ctx context.Context, customerID string, limit int) ([]notificationdomain.Notification, error) {
	return nil, nil
}

func (m *mockNotifier) MarkRead(ctx context.Context, notificationID string) error { return nil }

func (m *mockNotifier) UpdatePreferences(ctx context.Context, prefs notificationdomain.Preferences) error {
	return nil
}

type mockSubscriptionSvc struct {
	suspended []string
	err       error
}

func (m *mockSubscriptionSvc) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	return subscriptiondomain.ListSubscriptionResponse{}, nil
}

func (m *mockSubscriptionSvc) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (m *mockSubscriptionSvc) Transition(ctx context.Context, subscriptionID string, target subscriptiondomain.SubscriptionStatus, reason subscriptiondomain.TransitionReason) error {
	return nil
}

func (m *mockSubscriptionSvc) Suspend(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	if m.err != nil {
		return m.err
	}
	m.suspended = append(m.suspended, subscriptionID)
	return nil
}

func (m *mockSubscriptionSvc) Resume(ctx context.Context, subscriptionID string) error { return nil }

func (m *mockSubscriptionSvc) Cancel(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	return nil
}

func (m *mockSubscriptionSvc) SetDefaultPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error {
	return nil
}

func (m *mockSubscriptionSvc) EndExpiredTrials(ctx context.Context, asOf time.Time, limit int) (int, error) {
	return 0, nil
}

type mockInvoiceSvc struct {
	pastDue []invoicedomain.Invoice
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
	return m.pastDue, nil
}

func (m *mockInvoiceSvc) ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}

type noopAudit struct{}

func (noopAudit) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func newDunningTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE dunning_configs (
			org_id INTEGER PRIMARY KEY,
			ladder TEXT,
			updated_at DATETIME
		)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE dunning_logs (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			invoice_id INTEGER,
			subscription_id INTEGER,
			customer_id INTEGER,
			days_past_due INTEGER,
			log_date TEXT,
			template TEXT,
			actions_taken TEXT,
			suspend_triggered BOOLEAN DEFAULT FALSE,
			created_at DATETIME,
			UNIQUE (invoice_id, days_past_due, log_date)
		)
	`).Error)
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

type dunningFixture struct {
	svc           dunningdomain.Service
	db            *gorm.DB
	clock         *clock.FakeClock
	retries       *mockRetrySvc
	notifier      *mockNotifier
	subscriptions *mockSubscriptionSvc
	invoices      *mockInvoiceSvc
}

func newDunningFixture(t *testing.T) *dunningFixture {
	t.Helper()

	db := newDunningTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC))

	f := &dunningFixture{
		db:            db,
		clock:         fakeClock,
		retries:       &mockRetrySvc{},
		notifier:      &mockNotifier{},
		subscriptions: &mockSubscriptionSvc{},
		invoices:      &mockInvoiceSvc{},
	}
	f.svc = NewService(Params{
		Config:           config.Config{},
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fakeClock,
		Repo:             repository.Provide(),
		Invoices:         f.invoices,
		SubscriptionRepo: subscriptionrepo.Provide(),
		Subscriptions:    f.subscriptions,
		Retries:          f.retries,
		Notifier:         f.notifier,
		Audit:            noopAudit{},
	})
	return f
}

func (f *dunningFixture) pastDueInvoice(daysOverdue int) invoicedomain.Invoice {
	return invoicedomain.Invoice{
		ID:             testInvoice,
		OrgID:          testOrg,
		SubscriptionID: testSubscription,
		CustomerID:     testCustomer,
		Number:         "INV-2201",
		Status:         invoicedomain.InvoiceStatusPastDue,
		AmountDue:      4900,
		Currency:       "USD",
		DueDate:        f.clock.Now().Add(-time.Duration(daysOverdue) * 24 * time.Hour),
	}
}

func TestDaysPastDueRoundsUp(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 0, daysPastDue(now, now))
	require.Equal(t, 0, daysPastDue(now, now.Add(time.Hour)))
	require.Equal(t, 1, daysPastDue(now, now.Add(-time.Hour)))
	require.Equal(t, 1, daysPastDue(now, now.Add(-24*time.Hour)))
	require.Equal(t, 2, daysPastDue(now, now.Add(-25*time.Hour)))
}

func TestSelectStepPicksLastQualifying(t *testing.T) {
	ladder := config.DefaultDunningLadder()

	require.Nil(t, selectStep(ladder, 0))

	step := selectStep(ladder, 8)
	require.NotNil(t, step)
	require.Equal(t, 7, step.DaysPastDue)

	step = selectStep(ladder, 30)
	require.NotNil(t, step)
	require.Equal(t, 14, step.DaysPastDue)
}

func TestProcessDunningForInvoiceExecutesStep(t *testing.T) {
	f := newDunningFixture(t)

	executed, err := f.svc.ProcessDunningForInvoice(context.Background(), f.pastDueInvoice(3))
	require.NoError(t, err)
	require.True(t, executed)

	// Day 3 step retries and notifies but does not suspend.
	require.Len(t, f.retries.scheduled, 1)
	require.Equal(t, testInvoice, f.retries.scheduled[0].InvoiceID)
	require.Equal(t, []string{"payment_overdue"}, f.notifier.categories)
	require.Empty(t, f.subscriptions.suspended)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM dunning_logs WHERE invoice_id = ?`, testInvoice).Scan(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessDunningForInvoiceSameDayReplayIsNoOp(t *testing.T) {
	f := newDunningFixture(t)
	invoice := f.pastDueInvoice(3)

	executed, err := f.svc.ProcessDunningForInvoice(context.Background(), invoice)
	require.NoError(t, err)
	require.True(t, executed)

	executed, err = f.svc.ProcessDunningForInvoice(context.Background(), invoice)
	require.NoError(t, err)
	require.False(t, executed)
	require.Len(t, f.retries.scheduled, 1)

	// The next calendar day the same step may run again.
	f.clock.Advance(24 * time.Hour)
	executed, err = f.svc.ProcessDunningForInvoice(context.Background(), invoice)
	require.NoError(t, err)
	require.True(t, executed)
}

func TestProcessDunningForInvoiceBelowFirstThreshold(t *testing.T) {
	f := newDunningFixture(t)

	executed, err := f.svc.ProcessDunningForInvoice(context.Background(), f.pastDueInvoice(0))
	require.NoError(t, err)
	require.False(t, executed)
	require.Empty(t, f.retries.scheduled)
	require.Empty(t, f.notifier.categories)
}

func TestProcessDunningForInvoiceSuspensionStep(t *testing.T) {
	f := newDunningFixture(t)

	executed, err := f.svc.ProcessDunningForInvoice(context.Background(), f.pastDueInvoice(8))
	require.NoError(t, err)
	require.True(t, executed)

	require.Equal(t, []string{"service_suspension_warning"}, f.notifier.categories)
	require.Equal(t, []string{testSubscription.String()}, f.subscriptions.suspended)

	var suspendTriggered bool
	require.NoError(t, f.db.Raw(`SELECT suspend_triggered FROM dunning_logs WHERE invoice_id = ?`, testInvoice).Scan(&suspendTriggered).Error)
	require.True(t, suspendTriggered)
}

func TestProcessDunningForInvoiceActionFailureIsIsolated(t *testing.T) {
	f := newDunningFixture(t)
	f.retries.err = retrydomain.ErrSubscriptionLocked

	executed, err := f.svc.ProcessDunningForInvoice(context.Background(), f.pastDueInvoice(3))
	require.NoError(t, err)
	require.True(t, executed)

	// The retry was deferred but the notification still went out.
	require.Equal(t, []string{"payment_overdue"}, f.notifier.categories)
}

func TestProcessDunningSkipsCanceledSubscriptions(t *testing.T) {
	f := newDunningFixture(t)
	require.NoError(t, f.db.Exec(`
		INSERT INTO subscriptions (id, org_id, customer_id, status, plan_code, amount, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pro-monthly', 4900, 'USD', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		testSubscription, testOrg, testCustomer, subscriptiondomain.SubscriptionStatusCanceled,
	).Error)
	f.invoices.pastDue = []invoicedomain.Invoice{f.pastDueInvoice(3)}

	report, err := f.svc.ProcessDunning(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Scanned)
	require.Equal(t, 0, report.Executed)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, f.retries.scheduled)
}

func TestSetLadderRejectsInvalid(t *testing.T) {
	f := newDunningFixture(t)

	err := f.svc.SetLadder(context.Background(), testOrg, []config.DunningStepConfig{
		{DaysPastDue: 3, Actions: []string{config.DunningActionNotify}},
		{DaysPastDue: 1, Actions: []string{config.DunningActionNotify}},
	})
	require.ErrorIs(t, err, dunningdomain.ErrInvalidLadder)

	require.NoError(t, f.svc.SetLadder(context.Background(), testOrg, config.DefaultDunningLadder()))
}
