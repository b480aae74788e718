package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	dunningdomain "github.com/GYB356/billing-management-platform-sub001/internal/dunning/domain"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg          = snowflake.ID(55)
	testSubscription = snowflake.ID(5501)
	testInvoice      = snowflake.ID(5601)
	testCustomer     = snowflake.ID(5701)
)

type mockRetrySvc struct {
	scheduled      []retrydomain.ScheduleRetryRequest
	scheduleErr    error
	processReport  retrydomain.ProcessReport
	processErr     error
	processedCalls int
	onProcess      func()
}

func (m *mockRetrySvc) ScheduleRetry(ctx context.Context, req retrydomain.ScheduleRetryRequest) (retrydomain.ScheduleRetryResult, error) {
	if m.scheduleErr != nil {
		return retrydomain.ScheduleRetryResult{}, m.scheduleErr
	}
	m.scheduled = append(m.scheduled, req)
	return retrydomain.ScheduleRetryResult{Attempt: &retrydomain.PaymentAttempt{}}, nil
}

func (m *mockRetrySvc) ProcessDueAttempts(ctx context.Context) (retrydomain.ProcessReport, error) {
	m.processedCalls++
	if m.onProcess != nil {
		m.onProcess()
	}
	return m.processReport, m.processErr
}

type mockDunningSvc struct {
	report dunningdomain.SweepReport
	calls  int
}

func (m *mockDunningSvc) ProcessDunningForInvoice(ctx context.Context, invoice invoicedomain.Invoice) (bool, error) {
	return false, nil
}

func (m *mockDunningSvc) ProcessDunning(ctx context.Context) (dunningdomain.SweepReport, error) {
	m.calls++
	return m.report, nil
}

func (m *mockDunningSvc) SetLadder(ctx context.Context, orgID snowflake.ID, ladder []config.DunningStepConfig) error {
	return nil
}

type mockInvoiceSvc struct {
	overdueBatches [][]invoicedomain.Invoice
	overdueCalls   int
}

func (m *mockInvoiceSvc) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	return invoicedomain.ListInvoiceResponse{}, nil
}

func (m *mockInvoiceSvc) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}

func (m *mockInvoiceSvc) MarkOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoicedomain.Invoice, error) {
	if m.overdueCalls >= len(m.overdueBatches) {
		return nil, nil
	}
	batch := m.overdueBatches[m.overdueCalls]
	m.overdueCalls++
	return batch, nil
}

func (m *mockInvoiceSvc) PastDue(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}

type transitionCall struct {
	SubscriptionID string
	Target         subscriptiondomain.SubscriptionStatus
	Reason         subscriptiondomain.TransitionReason
}

type mockSubscriptionSvc struct {
	transitions    []transitionCall
	transitionErr  error
	trialBatches   []int
	trialEndCalls  int
	trialEndAsOfs  []time.Time
	trialBatchSize int
}

func (m *mockSubscriptionSvc) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	return subscriptiondomain.ListSubscriptionResponse{}, nil
}

func (m *mockSubscriptionSvc) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (m *mockSubscriptionSvc) Transition(ctx context.Context, subscriptionID string, target subscriptiondomain.SubscriptionStatus, reason subscriptiondomain.TransitionReason) error {
	if m.transitionErr != nil {
		return m.transitionErr
	}
	m.transitions = append(m.transitions, transitionCall{subscriptionID, target, reason})
	return nil
}

func (m *mockSubscriptionSvc) Suspend(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
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
	m.trialEndAsOfs = append(m.trialEndAsOfs, asOf)
	m.trialBatchSize = limit
	if m.trialEndCalls >= len(m.trialBatches) {
		return 0, nil
	}
	ended := m.trialBatches[m.trialEndCalls]
	m.trialEndCalls++
	return ended, nil
}

type noopAudit struct{}

func (noopAudit) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fixture struct {
	sched         *Scheduler
	clock         *clock.FakeClock
	retries       *mockRetrySvc
	dunning       *mockDunningSvc
	invoices      *mockInvoiceSvc
	subscriptions *mockSubscriptionSvc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		clock:         clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		retries:       &mockRetrySvc{},
		dunning:       &mockDunningSvc{},
		invoices:      &mockInvoiceSvc{},
		subscriptions: &mockSubscriptionSvc{},
	}
	f.sched, err = New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           f.clock,
		RetrySvc:        f.retries,
		DunningSvc:      f.dunning,
		InvoiceSvc:      f.invoices,
		SubscriptionSvc: f.subscriptions,
		AuditSvc:        noopAudit{},
		Config:          cfg,
	})
	require.NoError(t, err)
	return f
}

func overdueInvoice() invoicedomain.Invoice {
	return invoicedomain.Invoice{
		ID:             testInvoice,
		OrgID:          testOrg,
		SubscriptionID: testSubscription,
		CustomerID:     testCustomer,
		Status:         invoicedomain.InvoiceStatusPastDue,
		AmountDue:      4900,
		Currency:       "USD",
	}
}

func TestRunOnceRunsOnlyEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"process_due_attempts"}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.retries.processedCalls)
	require.Equal(t, 0, f.dunning.calls)
	require.Equal(t, 0, f.invoices.overdueCalls)
	require.Equal(t, 0, len(f.subscriptions.trialEndAsOfs))
}

func TestMarkPastDueBeginsRecovery(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoices.overdueBatches = [][]invoicedomain.Invoice{{overdueInvoice()}}

	require.NoError(t, f.sched.MarkPastDueJob(context.Background()))

	require.Equal(t, []transitionCall{{
		SubscriptionID: testSubscription.String(),
		Target:         subscriptiondomain.SubscriptionStatusPastDue,
		Reason:         subscriptiondomain.ReasonInvoicePastDue,
	}}, f.subscriptions.transitions)

	require.Len(t, f.retries.scheduled, 1)
	req := f.retries.scheduled[0]
	require.Equal(t, testInvoice, req.InvoiceID)
	require.Equal(t, testSubscription, req.SubscriptionID)
	require.Equal(t, int64(4900), req.Amount)
	require.Equal(t, "USD", req.Currency)
}

func TestMarkPastDueToleratesAlreadyTransitioned(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoices.overdueBatches = [][]invoicedomain.Invoice{{overdueInvoice()}}
	f.subscriptions.transitionErr = subscriptiondomain.ErrInvalidTransition

	require.NoError(t, f.sched.MarkPastDueJob(context.Background()))
	require.Len(t, f.retries.scheduled, 1)
}

func TestMarkPastDueLockedSubscriptionIsDeferred(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoices.overdueBatches = [][]invoicedomain.Invoice{{overdueInvoice()}}
	f.retries.scheduleErr = retrydomain.ErrSubscriptionLocked

	require.NoError(t, f.sched.MarkPastDueJob(context.Background()))
	require.Empty(t, f.retries.scheduled)
}

func TestTrialEndDrainsBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 25})
	f.subscriptions.trialBatches = []int{25, 3}

	require.NoError(t, f.sched.TrialEndJob(context.Background()))
	require.Len(t, f.subscriptions.trialEndAsOfs, 3)
	require.Equal(t, 25, f.subscriptions.trialBatchSize)
}

func TestRunOnceSurfacesJobErrors(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"process_due_attempts"}})
	f.retries.processErr = errors.New("gateway unreachable")

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "process_due_attempts")
}

func jobDurationSampleSum(t *testing.T, job string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "recovery_job_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "job" && label.GetValue() == job {
					return metric.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	return 0
}

func TestJobDurationMeasuredWithInjectedClock(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"process_due_attempts"}})
	f.retries.onProcess = func() { f.clock.Advance(42 * time.Second) }

	before := jobDurationSampleSum(t, "process_due_attempts")
	require.NoError(t, f.sched.RunOnce(context.Background()))
	after := jobDurationSampleSum(t, "process_due_attempts")

	require.GreaterOrEqual(t, after-before, 42.0)
}

func TestRunOnceTreatsDeadlineAsSoftTimeout(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"process_due_attempts"}})
	f.retries.processErr = context.DeadlineExceeded

	require.NoError(t, f.sched.RunOnce(context.Background()))
}
