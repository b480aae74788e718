package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	dunningdomain "github.com/GYB356/billing-management-platform-sub001/internal/dunning/domain"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	obsmetrics "github.com/GYB356/billing-management-platform-sub001/internal/observability/metrics"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	RetrySvc        retrydomain.Service
	DunningSvc      dunningdomain.Service
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AuditSvc        auditdomain.Service
	Config          Config `optional:"true"`
}

// Scheduler drives the recovery loop: executing due payment attempts,
// flipping overdue invoices, sweeping the dunning ladder and ending
// expired trials.
type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	retrySvc        retrydomain.Service
	dunningSvc      dunningdomain.Service
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	auditSvc        auditdomain.Service
}

type auditEvent struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.RetrySvc == nil || p.DunningSvc == nil || p.InvoiceSvc == nil ||
		p.SubscriptionSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "recovery-orchestrator")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		retrySvc:        p.RetrySvc,
		dunningSvc:      p.DunningSvc,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		auditSvc:        p.AuditSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	recMetrics := obsmetrics.Recovery()
	recMetrics.IncJobRun(name)

	err := fn(ctx)
	recMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the remaining work is picked up on
	// the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		recMetrics.IncJobTimeout(name)
	}
	recMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"process_due_attempts", s.isJobEnabled("process_due_attempts"), func(ctx context.Context) error {
			return s.runJob(ctx, "process_due_attempts", s.cfg.BatchSize, s.cfg.JobTimeout, s.ProcessDueAttemptsJob)
		}},
		{"mark_past_due", s.isJobEnabled("mark_past_due"), func(ctx context.Context) error {
			return s.runJob(ctx, "mark_past_due", s.cfg.BatchSize, s.cfg.JobTimeout, s.MarkPastDueJob)
		}},
		{"dunning_sweep", s.isJobEnabled("dunning_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "dunning_sweep", s.cfg.BatchSize, s.cfg.JobTimeout, s.DunningSweepJob)
		}},
		{"trial_end", s.isJobEnabled("trial_end"), func(ctx context.Context) error {
			return s.runJob(ctx, "trial_end", s.cfg.BatchSize, s.cfg.JobTimeout, s.TrialEndJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	recMetrics := obsmetrics.Recovery()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			recMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("recovery run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ProcessDueAttemptsJob executes SCHEDULED payment attempts whose time has
// come. Work claiming happens inside the retry service with SKIP LOCKED, so
// replicas running this job concurrently never double-charge.
func (s *Scheduler) ProcessDueAttemptsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "process_due_attempts", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.retrySvc.ProcessDueAttempts(ctx)
	run.AddProcessed(report.Succeeded + report.Failed)
	if report.Claimed > 0 {
		obsmetrics.Recovery().AddBatchProcessed("process_due_attempts", "payment_attempts", report.Claimed)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "recovery.attempts.process.failed", "process_due_attempts", 0, err)
	}
	return err
}

// MarkPastDueJob flips PENDING invoices past their due date to PAST_DUE,
// moves their subscriptions out of ACTIVE and schedules the opening retry
// of each recovery chain.
func (s *Scheduler) MarkPastDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "mark_past_due", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		invoices, err := s.invoiceSvc.MarkOverdue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "recovery.invoice.mark_overdue.failed", "mark_past_due", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(invoices) == 0 {
			break
		}

		for _, invoice := range invoices {
			if err := s.beginRecovery(ctx, invoice); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "recovery.begin.failed", "mark_past_due", invoice.OrgID, err,
					zap.String("invoice_id", idString(invoice.ID)),
					zap.String("subscription_id", idString(invoice.SubscriptionID)),
				)
				continue
			}
			run.AddProcessed(1)
		}
	}

	return jobErr
}

// beginRecovery transitions the subscription to PAST_DUE and schedules the
// first retry for one freshly overdue invoice. A subscription that is
// already out of ACTIVE (earlier invoice, manual action) keeps its state;
// the retry chain is opened regardless.
func (s *Scheduler) beginRecovery(ctx context.Context, invoice invoicedomain.Invoice) error {
	orgCtx := orgcontext.WithOrgID(ctx, int64(invoice.OrgID))

	err := s.subscriptionSvc.Transition(orgCtx, invoice.SubscriptionID.String(),
		subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.ReasonInvoicePastDue)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		return err
	}

	_, err = s.retrySvc.ScheduleRetry(orgCtx, retrydomain.ScheduleRetryRequest{
		OrgID:          invoice.OrgID,
		SubscriptionID: invoice.SubscriptionID,
		InvoiceID:      invoice.ID,
		CustomerID:     invoice.CustomerID,
		Amount:         invoice.Balance(),
		Currency:       invoice.Currency,
	})
	if err != nil {
		if errors.Is(err, retrydomain.ErrSubscriptionLocked) {
			s.logger(ctx).Info("recovery start deferred, subscription locked",
				zap.String("subscription_id", idString(invoice.SubscriptionID)),
			)
			return nil
		}
		return err
	}

	s.emitAuditEvent(orgCtx, auditEvent{
		OrgID:      invoice.OrgID,
		Action:     "recovery.started",
		TargetType: "invoice",
		TargetID:   invoice.ID.String(),
		Metadata: map[string]any{
			"subscription_id": invoice.SubscriptionID.String(),
			"amount_due":      invoice.Balance(),
			"currency":        invoice.Currency,
		},
	})
	return nil
}

// DunningSweepJob walks PAST_DUE invoices up the escalation ladder. The
// per-invoice per-day idempotency guard in the dunning engine makes extra
// sweeps within the same day no-ops.
func (s *Scheduler) DunningSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "dunning_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.dunningSvc.ProcessDunning(ctx)
	run.AddProcessed(report.Executed)
	if report.Executed > 0 {
		obsmetrics.Recovery().AddBatchProcessed("dunning_sweep", "invoices_past_due", report.Executed)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "recovery.dunning.sweep.failed", "dunning_sweep", 0, err)
	}
	return err
}

// TrialEndJob settles TRIALING subscriptions whose trial window has passed.
func (s *Scheduler) TrialEndJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "trial_end", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ended, err := s.subscriptionSvc.EndExpiredTrials(ctx, s.clock.Now(), s.cfg.BatchSize)
		run.AddProcessed(ended)
		if err != nil {
			s.logSchedulerError(ctx, run, "recovery.trial_end.failed", "trial_end", 0, err)
			return err
		}
		if ended == 0 {
			break
		}
	}
	return nil
}

func (s *Scheduler) emitAuditEvent(ctx context.Context, event auditEvent) {
	if s.auditSvc == nil {
		return
	}
	orgID := event.OrgID
	targetID := event.TargetID
	_ = s.auditSvc.AuditLog(ctx, &orgID, "", nil, event.Action, event.TargetType, &targetID, event.Metadata)
}
