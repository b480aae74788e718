package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	dunningdomain "github.com/GYB356/billing-management-platform-sub001/internal/dunning/domain"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/observability/metrics"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock

	Repo             dunningdomain.Repository
	Defaults         *config.DunningDefaultsHolder
	Invoices         invoicedomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	Retries          retrydomain.Service
	Notifier         notificationdomain.Service
	Audit            auditdomain.Service
	Metrics          *metrics.Metrics
}

// Service walks PAST_DUE invoices up the escalation ladder.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	batchSize int

	repo             dunningdomain.Repository
	defaults         *config.DunningDefaultsHolder
	invoices         invoicedomain.Service
	subscriptionRepo subscriptiondomain.Repository
	subscriptions    subscriptiondomain.Service
	retries          retrydomain.Service
	notifier         notificationdomain.Service
	audit            auditdomain.Service
	metrics          *metrics.Metrics
}

func NewService(p Params) dunningdomain.Service {
	batchSize := p.Config.Recovery.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("dunning.service"),
		genID: p.GenID,
		clock: p.Clock,

		batchSize: batchSize,

		repo:             p.Repo,
		defaults:         p.Defaults,
		invoices:         p.Invoices,
		subscriptionRepo: p.SubscriptionRepo,
		subscriptions:    p.Subscriptions,
		retries:          p.Retries,
		notifier:         p.Notifier,
		audit:            p.Audit,
		metrics:          p.Metrics,
	}
}

// ladderFor returns the org's configured ladder, falling back to the system
// default. A corrupt stored ladder is skipped, not served.
func (s *Service) ladderFor(ctx context.Context, orgID snowflake.ID) ([]config.DunningStepConfig, error) {
	stored, err := s.repo.FindConfig(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		var ladder []config.DunningStepConfig
		if err := json.Unmarshal(stored.Ladder, &ladder); err == nil {
			if err := config.ValidateDunningLadder(ladder); err == nil {
				return ladder, nil
			}
			s.log.Warn("stored dunning ladder is invalid, using default",
				zap.String("org_id", orgID.String()),
			)
		}
	}
	if s.defaults != nil {
		return s.defaults.Get().Ladder, nil
	}
	return config.DefaultDunningLadder(), nil
}

// daysPastDue rounds partial days up so an invoice one hour overdue already
// counts as day one.
func daysPastDue(now, dueDate time.Time) int {
	overdue := now.Sub(dueDate)
	if overdue <= 0 {
		return 0
	}
	return int(math.Ceil(overdue.Hours() / 24))
}

// selectStep picks the most advanced rung the invoice qualifies for.
func selectStep(ladder []config.DunningStepConfig, days int) *config.DunningStepConfig {
	var selected *config.DunningStepConfig
	for i := range ladder {
		if ladder[i].DaysPastDue <= days {
			selected = &ladder[i]
		}
	}
	return selected
}

// ProcessDunningForInvoice executes the qualifying ladder step once per
// invoice per calendar day. The DunningLog insert is the atomic claim: a
// duplicate key means another sweep already handled today's step.
func (s *Service) ProcessDunningForInvoice(ctx context.Context, invoice invoicedomain.Invoice) (bool, error) {
	if invoice.ID == 0 {
		return false, dunningdomain.ErrInvalidInvoice
	}

	ladder, err := s.ladderFor(ctx, invoice.OrgID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	days := daysPastDue(now, invoice.DueDate)
	step := selectStep(ladder, days)
	if step == nil {
		// Below the first threshold; nothing to do yet.
		return false, nil
	}

	claim := dunningdomain.DunningLog{
		ID:             s.genID.Generate(),
		OrgID:          invoice.OrgID,
		InvoiceID:      invoice.ID,
		SubscriptionID: invoice.SubscriptionID,
		CustomerID:     invoice.CustomerID,
		DaysPastDue:    step.DaysPastDue,
		LogDate:        now.UTC().Format(dunningdomain.LogDateLayout),
		Template:       step.Template,
		ActionsTaken:   datatypes.JSONMap{},
		CreatedAt:      now,
	}
	if err := s.repo.InsertLog(ctx, s.db, &claim); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Already executed today, possibly by an overlapping sweep.
			return false, nil
		}
		return false, err
	}

	s.executeStep(ctx, &claim, invoice, *step)

	if err := s.repo.UpdateLogActions(ctx, s.db, &claim); err != nil {
		s.log.Warn("failed to record dunning actions taken",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}

	targetID := invoice.ID.String()
	_ = s.audit.AuditLog(ctx, &invoice.OrgID, "", nil, "dunning.step_executed", "invoice", &targetID, map[string]any{
		"days_past_due": step.DaysPastDue,
		"template":      step.Template,
		"actions":       claim.ActionsTaken,
	})

	return true, nil
}

// executeStep runs the step's actions in a fixed order: payment retry,
// notification, then suspension. Each action's failure is logged and the
// rest still run.
func (s *Service) executeStep(
	ctx context.Context,
	logRow *dunningdomain.DunningLog,
	invoice invoicedomain.Invoice,
	step config.DunningStepConfig,
) {
	orgCtx := orgcontext.WithOrgID(ctx, int64(invoice.OrgID))

	for _, action := range step.Actions {
		switch action {
		case config.DunningActionRetryPayment:
			logRow.ActionsTaken[action] = s.retryPayment(ctx, invoice)
		case config.DunningActionNotify:
			logRow.ActionsTaken[action] = s.notify(orgCtx, invoice, step)
		default:
			s.log.Warn("skipping unknown dunning action", zap.String("action", action))
			continue
		}
		s.metrics.RecordDunningStep(ctx, action)
		metrics.Recovery().IncDunningStep(action)
	}

	if step.SuspendOnFailure {
		logRow.SuspendTriggered = true
		if err := s.subscriptions.Suspend(orgCtx, invoice.SubscriptionID.String(), subscriptiondomain.ReasonDunningSuspension); err != nil {
			logRow.SuspendTriggered = false
			if errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				s.log.Info("subscription not suspendable at this step",
					zap.String("subscription_id", invoice.SubscriptionID.String()),
				)
			} else {
				s.log.Error("dunning suspension failed",
					zap.String("subscription_id", invoice.SubscriptionID.String()),
					zap.Error(err),
				)
			}
		} else {
			s.metrics.RecordDunningStep(ctx, "suspend")
			metrics.Recovery().IncDunningStep("suspend")
		}
	}
}

func (s *Service) retryPayment(ctx context.Context, invoice invoicedomain.Invoice) string {
	result, err := s.retries.ScheduleRetry(ctx, retrydomain.ScheduleRetryRequest{
		OrgID:          invoice.OrgID,
		SubscriptionID: invoice.SubscriptionID,
		InvoiceID:      invoice.ID,
		CustomerID:     invoice.CustomerID,
		Amount:         invoice.Balance(),
		Currency:       invoice.Currency,
	})
	if err != nil {
		if errors.Is(err, retrydomain.ErrSubscriptionLocked) {
			return "deferred_locked"
		}
		s.log.Error("dunning retry scheduling failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("subscription_id", invoice.SubscriptionID.String()),
			zap.Error(err),
		)
		return "failed"
	}
	if result.MaxAttemptsExceeded {
		return "max_attempts_exceeded"
	}
	if result.Attempt == nil {
		return "already_scheduled"
	}
	return "scheduled"
}

func (s *Service) notify(orgCtx context.Context, invoice invoicedomain.Invoice, step config.DunningStepConfig) string {
	priority := notificationdomain.PriorityNormal
	if step.SuspendOnFailure {
		priority = notificationdomain.PriorityHigh
	}

	if _, err := s.notifier.Dispatch(orgCtx, notificationdomain.DispatchRequest{
		CustomerID: invoice.CustomerID,
		Category:   step.Template,
		Priority:   priority,
		Subject:    "Action needed on your subscription payment",
		Body:       fmt.Sprintf("Invoice %s is %d days past due.", invoice.Number, step.DaysPastDue),
		Data: map[string]any{
			"invoice_number": invoice.Number,
			"amount":         invoice.Balance(),
			"currency":       invoice.Currency,
			"days_past_due":  step.DaysPastDue,
		},
	}); err != nil {
		s.log.Error("dunning notification failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return "failed"
	}
	return "sent"
}

// ProcessDunning sweeps PAST_DUE invoices of non-canceled subscriptions.
// One bad invoice never aborts the sweep.
func (s *Service) ProcessDunning(ctx context.Context) (dunningdomain.SweepReport, error) {
	invoices, err := s.invoices.PastDue(ctx, s.batchSize)
	if err != nil {
		return dunningdomain.SweepReport{}, err
	}

	report := dunningdomain.SweepReport{Scanned: len(invoices)}
	var errs []error
	for _, invoice := range invoices {
		subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, invoice.OrgID, invoice.SubscriptionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("invoice %s: %w", invoice.ID, err))
			continue
		}
		if subscription == nil || subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			report.Skipped++
			continue
		}

		executed, err := s.ProcessDunningForInvoice(ctx, invoice)
		if err != nil {
			errs = append(errs, fmt.Errorf("invoice %s: %w", invoice.ID, err))
			continue
		}
		if executed {
			report.Executed++
		} else {
			report.Skipped++
		}
	}
	return report, errors.Join(errs...)
}

// SetLadder replaces the org's ladder after validation.
func (s *Service) SetLadder(ctx context.Context, orgID snowflake.ID, ladder []config.DunningStepConfig) error {
	if err := config.ValidateDunningLadder(ladder); err != nil {
		return fmt.Errorf("%w: %v", dunningdomain.ErrInvalidLadder, err)
	}

	encoded, err := json.Marshal(ladder)
	if err != nil {
		return err
	}
	return s.repo.UpsertConfig(ctx, s.db, &dunningdomain.DunningConfig{
		OrgID:     orgID,
		Ladder:    encoded,
		UpdatedAt: s.clock.Now(),
	})
}
