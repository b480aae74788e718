package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/locks"
	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/observability/metrics"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	paymentdomain "github.com/GYB356/billing-management-platform-sub001/internal/payment/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/slack"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/risk"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	failureCodeGatewayTimeout       = "gateway_timeout"
	failureCodeGatewayError         = "gateway_error"
	failureCodeSubscriptionCanceled = "subscription_canceled"
	failureCodeSubscriptionMissing  = "subscription_not_found"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock

	Repo             retrydomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	Invoices         invoicedomain.Service
	Notifier         notificationdomain.Service
	Gateway          paymentdomain.Gateway
	Locks            *locks.SubscriptionLocks
	Audit            auditdomain.Service
	Metrics          *metrics.Metrics
	Scorer           *risk.Scorer
	Slack            slack.Provider `optional:"true"`
}

// Service schedules payment retries and executes due attempts.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	batchSize     int
	chargeTimeout time.Duration

	repo             retrydomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	subscriptions    subscriptiondomain.Service
	invoices         invoicedomain.Service
	notifier         notificationdomain.Service
	gateway          paymentdomain.Gateway
	locks            *locks.SubscriptionLocks
	audit            auditdomain.Service
	metrics          *metrics.Metrics
	scorer           *risk.Scorer
	slack            slack.Provider
}

func NewService(p Params) retrydomain.Service {
	batchSize := p.Config.Recovery.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	chargeTimeout := p.Config.Recovery.ChargeTimeout
	if chargeTimeout <= 0 {
		chargeTimeout = 30 * time.Second
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("retry.service"),
		genID: p.GenID,
		clock: p.Clock,

		batchSize:     batchSize,
		chargeTimeout: chargeTimeout,

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		subscriptions:    p.Subscriptions,
		invoices:         p.Invoices,
		notifier:         p.Notifier,
		gateway:          p.Gateway,
		locks:            p.Locks,
		audit:            p.Audit,
		metrics:          p.Metrics,
		scorer:           p.Scorer,
		slack:            p.Slack,
	}
}

// ScheduleRetry creates the next SCHEDULED attempt for the subscription, or
// runs the terminal max-attempts path. A per-subscription lock keeps two
// replicas from handing out the same attempt number; the unique
// (subscription_id, attempt_number) index is the backstop, and a duplicate
// insert is treated as a concurrent scheduler having won the race.
func (s *Service) ScheduleRetry(ctx context.Context, req retrydomain.ScheduleRetryRequest) (retrydomain.ScheduleRetryResult, error) {
	if req.SubscriptionID == 0 {
		return retrydomain.ScheduleRetryResult{}, retrydomain.ErrInvalidSubscription
	}
	if req.InvoiceID == 0 {
		return retrydomain.ScheduleRetryResult{}, retrydomain.ErrInvalidInvoice
	}
	if req.Amount <= 0 {
		return retrydomain.ScheduleRetryResult{}, retrydomain.ErrInvalidAmount
	}

	token, ok, err := s.locks.Acquire(ctx, req.SubscriptionID)
	if err != nil {
		s.log.Warn("subscription lock unavailable, relying on unique index",
			zap.String("subscription_id", req.SubscriptionID.String()),
			zap.Error(err),
		)
	} else if !ok {
		return retrydomain.ScheduleRetryResult{}, retrydomain.ErrSubscriptionLocked
	} else {
		defer func() {
			if err := s.locks.Release(ctx, req.SubscriptionID, token); err != nil {
				s.log.Warn("failed to release subscription lock", zap.Error(err))
			}
		}()
	}

	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, req.OrgID, req.SubscriptionID)
	if err != nil {
		return retrydomain.ScheduleRetryResult{}, err
	}
	if subscription == nil {
		return retrydomain.ScheduleRetryResult{}, retrydomain.ErrInvalidSubscription
	}

	priorCount, err := s.repo.CountBySubscription(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return retrydomain.ScheduleRetryResult{}, err
	}

	score, err := s.scorer.ScoreCustomer(ctx, req.CustomerID)
	if err != nil {
		return retrydomain.ScheduleRetryResult{}, err
	}

	strategy := retrydomain.SelectStrategy(req.FailureCode, score, priorCount)

	if priorCount >= strategy.MaxAttempts {
		if err := s.handleMaxAttemptsExceeded(ctx, req, subscription, strategy, priorCount); err != nil {
			return retrydomain.ScheduleRetryResult{}, err
		}
		return retrydomain.ScheduleRetryResult{MaxAttemptsExceeded: true}, nil
	}

	now := s.clock.Now()
	paymentMethodID := ""
	if subscription.DefaultPaymentMethodID != nil {
		paymentMethodID = *subscription.DefaultPaymentMethodID
	}

	attempt := retrydomain.PaymentAttempt{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		SubscriptionID: req.SubscriptionID,
		InvoiceID:      req.InvoiceID,
		CustomerID:     req.CustomerID,
		AttemptNumber:  priorCount + 1,
		Status:         retrydomain.AttemptStatusScheduled,
		Strategy:       strategy.Name,

		Amount:   req.Amount,
		Currency: req.Currency,

		PaymentMethodID:         paymentMethodID,
		RequireNewPaymentMethod: strategy.RequireNewPaymentMethod,

		ScheduledFor: now.Add(strategy.NextInterval(priorCount)),
		Metadata: datatypes.JSONMap{
			"strategy":                   strategy.Name,
			"require_new_payment_method": strategy.RequireNewPaymentMethod,
			"risk_score":                 score,
			"trigger_failure_code":       req.FailureCode,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, &attempt); err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.log.Info("attempt already scheduled by concurrent worker",
				zap.String("subscription_id", req.SubscriptionID.String()),
				zap.Int("attempt_number", attempt.AttemptNumber),
			)
			return retrydomain.ScheduleRetryResult{}, nil
		}
		return retrydomain.ScheduleRetryResult{}, err
	}

	targetID := attempt.ID.String()
	_ = s.audit.AuditLog(ctx, &req.OrgID, "", nil, "recovery.attempt_scheduled", "payment_attempt", &targetID, map[string]any{
		"subscription_id": req.SubscriptionID.String(),
		"invoice_id":      req.InvoiceID.String(),
		"attempt_number":  attempt.AttemptNumber,
		"strategy":        strategy.Name,
		"scheduled_for":   attempt.ScheduledFor.Format(time.RFC3339),
	})

	if strategy.RequireNewPaymentMethod {
		orgCtx := orgcontext.WithOrgID(ctx, int64(req.OrgID))
		if _, err := s.notifier.Dispatch(orgCtx, notificationdomain.DispatchRequest{
			CustomerID: req.CustomerID,
			Category:   "update_payment_method",
			Priority:   notificationdomain.PriorityHigh,
			Subject:    "Action needed: update your payment method",
			Body:       "We could not charge your card on file. Update your payment method so the next retry can go through.",
			Data: map[string]any{
				"subscription_id": req.SubscriptionID.String(),
				"invoice_id":      req.InvoiceID.String(),
				"next_retry_at":   attempt.ScheduledFor.Format(time.RFC3339),
			},
		}); err != nil {
			s.log.Warn("payment method update notification failed",
				zap.String("customer_id", req.CustomerID.String()),
				zap.Error(err),
			)
		}
	}

	return retrydomain.ScheduleRetryResult{Attempt: &attempt}, nil
}

// handleMaxAttemptsExceeded is the terminal failure path: the subscription
// lands in PAST_DUE for the dunning ladder, the customer gets a final
// urgent notice, and no further attempt is scheduled.
func (s *Service) handleMaxAttemptsExceeded(
	ctx context.Context,
	req retrydomain.ScheduleRetryRequest,
	subscription *subscriptiondomain.Subscription,
	strategy retrydomain.Strategy,
	priorCount int,
) error {
	orgCtx := orgcontext.WithOrgID(ctx, int64(req.OrgID))

	if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
		err := s.subscriptions.Transition(orgCtx, req.SubscriptionID.String(),
			subscriptiondomain.SubscriptionStatusPastDue,
			subscriptiondomain.ReasonMaxAttemptsExceeded,
		)
		if err != nil && !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
			return err
		}
		if errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
			s.log.Warn("subscription cannot move to PAST_DUE on terminal retry path",
				zap.String("subscription_id", req.SubscriptionID.String()),
				zap.String("status", string(subscription.Status)),
			)
		}
	}

	targetID := req.SubscriptionID.String()
	_ = s.audit.AuditLog(ctx, &req.OrgID, "", nil, "recovery.max_attempts_exceeded", "subscription", &targetID, map[string]any{
		"invoice_id":   req.InvoiceID.String(),
		"strategy":     strategy.Name,
		"max_attempts": strategy.MaxAttempts,
		"attempts":     priorCount,
	})

	if _, err := s.notifier.Dispatch(orgCtx, notificationdomain.DispatchRequest{
		CustomerID: req.CustomerID,
		Category:   "final_notice",
		Priority:   notificationdomain.PriorityUrgent,
		Subject:    "We could not recover your payment",
		Body:       "All automatic payment retries for your subscription have failed. Please update your payment method.",
		Data: map[string]any{
			"subscription_id": req.SubscriptionID.String(),
			"invoice_id":      req.InvoiceID.String(),
		},
	}); err != nil {
		s.log.Warn("final recovery notification failed",
			zap.String("customer_id", req.CustomerID.String()),
			zap.Error(err),
		)
	}

	if s.slack != nil {
		msg := fmt.Sprintf("Recovery exhausted for subscription %s (invoice %s): %d/%d attempts under %s strategy.",
			req.SubscriptionID, req.InvoiceID, priorCount, strategy.MaxAttempts, strategy.Name)
		if err := s.slack.PostMessage(ctx, "", msg); err != nil {
			s.log.Warn("slack alert failed", zap.Error(err))
		}
	}
	return nil
}

// ProcessDueAttempts executes every SCHEDULED attempt whose time has come.
// Attempts are processed independently; one failure never halts the sweep.
func (s *Service) ProcessDueAttempts(ctx context.Context) (retrydomain.ProcessReport, error) {
	now := s.clock.Now()
	ids, err := s.repo.ListDueIDs(ctx, s.db, now, s.batchSize)
	if err != nil {
		return retrydomain.ProcessReport{}, err
	}

	report := retrydomain.ProcessReport{Claimed: len(ids)}
	var errs []error
	for _, id := range ids {
		outcome, err := s.processAttempt(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("attempt %s: %w", id, err))
			continue
		}
		switch outcome {
		case attemptOutcomeSucceeded:
			report.Succeeded++
		case attemptOutcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report, errors.Join(errs...)
}

type attemptOutcome int

const (
	attemptOutcomeSkipped attemptOutcome = iota
	attemptOutcomeSucceeded
	attemptOutcomeFailed
)

// processAttempt re-locks the attempt, runs the eligibility checks, charges
// the gateway, and records the outcome inside one transaction. Follow-up
// side effects (invoice credit, state transition, chaining, notifications)
// run after commit so a crash can at worst lose a side effect, never a
// recorded outcome.
func (s *Service) processAttempt(ctx context.Context, id snowflake.ID) (attemptOutcome, error) {
	now := s.clock.Now()

	var (
		attempt      *retrydomain.PaymentAttempt
		subscription *subscriptiondomain.Subscription
		outcome      = attemptOutcomeSkipped
		chainReason  string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		attempt, err = s.repo.FindDueByIDForUpdate(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if attempt == nil {
			// Another worker won the row, or it already executed.
			return nil
		}

		subscription, err = s.subscriptionRepo.FindByID(ctx, tx, attempt.OrgID, attempt.SubscriptionID)
		if err != nil {
			return err
		}

		if subscription == nil {
			return s.recordFailure(ctx, tx, attempt, now, failureCodeSubscriptionMissing, "subscription row is gone")
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			// Stale attempt for a canceled subscription: never charge,
			// close out the row so it is not rescanned.
			outcome = attemptOutcomeSkipped
			return s.recordFailure(ctx, tx, attempt, now, failureCodeSubscriptionCanceled, "subscription is canceled")
		}

		currentMethod := ""
		if subscription.DefaultPaymentMethodID != nil {
			currentMethod = *subscription.DefaultPaymentMethodID
		}
		if attempt.RequireNewPaymentMethod && (currentMethod == "" || currentMethod == attempt.PaymentMethodID) {
			// Customer has not attached a new instrument yet. Leave the
			// row SCHEDULED for a later sweep.
			metrics.Recovery().IncBatchDeferred("process_due_attempts", metrics.BatchDeferredReasonAwaitingMethod)
			attempt = nil
			return nil
		}

		result := s.charge(ctx, attempt, currentMethod)
		if result.Success {
			outcome = attemptOutcomeSucceeded
			attempt.Status = retrydomain.AttemptStatusSucceeded
			attempt.ExecutedAt = &now
			attempt.FailureCode = ""
			attempt.FailureMessage = ""
			attempt.UpdatedAt = now
			return s.repo.UpdateOutcome(ctx, tx, attempt)
		}

		outcome = attemptOutcomeFailed
		chainReason = result.FailureCode
		return s.recordFailure(ctx, tx, attempt, now, result.FailureCode, result.FailureMessage)
	})
	if err != nil {
		return attemptOutcomeSkipped, err
	}
	if attempt == nil {
		return attemptOutcomeSkipped, nil
	}

	s.afterAttempt(ctx, attempt, subscription, outcome, chainReason)
	return outcome, nil
}

func (s *Service) recordFailure(ctx context.Context, tx *gorm.DB, attempt *retrydomain.PaymentAttempt, now time.Time, code, message string) error {
	attempt.Status = retrydomain.AttemptStatusFailed
	attempt.ExecutedAt = &now
	attempt.FailureCode = code
	attempt.FailureMessage = message
	attempt.UpdatedAt = now
	return s.repo.UpdateOutcome(ctx, tx, attempt)
}

// charge invokes the gateway under the configured timeout. A deadline is
// folded into a normal failed result so the retry chain handles outages the
// same way as declines.
func (s *Service) charge(ctx context.Context, attempt *retrydomain.PaymentAttempt, paymentMethodID string) paymentdomain.ChargeResult {
	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	defer cancel()

	result, err := s.gateway.Charge(chargeCtx, paymentdomain.ChargeRequest{
		OrgID:           attempt.OrgID,
		CustomerID:      attempt.CustomerID,
		InvoiceID:       attempt.InvoiceID,
		PaymentMethodID: paymentMethodID,
		Amount:          attempt.Amount,
		Currency:        attempt.Currency,
		IdempotencyKey:  attempt.ID.String(),
	})
	if err != nil {
		code := failureCodeGatewayError
		if errors.Is(err, context.DeadlineExceeded) {
			code = failureCodeGatewayTimeout
		}
		return paymentdomain.ChargeResult{
			FailureCode:    code,
			FailureMessage: err.Error(),
		}
	}
	if result == nil {
		return paymentdomain.ChargeResult{
			FailureCode:    failureCodeGatewayError,
			FailureMessage: "gateway returned no result",
		}
	}
	return *result
}

// afterAttempt runs the post-commit side effects for an executed attempt.
func (s *Service) afterAttempt(
	ctx context.Context,
	attempt *retrydomain.PaymentAttempt,
	subscription *subscriptiondomain.Subscription,
	outcome attemptOutcome,
	failureCode string,
) {
	orgCtx := orgcontext.WithOrgID(ctx, int64(attempt.OrgID))
	targetID := attempt.ID.String()

	switch outcome {
	case attemptOutcomeSucceeded:
		s.metrics.RecordChargeAttempt(ctx, attempt.Strategy, "succeeded")
		metrics.Recovery().IncAttemptOutcome(attempt.Strategy, "succeeded")

		if _, err := s.invoices.ApplyPayment(ctx, attempt.InvoiceID, attempt.Amount, s.clock.Now()); err != nil {
			s.log.Error("charge succeeded but invoice credit failed",
				zap.String("invoice_id", attempt.InvoiceID.String()),
				zap.String("attempt_id", targetID),
				zap.Error(err),
			)
		} else {
			s.metrics.RecordRecoveredAmount(ctx, attempt.Currency, attempt.Amount)
		}

		if subscription != nil && subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
			if err := s.subscriptions.Transition(orgCtx, attempt.SubscriptionID.String(),
				subscriptiondomain.SubscriptionStatusActive,
				subscriptiondomain.ReasonPaymentRecovered,
			); err != nil {
				s.log.Error("failed to reactivate recovered subscription",
					zap.String("subscription_id", attempt.SubscriptionID.String()),
					zap.Error(err),
				)
			}
		}

		_ = s.audit.AuditLog(ctx, &attempt.OrgID, "", nil, "recovery.attempt_succeeded", "payment_attempt", &targetID, map[string]any{
			"subscription_id": attempt.SubscriptionID.String(),
			"invoice_id":      attempt.InvoiceID.String(),
			"attempt_number":  attempt.AttemptNumber,
			"amount":          attempt.Amount,
			"currency":        attempt.Currency,
		})

		if _, err := s.notifier.Dispatch(orgCtx, notificationdomain.DispatchRequest{
			CustomerID: attempt.CustomerID,
			Category:   "payment_recovered",
			Priority:   notificationdomain.PriorityNormal,
			Subject:    "Payment received",
			Body:       "Your outstanding payment went through. Thanks for staying with us.",
			Data: map[string]any{
				"invoice_id": attempt.InvoiceID.String(),
				"amount":     attempt.Amount,
				"currency":   attempt.Currency,
			},
		}); err != nil {
			s.log.Warn("recovery notification failed", zap.Error(err))
		}

	case attemptOutcomeFailed:
		s.metrics.RecordChargeAttempt(ctx, attempt.Strategy, "failed")
		metrics.Recovery().IncAttemptOutcome(attempt.Strategy, "failed")

		_ = s.audit.AuditLog(ctx, &attempt.OrgID, "", nil, "recovery.attempt_failed", "payment_attempt", &targetID, map[string]any{
			"subscription_id": attempt.SubscriptionID.String(),
			"invoice_id":      attempt.InvoiceID.String(),
			"attempt_number":  attempt.AttemptNumber,
			"failure_code":    attempt.FailureCode,
		})

		if attempt.FailureCode == failureCodeSubscriptionCanceled ||
			attempt.FailureCode == failureCodeSubscriptionMissing {
			return
		}

		if _, err := s.ScheduleRetry(ctx, retrydomain.ScheduleRetryRequest{
			OrgID:          attempt.OrgID,
			SubscriptionID: attempt.SubscriptionID,
			InvoiceID:      attempt.InvoiceID,
			CustomerID:     attempt.CustomerID,
			Amount:         attempt.Amount,
			Currency:       attempt.Currency,
			FailureCode:    failureCode,
		}); err != nil {
			if errors.Is(err, retrydomain.ErrSubscriptionLocked) {
				s.log.Info("retry chaining deferred, subscription locked",
					zap.String("subscription_id", attempt.SubscriptionID.String()),
				)
				return
			}
			s.log.Error("failed to chain next retry",
				zap.String("subscription_id", attempt.SubscriptionID.String()),
				zap.Error(err),
			)
		}
	}
}
