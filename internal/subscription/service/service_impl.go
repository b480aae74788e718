package service

import (
	"context"
	"strings"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/observability/metrics"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db/option"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
	"github.com/GYB356/billing-management-platform-sub001/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID            *snowflake.Node
	clock            clock.Clock
	repo             subscriptiondomain.Repository
	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]
	audit            auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
	Audit auditdomain.Service
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		audit:            p.Audit,
	}
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	filter := &subscriptiondomain.Subscription{
		OrgID: orgID,
	}

	statusFilter, err := parseStatusFilter(req.Status)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}
	if statusFilter != nil {
		filter.Status = *statusFilter
	}

	if req.CustomerID != "" {
		customerID, err := s.parseID(req.CustomerID, subscriptiondomain.ErrInvalidCustomer)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		filter.CustomerID = customerID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	options := []option.QueryOption{
		option.WithSortBy("created_at", "desc", map[string]bool{"created_at": true}),
		option.WithLimit(pageSize + 1),
	}

	if req.CreatedFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.CreatedFrom,
		}))
	}
	if req.CreatedTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    *req.CreatedTo,
		}))
	}

	items, err := s.subscriptionRepo.Find(ctx, filter, options...)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	subscriptions := make([]subscriptiondomain.Subscription, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		subscriptions = append(subscriptions, *item)
	}

	resp := subscriptiondomain.ListSubscriptionResponse{Subscriptions: subscriptions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, subscriptionID string) (subscriptiondomain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidOrganization
	}

	id, err := s.parseID(subscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	return *item, nil
}

// Transition applies a lifecycle change under FOR UPDATE. The same-status
// case is a no-op; anything outside the transition table fails with
// ErrInvalidTransition. The audit event is emitted after the row commits.
func (s *Service) Transition(
	ctx context.Context,
	subscriptionID string,
	targetStatus subscriptiondomain.SubscriptionStatus,
	reason subscriptiondomain.TransitionReason,
) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.ErrInvalidOrganization
	}

	id, err := s.parseID(subscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return err
	}

	if !isValidStatus(targetStatus) {
		return subscriptiondomain.ErrInvalidTargetStatus
	}

	var previousStatus subscriptiondomain.SubscriptionStatus
	changed := false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		if subscription.Status == targetStatus {
			return nil
		}

		if !isTransitionAllowed(subscription.Status, targetStatus) {
			return subscriptiondomain.ErrInvalidTransition
		}

		previousStatus = subscription.Status
		now := s.clock.Now()
		applyTransition(subscription, targetStatus, now)
		changed = true

		return s.repo.UpdateLifecycle(ctx, tx, subscription)
	})
	if err != nil {
		return err
	}

	if changed {
		metrics.Recovery().IncSubscriptionTransition(string(previousStatus), string(targetStatus))
		s.emitTransitionAudit(ctx, orgID, id, previousStatus, targetStatus, reason)
	}
	return nil
}

func (s *Service) Suspend(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	return s.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusSuspended, reason)
}

func (s *Service) Resume(ctx context.Context, subscriptionID string) error {
	return s.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonManualResume)
}

func (s *Service) Cancel(ctx context.Context, subscriptionID string, reason subscriptiondomain.TransitionReason) error {
	return s.Transition(ctx, subscriptionID, subscriptiondomain.SubscriptionStatusCanceled, reason)
}

func (s *Service) SetDefaultPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.ErrInvalidOrganization
	}

	id, err := s.parseID(subscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return err
	}

	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return subscriptiondomain.ErrInvalidPaymentMethod
	}

	subscription, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if subscription == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	if err := s.repo.SetDefaultPaymentMethod(ctx, s.db, orgID, id, paymentMethodID, s.clock.Now()); err != nil {
		return err
	}

	targetID := id.String()
	_ = s.audit.AuditLog(ctx, &orgID, "", nil, "subscription.payment_method_updated", "subscription", &targetID, nil)
	return nil
}

// EndExpiredTrials claims TRIALING rows past trial_end with SKIP LOCKED and
// moves each to ACTIVE or INCOMPLETE depending on the stored instrument.
func (s *Service) EndExpiredTrials(ctx context.Context, asOf time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	type transitioned struct {
		orgID  snowflake.ID
		id     snowflake.ID
		from   subscriptiondomain.SubscriptionStatus
		to     subscriptiondomain.SubscriptionStatus
		reason subscriptiondomain.TransitionReason
	}
	var applied []transitioned

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscriptions, err := s.repo.ClaimEndedTrials(ctx, tx, asOf, limit)
		if err != nil {
			return err
		}

		for i := range subscriptions {
			subscription := &subscriptions[i]

			target := subscriptiondomain.SubscriptionStatusIncomplete
			reason := subscriptiondomain.ReasonTrialEndNoPaymentMethod
			if subscription.HasDefaultPaymentMethod() {
				target = subscriptiondomain.SubscriptionStatusActive
				reason = subscriptiondomain.ReasonTrialEndPaymentMethod
			}

			from := subscription.Status
			applyTransition(subscription, target, s.clock.Now())
			if err := s.repo.UpdateLifecycle(ctx, tx, subscription); err != nil {
				return err
			}

			applied = append(applied, transitioned{
				orgID:  subscription.OrgID,
				id:     subscription.ID,
				from:   from,
				to:     target,
				reason: reason,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, item := range applied {
		metrics.Recovery().IncSubscriptionTransition(string(item.from), string(item.to))
		s.emitTransitionAudit(ctx, item.orgID, item.id, item.from, item.to, item.reason)
	}
	return len(applied), nil
}

func (s *Service) emitTransitionAudit(
	ctx context.Context,
	orgID snowflake.ID,
	subscriptionID snowflake.ID,
	from, to subscriptiondomain.SubscriptionStatus,
	reason subscriptiondomain.TransitionReason,
) {
	targetID := subscriptionID.String()
	if err := s.audit.AuditLog(ctx, &orgID, "", nil, "subscription.transition", "subscription", &targetID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": string(reason),
	}); err != nil {
		s.log.Warn("failed to audit subscription transition",
			zap.String("subscription_id", targetID),
			zap.Error(err),
		)
	}
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func applyTransition(subscription *subscriptiondomain.Subscription, target subscriptiondomain.SubscriptionStatus, now time.Time) {
	switch target {
	case subscriptiondomain.SubscriptionStatusSuspended:
		subscription.IsSuspended = true
		subscription.SuspendedAt = &now
	case subscriptiondomain.SubscriptionStatusActive:
		if subscription.IsSuspended {
			subscription.IsSuspended = false
			subscription.SuspendedAt = nil
			subscription.ResumedAt = &now
		}
	case subscriptiondomain.SubscriptionStatusCanceled:
		subscription.CanceledAt = &now
	}

	subscription.Status = target
	subscription.UpdatedAt = now
}

func isValidStatus(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
		subscriptiondomain.SubscriptionStatusSuspended,
		subscriptiondomain.SubscriptionStatusCanceled,
		subscriptiondomain.SubscriptionStatusIncomplete:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	// Any non-terminal state may cancel.
	if target == subscriptiondomain.SubscriptionStatusCanceled {
		return !current.Terminal()
	}

	switch current {
	case subscriptiondomain.SubscriptionStatusTrialing:
		return target == subscriptiondomain.SubscriptionStatusActive ||
			target == subscriptiondomain.SubscriptionStatusIncomplete
	case subscriptiondomain.SubscriptionStatusActive:
		return target == subscriptiondomain.SubscriptionStatusPastDue
	case subscriptiondomain.SubscriptionStatusPastDue:
		return target == subscriptiondomain.SubscriptionStatusActive ||
			target == subscriptiondomain.SubscriptionStatusSuspended
	case subscriptiondomain.SubscriptionStatusSuspended:
		return target == subscriptiondomain.SubscriptionStatusActive
	case subscriptiondomain.SubscriptionStatusIncomplete:
		return target == subscriptiondomain.SubscriptionStatusActive
	default:
		return false
	}
}

func parseStatusFilter(value string) (*subscriptiondomain.SubscriptionStatus, error) {
	status := strings.TrimSpace(value)
	if status == "" {
		return nil, nil
	}

	status = strings.ToUpper(status)
	parsed := subscriptiondomain.SubscriptionStatus(status)
	if !isValidStatus(parsed) {
		return nil, subscriptiondomain.ErrInvalidStatus
	}
	return &parsed, nil
}
