package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/GYB356/billing-management-platform-sub001/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, org_id, customer_id, status, plan_code, amount, currency,
	 default_payment_method_id, is_suspended, suspended_at, resumed_at, trial_start, trial_end,
	 current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	 metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, org_id, customer_id, status, plan_code, amount, currency,
			default_payment_method_id, is_suspended, suspended_at, resumed_at, trial_start, trial_end,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrgID,
		subscription.CustomerID,
		subscription.Status,
		subscription.PlanCode,
		subscription.Amount,
		subscription.Currency,
		subscription.DefaultPaymentMethodID,
		subscription.IsSuspended,
		subscription.SuspendedAt,
		subscription.ResumedAt,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE org_id = ? AND id = ? FOR UPDATE`,
		orgID,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE org_id = ? ORDER BY created_at ASC`,
		orgID,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ClaimEndedTrials(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND trial_end IS NOT NULL AND trial_end <= ?
		 ORDER BY trial_end ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.SubscriptionStatusTrialing,
		asOf,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, is_suspended = ?, suspended_at = ?, resumed_at = ?, canceled_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		subscription.Status,
		subscription.IsSuspended,
		subscription.SuspendedAt,
		subscription.ResumedAt,
		subscription.CanceledAt,
		subscription.UpdatedAt,
		subscription.OrgID,
		subscription.ID,
	).Error
}

func (r *repo) SetDefaultPaymentMethod(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, paymentMethodID string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET default_payment_method_id = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		paymentMethodID,
		updatedAt,
		orgID,
		id,
	).Error
}
