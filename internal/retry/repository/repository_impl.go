package repository

import (
	"context"
	"time"

	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const attemptColumns = `id, org_id, subscription_id, invoice_id, customer_id, attempt_number,
	 status, strategy, amount, currency, payment_method_id, require_new_payment_method,
	 scheduled_for, executed_at, failure_code, failure_message, metadata, created_at, updated_at`

type repo struct{}

func Provide() retrydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, attempt *retrydomain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, org_id, subscription_id, invoice_id, customer_id, attempt_number,
			status, strategy, amount, currency, payment_method_id, require_new_payment_method,
			scheduled_for, executed_at, failure_code, failure_message, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.OrgID,
		attempt.SubscriptionID,
		attempt.InvoiceID,
		attempt.CustomerID,
		attempt.AttemptNumber,
		attempt.Status,
		attempt.Strategy,
		attempt.Amount,
		attempt.Currency,
		attempt.PaymentMethodID,
		attempt.RequireNewPaymentMethod,
		attempt.ScheduledFor,
		attempt.ExecutedAt,
		attempt.FailureCode,
		attempt.FailureMessage,
		attempt.Metadata,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	).Error
}

func (r *repo) CountBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int, error) {
	var count int
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`,
		subscriptionID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) ListRecentBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]retrydomain.PaymentAttempt, error) {
	var attempts []retrydomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE subscription_id = ?
		 ORDER BY attempt_number DESC
		 LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) ListByCustomerSince(ctx context.Context, db *gorm.DB, customerID snowflake.ID, since time.Time, limit int) ([]retrydomain.PaymentAttempt, error) {
	var attempts []retrydomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE customer_id = ? AND created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		customerID,
		since,
		limit,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) ListDueIDs(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM payment_attempts
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC
		 LIMIT ?`,
		retrydomain.AttemptStatusScheduled,
		asOf,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) FindDueByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, asOf time.Time) (*retrydomain.PaymentAttempt, error) {
	var attempt retrydomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE id = ? AND status = ? AND scheduled_for <= ?
		 FOR UPDATE SKIP LOCKED`,
		id,
		retrydomain.AttemptStatusScheduled,
		asOf,
	).Scan(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == 0 {
		return nil, nil
	}
	return &attempt, nil
}

func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, attempt *retrydomain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, executed_at = ?, failure_code = ?, failure_message = ?, updated_at = ?
		 WHERE id = ?`,
		attempt.Status,
		attempt.ExecutedAt,
		attempt.FailureCode,
		attempt.FailureMessage,
		attempt.UpdatedAt,
		attempt.ID,
	).Error
}
