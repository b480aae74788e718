package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the persistence boundary for payment attempts.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error

	CountBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int, error)

	// ListRecentBySubscription returns the newest attempts first.
	ListRecentBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]PaymentAttempt, error)

	// ListByCustomerSince returns a customer's attempts inside the risk
	// lookback window.
	ListByCustomerSince(ctx context.Context, db *gorm.DB, customerID snowflake.ID, since time.Time, limit int) ([]PaymentAttempt, error)

	// ListDueIDs returns SCHEDULED attempts whose scheduled_for has
	// passed. Plain read; the per-attempt lock happens in
	// FindDueByIDForUpdate.
	ListDueIDs(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error)

	// FindDueByIDForUpdate re-locks one due attempt inside a transaction,
	// skipping it when another worker holds the row or it already ran.
	FindDueByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, asOf time.Time) (*PaymentAttempt, error)

	// UpdateOutcome records the execution result of one attempt.
	UpdateOutcome(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
}
