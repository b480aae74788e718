package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Subscription, error)
	// ClaimEndedTrials locks TRIALING rows whose trial window has passed,
	// skipping rows held by a concurrent replica.
	ClaimEndedTrials(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	SetDefaultPaymentMethod(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, paymentMethodID string, updatedAt time.Time) error
}
