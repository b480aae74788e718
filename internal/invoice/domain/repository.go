package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter narrows invoice listings.
type ListFilter struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	CustomerID     snowflake.ID
	Status         InvoiceStatus
	Limit          int
	CursorID       snowflake.ID
	CursorCreated  *time.Time
}

// Repository is the persistence boundary for invoices.
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]Invoice, error)

	// ClaimOverdue locks PENDING invoices whose due date has passed,
	// skipping rows held by concurrent workers.
	ClaimOverdue(ctx context.Context, tx *gorm.DB, asOf time.Time, limit int) ([]Invoice, error)

	// FindPastDue returns invoices currently in the PAST_DUE state.
	FindPastDue(ctx context.Context, tx *gorm.DB, limit int) ([]Invoice, error)

	UpdateStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status InvoiceStatus, now time.Time) error
	RecordPayment(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
}
