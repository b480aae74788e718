package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the persistence boundary for dunning state.
type Repository interface {
	// FindConfig returns the org's ladder JSON, or nil when the org uses
	// the system default.
	FindConfig(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*DunningConfig, error)
	UpsertConfig(ctx context.Context, db *gorm.DB, cfg *DunningConfig) error

	// InsertLog is the atomic claim: a duplicate-key error means the step
	// already ran today.
	InsertLog(ctx context.Context, db *gorm.DB, log *DunningLog) error
	UpdateLogActions(ctx context.Context, db *gorm.DB, log *DunningLog) error
	ListLogsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]DunningLog, error)
}
