package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the persistence boundary for notifications and preferences.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, notification *Notification) error
	ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error

	FindPreferences(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*Preferences, error)
	UpsertPreferences(ctx context.Context, db *gorm.DB, prefs *Preferences) error
}
