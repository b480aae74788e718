// Package domain contains persistence models and lifecycle rules for
// subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing   SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive     SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue    SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusSuspended  SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusCanceled   SubscriptionStatus = "CANCELED"
	SubscriptionStatusIncomplete SubscriptionStatus = "INCOMPLETE"
)

// Terminal reports whether no further recovery work applies to the status.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled
}

// Subscription captures a customer's recurring billing agreement.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	OrgID                  snowflake.ID       `gorm:"not null;index"`
	CustomerID             snowflake.ID       `gorm:"not null;index"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	PlanCode               string             `gorm:"type:text;not null"`
	Amount                 int64              `gorm:"not null"`
	Currency               string             `gorm:"type:text;not null"`
	DefaultPaymentMethodID *string            `gorm:"type:text"`
	IsSuspended            bool               `gorm:"not null;default:false"`
	SuspendedAt            *time.Time         `gorm:""`
	ResumedAt              *time.Time         `gorm:""`
	TrialStart             *time.Time         `gorm:""`
	TrialEnd               *time.Time         `gorm:""`
	CurrentPeriodStart     time.Time          `gorm:"not null"`
	CurrentPeriodEnd       time.Time          `gorm:"not null"`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false"`
	CanceledAt             *time.Time         `gorm:""`
	Metadata               datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// HasDefaultPaymentMethod reports whether a retryable instrument is on file.
func (s *Subscription) HasDefaultPaymentMethod() bool {
	return s.DefaultPaymentMethodID != nil && *s.DefaultPaymentMethodID != ""
}
