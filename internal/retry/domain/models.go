// Package domain contains the payment retry models: the append-only
// PaymentAttempt trail and the named retry strategies.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AttemptStatus is the lifecycle of one scheduled charge.
type AttemptStatus string

const (
	AttemptStatusScheduled AttemptStatus = "SCHEDULED"
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
)

// PaymentAttempt is one entry in a subscription's retry chain. Rows are
// append-only; an attempt is mutated only by its own processing step. The
// unique (subscription_id, attempt_number) index is the idempotency guard
// against concurrent schedulers.
type PaymentAttempt struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrgID          snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;uniqueIndex:ux_attempt_sequence,priority:1"`
	InvoiceID      snowflake.ID  `gorm:"not null;index"`
	CustomerID     snowflake.ID  `gorm:"not null;index"`
	AttemptNumber  int           `gorm:"not null;uniqueIndex:ux_attempt_sequence,priority:2"`
	Status         AttemptStatus `gorm:"type:text;not null;default:'SCHEDULED'"`
	Strategy       string        `gorm:"type:text;not null"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:text;not null"`

	PaymentMethodID         string `gorm:"type:text"`
	RequireNewPaymentMethod bool   `gorm:"not null;default:false"`

	ScheduledFor   time.Time  `gorm:"not null;index"`
	ExecutedAt     *time.Time `gorm:""`
	FailureCode    string     `gorm:"type:text"`
	FailureMessage string     `gorm:"type:text"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }
