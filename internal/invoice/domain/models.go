// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPastDue       InvoiceStatus = "PAST_DUE"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
)

// Collectible reports whether the invoice still has a balance worth chasing.
func (s InvoiceStatus) Collectible() bool {
	return s == InvoiceStatusPending || s == InvoiceStatusPastDue || s == InvoiceStatusPartiallyPaid
}

// Invoice represents a billed amount owed by a customer.
type Invoice struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	Number         string            `gorm:"type:text;not null"`
	Status         InvoiceStatus     `gorm:"type:text;not null;default:'PENDING'"`
	AmountDue      int64             `gorm:"not null;default:0"`
	AmountPaid     int64             `gorm:"not null;default:0"`
	Currency       string            `gorm:"type:text;not null"`
	DueDate        time.Time         `gorm:"not null;index"`
	PaidAt         *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Balance returns the amount still owed.
func (i Invoice) Balance() int64 {
	if i.AmountPaid >= i.AmountDue {
		return 0
	}
	return i.AmountDue - i.AmountPaid
}
