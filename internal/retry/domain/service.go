package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// ScheduleRetryRequest asks for the next attempt in a subscription's chain.
type ScheduleRetryRequest struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	CustomerID     snowflake.ID
	Amount         int64
	Currency       string

	// FailureCode is the provider code from the charge that triggered
	// this scheduling call.
	FailureCode string
}

// ScheduleRetryResult reports what the scheduler did. Attempt is nil on the
// terminal path.
type ScheduleRetryResult struct {
	Attempt             *PaymentAttempt
	MaxAttemptsExceeded bool
}

// ProcessReport aggregates one processing sweep.
type ProcessReport struct {
	Claimed   int
	Succeeded int
	Failed    int
	Skipped   int
}

type Service interface {
	// ScheduleRetry creates the next SCHEDULED attempt, or runs the
	// terminal max-attempts path.
	ScheduleRetry(ctx context.Context, req ScheduleRetryRequest) (ScheduleRetryResult, error)

	// ProcessDueAttempts claims and executes due attempts. Per-attempt
	// failures are aggregated, not fatal.
	ProcessDueAttempts(ctx context.Context) (ProcessReport, error)
}

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidInvoice      = errors.New("invalid_invoice")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrSubscriptionLocked  = errors.New("subscription_locked")
)
