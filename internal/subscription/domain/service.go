package domain

import (
	"context"
	"errors"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
)

type ListSubscriptionRequest struct {
	Status      string
	CustomerID  string
	PageToken   string
	PageSize    int
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// TransitionReason labels why a lifecycle change happened; it lands in the
// audit trail next to the old and new status.
type TransitionReason string

const (
	ReasonTrialEndPaymentMethod   TransitionReason = "trial_end_payment_method_present"
	ReasonTrialEndNoPaymentMethod TransitionReason = "trial_end_no_payment_method"
	ReasonInvoicePastDue          TransitionReason = "invoice_past_due"
	ReasonPaymentRecovered        TransitionReason = "payment_recovered"
	ReasonMaxAttemptsExceeded     TransitionReason = "max_attempts_exceeded"
	ReasonDunningSuspension       TransitionReason = "dunning_suspension"
	ReasonManualResume            TransitionReason = "manual_resume"
	ReasonCustomerCancel          TransitionReason = "customer_cancel"
)

type Service interface {
	List(context.Context, ListSubscriptionRequest) (ListSubscriptionResponse, error)
	GetByID(context.Context, string) (Subscription, error)
	Transition(ctx context.Context, subscriptionID string, targetStatus SubscriptionStatus, reason TransitionReason) error
	Suspend(ctx context.Context, subscriptionID string, reason TransitionReason) error
	Resume(ctx context.Context, subscriptionID string) error
	Cancel(ctx context.Context, subscriptionID string, reason TransitionReason) error
	SetDefaultPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error
	// EndExpiredTrials moves TRIALING subscriptions past their trial window
	// to ACTIVE or INCOMPLETE depending on whether a payment method exists.
	EndExpiredTrials(ctx context.Context, asOf time.Time, limit int) (int, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidCustomer      = errors.New("invalid_customer")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidTargetStatus  = errors.New("invalid_target_status")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidPaymentMethod = errors.New("invalid_payment_method")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
