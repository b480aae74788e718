package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// DispatchRequest describes one notification to fan out.
type DispatchRequest struct {
	CustomerID snowflake.ID
	Category   string
	Priority   Priority
	Subject    string
	Body       string

	// Channels restricts delivery to the listed transports. An empty list
	// means every channel the customer opted into. In-app is always kept.
	Channels []Channel

	// Data feeds channel templates and the webhook payload.
	Data map[string]any
}

// DispatchResult reports the per-channel outcome.
type DispatchResult struct {
	NotificationID snowflake.ID
	Statuses       map[Channel]DeliveryStatus
}

type Service interface {
	// Dispatch fans the notification out across the customer's channels.
	// It returns an error only when every channel failed.
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)

	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, notificationID string) error
	UpdatePreferences(ctx context.Context, prefs Preferences) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidCategory     = errors.New("invalid_category")
	ErrInvalidNotification = errors.New("invalid_notification")
	ErrNotificationMissing = errors.New("notification_not_found")
	ErrAllChannelsFailed   = errors.New("all_channels_failed")
)
