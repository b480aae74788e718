package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest asks the gateway to collect an invoice balance from a stored
// payment method.
type ChargeRequest struct {
	OrgID           snowflake.ID
	CustomerID      snowflake.ID
	InvoiceID       snowflake.ID
	PaymentMethodID string
	Amount          int64
	Currency        string
	IdempotencyKey  string
}

// ChargeResult reports the gateway outcome. FailureCode is an opaque
// provider string; classification happens in the retry layer.
type ChargeResult struct {
	Success           bool
	ProviderChargeID  string
	FailureCode       string
	FailureMessage    string
	ProcessedAt       time.Time
	RequiresNewMethod bool
}

// PaymentMethod is a stored instrument usable for retries.
type PaymentMethod struct {
	ID         string
	CustomerID snowflake.ID
	Brand      string
	Last4      string
	ExpMonth   int
	ExpYear    int
	Default    bool
}

// Gateway abstracts a payment provider for recovery charges.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	AttachPaymentMethod(ctx context.Context, customerID snowflake.ID, token string) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, customerID snowflake.ID) ([]PaymentMethod, error)
}

// GatewayConfig carries per-org provider credentials.
type GatewayConfig struct {
	OrgID  snowflake.ID
	APIKey string
	Config map[string]any
}

// GatewayFactory builds a configured Gateway for its provider.
type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrMethodNotFound   = errors.New("payment_method_not_found")
)
