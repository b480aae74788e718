// Package sandbox implements a deterministic in-process payment gateway for
// development and tests. The outcome of a charge is derived from the payment
// method id suffix, so failure paths can be exercised without a provider
// account.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "sandbox"
}

func (f *Factory) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	return &Gateway{
		orgID:   cfg.OrgID,
		methods: map[snowflake.ID][]domain.PaymentMethod{},
	}, nil
}

type Gateway struct {
	orgID snowflake.ID

	mu      sync.Mutex
	charges int64
	methods map[snowflake.ID][]domain.PaymentMethod
}

func (g *Gateway) Provider() string {
	return "sandbox"
}

// Charge resolves deterministically from the payment method id suffix:
//
//	pm_..._insufficient  -> insufficient_funds
//	pm_..._expired       -> expired_card
//	pm_..._declined      -> card_declined
//	pm_..._fraud         -> fraud_suspected
//	pm_..._stolen        -> stolen_card
//	pm_..._processing    -> processing_error
//	pm_..._timeout       -> blocks until the context deadline
//
// Anything else succeeds.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if strings.TrimSpace(req.PaymentMethodID) == "" || req.Amount <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethodID))
	if strings.HasSuffix(method, "_timeout") {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	for suffix, code := range failureSuffixes {
		if strings.HasSuffix(method, suffix) {
			return &domain.ChargeResult{
				Success:           false,
				FailureCode:       code,
				FailureMessage:    fmt.Sprintf("sandbox decline: %s", code),
				ProcessedAt:       now,
				RequiresNewMethod: code == "expired_card" || code == "stolen_card",
			}, nil
		}
	}

	g.mu.Lock()
	g.charges++
	chargeID := fmt.Sprintf("sbx_ch_%d_%d", g.orgID, g.charges)
	g.mu.Unlock()

	return &domain.ChargeResult{
		Success:          true,
		ProviderChargeID: chargeID,
		ProcessedAt:      now,
	}, nil
}

func (g *Gateway) AttachPaymentMethod(ctx context.Context, customerID snowflake.ID, token string) (*domain.PaymentMethod, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrInvalidRequest
	}

	method := domain.PaymentMethod{
		ID:         fmt.Sprintf("pm_%s", token),
		CustomerID: customerID,
		Brand:      "sandbox",
		Last4:      last4(token),
		ExpMonth:   12,
		ExpYear:    time.Now().UTC().Year() + 3,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	existing := g.methods[customerID]
	method.Default = len(existing) == 0
	g.methods[customerID] = append(existing, method)
	return &method, nil
}

func (g *Gateway) ListPaymentMethods(ctx context.Context, customerID snowflake.ID) ([]domain.PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	methods := g.methods[customerID]
	out := make([]domain.PaymentMethod, len(methods))
	copy(out, methods)
	return out, nil
}

var failureSuffixes = map[string]string{
	"_insufficient": "insufficient_funds",
	"_expired":      "expired_card",
	"_declined":     "card_declined",
	"_fraud":        "fraud_suspected",
	"_stolen":       "stolen_card",
	"_processing":   "processing_error",
}

func last4(token string) string {
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}
