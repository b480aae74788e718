package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) domain.Gateway {
	t.Helper()
	gateway, err := NewFactory().NewGateway(domain.GatewayConfig{OrgID: 42})
	require.NoError(t, err)
	return gateway
}

func TestChargeSucceedsByDefault(t *testing.T) {
	gateway := newGateway(t)

	result, err := gateway.Charge(context.Background(), domain.ChargeRequest{
		PaymentMethodID: "pm_basic",
		Amount:          2500,
		Currency:        "USD",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.ProviderChargeID)
}

func TestChargeFailureCodesFromSuffix(t *testing.T) {
	gateway := newGateway(t)

	cases := []struct {
		method       string
		code         string
		needsNewCard bool
	}{
		{"pm_a_insufficient", "insufficient_funds", false},
		{"pm_b_expired", "expired_card", true},
		{"pm_c_declined", "card_declined", false},
		{"pm_d_fraud", "fraud_suspected", false},
		{"pm_e_stolen", "stolen_card", true},
		{"pm_f_processing", "processing_error", false},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			result, err := gateway.Charge(context.Background(), domain.ChargeRequest{
				PaymentMethodID: tc.method,
				Amount:          1000,
				Currency:        "USD",
			})
			require.NoError(t, err)
			require.False(t, result.Success)
			require.Equal(t, tc.code, result.FailureCode)
			require.Equal(t, tc.needsNewCard, result.RequiresNewMethod)
		})
	}
}

func TestChargeTimeoutBlocksUntilDeadline(t *testing.T) {
	gateway := newGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gateway.Charge(ctx, domain.ChargeRequest{
		PaymentMethodID: "pm_slow_timeout",
		Amount:          1000,
		Currency:        "USD",
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttachAndListPaymentMethods(t *testing.T) {
	gateway := newGateway(t)

	first, err := gateway.AttachPaymentMethod(context.Background(), 7, "tok_4242")
	require.NoError(t, err)
	require.True(t, first.Default)
	require.Equal(t, "4242", first.Last4)

	_, err = gateway.AttachPaymentMethod(context.Background(), 7, "tok_1111")
	require.NoError(t, err)

	methods, err := gateway.ListPaymentMethods(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	require.False(t, methods[1].Default)
}
