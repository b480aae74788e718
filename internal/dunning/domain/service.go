package domain

import (
	"context"
	"errors"

	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	"github.com/bwmarrin/snowflake"
)

// SweepReport aggregates one dunning sweep.
type SweepReport struct {
	Scanned  int
	Executed int
	Skipped  int
}

type Service interface {
	// ProcessDunningForInvoice runs the most advanced qualifying ladder
	// step for one PAST_DUE invoice. Returns true when a step executed.
	ProcessDunningForInvoice(ctx context.Context, invoice invoicedomain.Invoice) (bool, error)

	// ProcessDunning sweeps all PAST_DUE invoices of non-canceled
	// subscriptions. Per-invoice failures are aggregated, not fatal.
	ProcessDunning(ctx context.Context) (SweepReport, error)

	// SetLadder replaces an organization's ladder after validation.
	SetLadder(ctx context.Context, orgID snowflake.ID, ladder []config.DunningStepConfig) error
}

var (
	ErrInvalidInvoice = errors.New("invalid_invoice")
	ErrInvalidLadder  = errors.New("invalid_ladder")
)
