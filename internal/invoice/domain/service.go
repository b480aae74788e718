package domain

import (
	"context"
	"errors"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
)

type ListInvoiceRequest struct {
	pagination.Pagination
	SubscriptionID string `form:"subscription_id"`
	CustomerID     string `form:"customer_id"`
	Status         string `form:"status"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	GetByID(ctx context.Context, id string) (Invoice, error)

	// MarkOverdue claims PENDING invoices past their due date and moves
	// them to PAST_DUE, returning the invoices it transitioned.
	MarkOverdue(ctx context.Context, asOf time.Time, limit int) ([]Invoice, error)

	// PastDue returns invoices awaiting dunning.
	PastDue(ctx context.Context, limit int) ([]Invoice, error)

	// ApplyPayment credits amount against the invoice inside tx. The
	// invoice moves to PAID when fully covered, PARTIALLY_PAID otherwise.
	ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (Invoice, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidInvoiceID    = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvoiceNotOpen      = errors.New("invoice_not_open")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
