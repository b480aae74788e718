package service

import (
	"context"
	"strings"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  invoicedomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  invoicedomain.Repository
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	filter := invoicedomain.ListFilter{
		OrgID: orgID,
		Limit: pageSize + 1,
	}

	if req.SubscriptionID != "" {
		id, err := parseID(req.SubscriptionID, invoicedomain.ErrInvalidInvoiceID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		filter.SubscriptionID = id
	}
	if req.CustomerID != "" {
		id, err := parseID(req.CustomerID, invoicedomain.ErrInvalidInvoiceID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		filter.CustomerID = id
	}
	if req.Status != "" {
		filter.Status = invoicedomain.InvoiceStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	}

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, cursor.CreatedAt)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		filter.CursorID = cursorID
		filter.CursorCreated = &createdAt
	}

	invoices, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	resp := invoicedomain.ListInvoiceResponse{}
	if len(invoices) > pageSize {
		invoices = invoices[:pageSize]
		last := invoices[len(invoices)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		resp.HasMore = true
		resp.NextPageToken = token
	}
	resp.Invoices = invoices
	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID, invoicedomain.ErrInvalidInvoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

// MarkOverdue claims PENDING invoices past their due date with SKIP LOCKED
// and flips each to PAST_DUE in one transaction.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}

	var marked []invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoices, err := s.repo.ClaimOverdue(ctx, tx, asOf, limit)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for i := range invoices {
			invoice := &invoices[i]
			if err := s.repo.UpdateStatus(ctx, tx, invoice.ID, invoicedomain.InvoiceStatusPastDue, now); err != nil {
				return err
			}
			invoice.Status = invoicedomain.InvoiceStatusPastDue
			invoice.UpdatedAt = now
			marked = append(marked, *invoice)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(marked) > 0 {
		s.log.Info("marked invoices past due", zap.Int("count", len(marked)))
	}
	return marked, nil
}

func (s *Service) PastDue(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.FindPastDue(ctx, s.db, limit)
}

// ApplyPayment credits amount against the invoice under FOR UPDATE. A fully
// covered invoice becomes PAID with paid_at set; a partial credit becomes
// PARTIALLY_PAID and stays collectible.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (invoicedomain.Invoice, error) {
	if amount <= 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidAmount
	}

	var updated invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if !invoice.Status.Collectible() {
			return invoicedomain.ErrInvoiceNotOpen
		}

		invoice.AmountPaid += amount
		invoice.UpdatedAt = paidAt
		if invoice.AmountPaid >= invoice.AmountDue {
			invoice.Status = invoicedomain.InvoiceStatusPaid
			invoice.PaidAt = &paidAt
		} else {
			invoice.Status = invoicedomain.InvoiceStatusPartiallyPaid
		}

		if err := s.repo.RecordPayment(ctx, tx, invoice); err != nil {
			return err
		}
		updated = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return updated, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
