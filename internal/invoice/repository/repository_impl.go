package repository

import (
	"context"
	"time"

	invoicedomain "github.com/GYB356/billing-management-platform-sub001/internal/invoice/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const invoiceColumns = `id, org_id, subscription_id, customer_id, number, status,
	 amount_due, amount_paid, currency, due_date, paid_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, org_id, subscription_id, customer_id, number, status,
			amount_due, amount_paid, currency, due_date, paid_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrgID,
		invoice.SubscriptionID,
		invoice.CustomerID,
		invoice.Number,
		invoice.Status,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.Currency,
		invoice.DueDate,
		invoice.PaidAt,
		invoice.Metadata,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter invoicedomain.ListFilter) ([]invoicedomain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE org_id = ?`
	args := []any{filter.OrgID}

	if filter.SubscriptionID != 0 {
		query += ` AND subscription_id = ?`
		args = append(args, filter.SubscriptionID)
	}
	if filter.CustomerID != 0 {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.CursorCreated != nil {
		query += ` AND ((created_at < ?) OR (created_at = ? AND id < ?))`
		args = append(args, *filter.CursorCreated, *filter.CursorCreated, filter.CursorID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var invoices []invoicedomain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ClaimOverdue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE status = ? AND due_date <= ?
		 ORDER BY due_date ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		invoicedomain.InvoiceStatusPending,
		asOf,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) FindPastDue(ctx context.Context, db *gorm.DB, limit int) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE status = ?
		 ORDER BY due_date ASC
		 LIMIT ?`,
		invoicedomain.InvoiceStatusPastDue,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status invoicedomain.InvoiceStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		now,
		id,
	).Error
}

func (r *repo) RecordPayment(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, amount_paid = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
		invoice.Status,
		invoice.AmountPaid,
		invoice.PaidAt,
		invoice.UpdatedAt,
		invoice.ID,
	).Error
}
