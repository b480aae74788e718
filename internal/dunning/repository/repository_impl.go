package repository

import (
	"context"

	dunningdomain "github.com/GYB356/billing-management-platform-sub001/internal/dunning/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() dunningdomain.Repository {
	return &repo{}
}

func (r *repo) FindConfig(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*dunningdomain.DunningConfig, error) {
	var cfg dunningdomain.DunningConfig
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, ladder, updated_at FROM dunning_configs WHERE org_id = ?`,
		orgID,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.OrgID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repo) UpsertConfig(ctx context.Context, db *gorm.DB, cfg *dunningdomain.DunningConfig) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dunning_configs (org_id, ladder, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (org_id) DO UPDATE SET
			ladder = EXCLUDED.ladder,
			updated_at = EXCLUDED.updated_at`,
		cfg.OrgID,
		cfg.Ladder,
		cfg.UpdatedAt,
	).Error
}

func (r *repo) InsertLog(ctx context.Context, db *gorm.DB, log *dunningdomain.DunningLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dunning_logs (
			id, org_id, invoice_id, subscription_id, customer_id,
			days_past_due, log_date, template, actions_taken, suspend_triggered, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.OrgID,
		log.InvoiceID,
		log.SubscriptionID,
		log.CustomerID,
		log.DaysPastDue,
		log.LogDate,
		log.Template,
		log.ActionsTaken,
		log.SuspendTriggered,
		log.CreatedAt,
	).Error
}

func (r *repo) UpdateLogActions(ctx context.Context, db *gorm.DB, log *dunningdomain.DunningLog) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dunning_logs SET actions_taken = ?, suspend_triggered = ? WHERE id = ?`,
		log.ActionsTaken,
		log.SuspendTriggered,
		log.ID,
	).Error
}

func (r *repo) ListLogsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]dunningdomain.DunningLog, error) {
	var logs []dunningdomain.DunningLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, invoice_id, subscription_id, customer_id,
			days_past_due, log_date, template, actions_taken, suspend_triggered, created_at
		 FROM dunning_logs
		 WHERE invoice_id = ?
		 ORDER BY created_at ASC`,
		invoiceID,
	).Scan(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
