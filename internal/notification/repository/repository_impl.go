package repository

import (
	"context"

	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const notificationColumns = `id, org_id, customer_id, category, priority, subject, body,
	 payload, channel_statuses, read_at, created_at`

type repo struct{}

func Provide() notificationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, notification *notificationdomain.Notification) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO notifications (
			id, org_id, customer_id, category, priority, subject, body,
			payload, channel_statuses, read_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		notification.ID,
		notification.OrgID,
		notification.CustomerID,
		notification.Category,
		notification.Priority,
		notification.Subject,
		notification.Body,
		notification.Payload,
		notification.ChannelStatuses,
		notification.ReadAt,
		notification.CreatedAt,
	).Error
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, limit int) ([]notificationdomain.Notification, error) {
	var notifications []notificationdomain.Notification
	err := db.WithContext(ctx).Raw(
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE org_id = ? AND customer_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		customerID,
		limit,
	).Scan(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notifications SET read_at = CURRENT_TIMESTAMP WHERE org_id = ? AND id = ? AND read_at IS NULL`,
		orgID,
		id,
	).Error
}

func (r *repo) FindPreferences(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*notificationdomain.Preferences, error) {
	var prefs notificationdomain.Preferences
	err := db.WithContext(ctx).Raw(
		`SELECT customer_id, org_id, muted, dnd_start, dnd_end, timezone, channels, updated_at
		 FROM notification_preferences WHERE customer_id = ?`,
		customerID,
	).Scan(&prefs).Error
	if err != nil {
		return nil, err
	}
	if prefs.CustomerID == 0 {
		return nil, nil
	}
	return &prefs, nil
}

func (r *repo) UpsertPreferences(ctx context.Context, db *gorm.DB, prefs *notificationdomain.Preferences) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO notification_preferences (customer_id, org_id, muted, dnd_start, dnd_end, timezone, channels, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (customer_id) DO UPDATE SET
			muted = EXCLUDED.muted,
			dnd_start = EXCLUDED.dnd_start,
			dnd_end = EXCLUDED.dnd_end,
			timezone = EXCLUDED.timezone,
			channels = EXCLUDED.channels,
			updated_at = EXCLUDED.updated_at`,
		prefs.CustomerID,
		prefs.OrgID,
		prefs.Muted,
		prefs.DNDStart,
		prefs.DNDEnd,
		prefs.Timezone,
		prefs.Channels,
		prefs.UpdatedAt,
	).Error
}
