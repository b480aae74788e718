// Package domain contains the dunning escalation models: per-organization
// ladders and the append-only execution log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DunningConfig stores an organization's escalation ladder as JSON. When no
// row exists the system default ladder applies.
type DunningConfig struct {
	OrgID     snowflake.ID   `gorm:"primaryKey"`
	Ladder    datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningConfig) TableName() string { return "dunning_configs" }

// DunningLog records one executed ladder step. The unique
// (invoice_id, days_past_due, log_date) index guarantees a given step runs
// at most once per invoice per calendar day, which is what makes the sweep
// re-entrant.
type DunningLog struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	InvoiceID      snowflake.ID `gorm:"not null;uniqueIndex:ux_dunning_step_day,priority:1"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	CustomerID     snowflake.ID `gorm:"not null;index"`

	DaysPastDue int    `gorm:"not null;uniqueIndex:ux_dunning_step_day,priority:2"`
	LogDate     string `gorm:"type:text;not null;uniqueIndex:ux_dunning_step_day,priority:3"`

	Template         string            `gorm:"type:text"`
	ActionsTaken     datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	SuspendTriggered bool              `gorm:"not null;default:false"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningLog) TableName() string { return "dunning_logs" }

// LogDateLayout is the calendar-day granularity of the idempotency key.
const LogDateLayout = "2006-01-02"
