// Package domain contains models for customer-facing dunning notifications.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelInApp   Channel = "IN_APP"
)

// Priority orders notifications by urgency. URGENT bypasses mute and
// do-not-disturb collapsing.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// DeliveryStatus is the per-channel outcome of a dispatch.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "SENT"
	DeliveryStatusFailed DeliveryStatus = "FAILED"
)

// Notification is the persisted record of a dispatch. The row itself doubles
// as the in-app inbox entry.
type Notification struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index"`
	CustomerID      snowflake.ID      `gorm:"not null;index"`
	Category        string            `gorm:"type:text;not null"`
	Priority        Priority          `gorm:"type:text;not null"`
	Subject         string            `gorm:"type:text"`
	Body            string            `gorm:"type:text"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	ChannelStatuses datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	ReadAt          *time.Time        `gorm:""`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Preferences stores a customer's delivery preferences. Channels maps a
// notification category to the transports the customer opted into; an absent
// category falls back to DefaultChannels.
type Preferences struct {
	CustomerID snowflake.ID      `gorm:"primaryKey"`
	OrgID      snowflake.ID      `gorm:"not null;index"`
	Muted      bool              `gorm:"not null;default:false"`
	DNDStart   string            `gorm:"type:text"`
	DNDEnd     string            `gorm:"type:text"`
	Timezone   string            `gorm:"type:text"`
	Channels   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Preferences) TableName() string { return "notification_preferences" }

// DefaultChannels applies when a customer has no explicit opt-in for a
// category.
var DefaultChannels = []Channel{ChannelEmail, ChannelInApp}

// ChannelsFor resolves the opted-in channels for a category.
func (p *Preferences) ChannelsFor(category string) []Channel {
	if p == nil || p.Channels == nil {
		return DefaultChannels
	}
	raw, ok := p.Channels[category]
	if !ok {
		return DefaultChannels
	}
	values, ok := raw.([]any)
	if !ok || len(values) == 0 {
		return DefaultChannels
	}
	channels := make([]Channel, 0, len(values))
	for _, v := range values {
		name, ok := v.(string)
		if !ok {
			continue
		}
		channels = append(channels, Channel(name))
	}
	if len(channels) == 0 {
		return DefaultChannels
	}
	return channels
}

// InDNDWindow reports whether now falls inside the customer's do-not-disturb
// window. The window is evaluated in the customer's timezone and may wrap
// midnight. Malformed windows never match.
func (p *Preferences) InDNDWindow(now time.Time) bool {
	if p == nil || p.DNDStart == "" || p.DNDEnd == "" {
		return false
	}

	loc := time.UTC
	if p.Timezone != "" {
		if parsed, err := time.LoadLocation(p.Timezone); err == nil {
			loc = parsed
		}
	}
	local := now.In(loc)

	start, err := time.ParseInLocation("15:04", p.DNDStart, loc)
	if err != nil {
		return false
	}
	end, err := time.ParseInLocation("15:04", p.DNDEnd, loc)
	if err != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window wraps midnight, e.g. 22:00 to 08:00.
	return minutes >= startMin || minutes < endMin
}
