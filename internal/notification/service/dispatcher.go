package service

import (
	"context"
	"fmt"
	"time"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	customerdomain "github.com/GYB356/billing-management-platform-sub001/internal/customer/domain"
	notificationdomain "github.com/GYB356/billing-management-platform-sub001/internal/notification/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/observability/metrics"
	"github.com/GYB356/billing-management-platform-sub001/internal/orgcontext"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/email"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/push"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/sms"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/webhook"
	"github.com/GYB356/billing-management-platform-sub001/internal/ratelimit"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock

	Repo         notificationdomain.Repository
	CustomerRepo customerdomain.Repository
	Audit        auditdomain.Service
	Metrics      *metrics.Metrics
	Limiter      *ratelimit.NotificationLimiter

	Email   email.Provider
	SMS     sms.Provider
	Push    push.Provider
	Webhook webhook.Provider
}

// Dispatcher fans notifications out across a customer's channels, honoring
// mute, do-not-disturb, and per-customer rate limits.
type Dispatcher struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	deliveryTimeout time.Duration

	repo         notificationdomain.Repository
	customerRepo customerdomain.Repository
	audit        auditdomain.Service
	metrics      *metrics.Metrics
	limiter      *ratelimit.NotificationLimiter

	email   email.Provider
	sms     sms.Provider
	push    push.Provider
	webhook webhook.Provider
}

func NewDispatcher(p Params) notificationdomain.Service {
	timeout := p.Config.Recovery.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		db:    p.DB,
		log:   p.Log.Named("notification.dispatcher"),
		genID: p.GenID,
		clock: p.Clock,

		deliveryTimeout: timeout,

		repo:         p.Repo,
		customerRepo: p.CustomerRepo,
		audit:        p.Audit,
		metrics:      p.Metrics,
		limiter:      p.Limiter,

		email:   p.Email,
		sms:     p.SMS,
		push:    p.Push,
		webhook: p.Webhook,
	}
}

// Dispatch resolves the customer's channels, collapses to in-app when the
// customer is muted or inside a do-not-disturb window (URGENT bypasses
// both), then delivers per channel with failure isolation. The persisted
// row doubles as the in-app entry, so the in-app channel succeeds whenever
// the insert does. An error is returned only when every channel failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req notificationdomain.DispatchRequest) (notificationdomain.DispatchResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return notificationdomain.DispatchResult{}, notificationdomain.ErrInvalidOrganization
	}
	if req.CustomerID == 0 {
		return notificationdomain.DispatchResult{}, notificationdomain.ErrInvalidCustomer
	}
	if req.Category == "" {
		return notificationdomain.DispatchResult{}, notificationdomain.ErrInvalidCategory
	}
	if req.Priority == "" {
		req.Priority = notificationdomain.PriorityNormal
	}

	customer, err := d.customerRepo.FindByID(ctx, d.db, orgID, req.CustomerID)
	if err != nil {
		return notificationdomain.DispatchResult{}, err
	}
	if customer == nil {
		return notificationdomain.DispatchResult{}, notificationdomain.ErrInvalidCustomer
	}

	prefs, err := d.repo.FindPreferences(ctx, d.db, req.CustomerID)
	if err != nil {
		return notificationdomain.DispatchResult{}, err
	}
	if prefs != nil && prefs.Timezone == "" {
		prefs.Timezone = customer.Timezone
	}

	channels := d.resolveChannels(ctx, req, prefs)

	statuses := make(map[notificationdomain.Channel]notificationdomain.DeliveryStatus, len(channels))
	for _, channel := range channels {
		if channel == notificationdomain.ChannelInApp {
			continue
		}
		if err := d.deliver(ctx, channel, customer, req); err != nil {
			statuses[channel] = notificationdomain.DeliveryStatusFailed
			d.metrics.RecordNotification(ctx, string(channel), string(notificationdomain.DeliveryStatusFailed))
			d.log.Warn("notification delivery failed",
				zap.String("channel", string(channel)),
				zap.String("category", req.Category),
				zap.String("customer_id", req.CustomerID.String()),
				zap.Error(err),
			)
			continue
		}
		statuses[channel] = notificationdomain.DeliveryStatusSent
		d.metrics.RecordNotification(ctx, string(channel), string(notificationdomain.DeliveryStatusSent))
	}

	channelStatuses := datatypes.JSONMap{}
	for channel, status := range statuses {
		channelStatuses[string(channel)] = string(status)
	}
	// The row is the in-app delivery itself, so its status only ever
	// reaches the database together with a successful insert.
	channelStatuses[string(notificationdomain.ChannelInApp)] = string(notificationdomain.DeliveryStatusSent)

	notification := notificationdomain.Notification{
		ID:              d.genID.Generate(),
		OrgID:           orgID,
		CustomerID:      req.CustomerID,
		Category:        req.Category,
		Priority:        req.Priority,
		Subject:         req.Subject,
		Body:            req.Body,
		Payload:         datatypes.JSONMap(req.Data),
		ChannelStatuses: channelStatuses,
		CreatedAt:       d.clock.Now(),
	}

	inAppErr := d.repo.Insert(ctx, d.db, &notification)
	if inAppErr != nil {
		statuses[notificationdomain.ChannelInApp] = notificationdomain.DeliveryStatusFailed
		d.metrics.RecordNotification(ctx, string(notificationdomain.ChannelInApp), string(notificationdomain.DeliveryStatusFailed))
	} else {
		statuses[notificationdomain.ChannelInApp] = notificationdomain.DeliveryStatusSent
		d.metrics.RecordNotification(ctx, string(notificationdomain.ChannelInApp), string(notificationdomain.DeliveryStatusSent))
	}

	allFailed := true
	for _, status := range statuses {
		if status == notificationdomain.DeliveryStatusSent {
			allFailed = false
			break
		}
	}
	if allFailed {
		return notificationdomain.DispatchResult{Statuses: statuses}, notificationdomain.ErrAllChannelsFailed
	}

	targetID := notification.ID.String()
	_ = d.audit.AuditLog(ctx, &orgID, "", nil, "notification.dispatched", "notification", &targetID, map[string]any{
		"category": req.Category,
		"priority": string(req.Priority),
		"channels": channelStatuses,
	})

	return notificationdomain.DispatchResult{
		NotificationID: notification.ID,
		Statuses:       statuses,
	}, nil
}

// resolveChannels intersects the caller's requested channels with the
// customer's opt-ins and applies mute, DND, and rate limiting. In-app is
// always present so the customer retains a record.
func (d *Dispatcher) resolveChannels(
	ctx context.Context,
	req notificationdomain.DispatchRequest,
	prefs *notificationdomain.Preferences,
) []notificationdomain.Channel {
	urgent := req.Priority == notificationdomain.PriorityUrgent

	collapsed := false
	if !urgent && prefs != nil {
		if prefs.Muted || prefs.InDNDWindow(d.clock.Now()) {
			collapsed = true
		}
	}
	if !collapsed && !urgent && d.limiter.Enabled() {
		allowed, err := d.limiter.AllowCustomer(ctx, req.CustomerID.String())
		if err != nil {
			d.log.Warn("notification rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			collapsed = true
		}
	}
	if collapsed {
		return []notificationdomain.Channel{notificationdomain.ChannelInApp}
	}

	resolved := prefs.ChannelsFor(req.Category)
	if len(req.Channels) > 0 {
		requested := make(map[notificationdomain.Channel]bool, len(req.Channels))
		for _, channel := range req.Channels {
			requested[channel] = true
		}
		kept := make([]notificationdomain.Channel, 0, len(resolved))
		for _, channel := range resolved {
			if requested[channel] || channel == notificationdomain.ChannelInApp {
				kept = append(kept, channel)
			}
		}
		resolved = kept
	}
	channels := make([]notificationdomain.Channel, 0, len(resolved)+1)
	seen := map[notificationdomain.Channel]bool{}
	for _, channel := range resolved {
		if seen[channel] {
			continue
		}
		seen[channel] = true
		channels = append(channels, channel)
	}
	if !seen[notificationdomain.ChannelInApp] {
		channels = append(channels, notificationdomain.ChannelInApp)
	}
	return channels
}

func (d *Dispatcher) deliver(
	ctx context.Context,
	channel notificationdomain.Channel,
	customer *customerdomain.Customer,
	req notificationdomain.DispatchRequest,
) error {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	switch channel {
	case notificationdomain.ChannelEmail:
		if customer.Email == "" {
			return fmt.Errorf("customer %s has no email address", customer.ID)
		}
		return d.email.SendTemplate(ctx, []string{customer.Email}, req.Category, req.Data)
	case notificationdomain.ChannelSMS:
		if customer.Phone == "" {
			return fmt.Errorf("customer %s has no phone number", customer.ID)
		}
		return d.sms.Send(ctx, customer.Phone, req.Body)
	case notificationdomain.ChannelPush:
		if customer.DeviceToken == "" {
			return fmt.Errorf("customer %s has no device token", customer.ID)
		}
		return d.push.Send(ctx, customer.DeviceToken, req.Subject, req.Body)
	case notificationdomain.ChannelWebhook:
		if customer.WebhookURL == "" {
			return fmt.Errorf("customer %s has no webhook url", customer.ID)
		}
		payload := map[string]any{
			"category":    req.Category,
			"priority":    string(req.Priority),
			"customer_id": customer.ID.String(),
			"data":        req.Data,
		}
		return d.webhook.Post(ctx, customer.WebhookURL, payload)
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
}

func (d *Dispatcher) ListByCustomer(ctx context.Context, customerID string, limit int) ([]notificationdomain.Notification, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, notificationdomain.ErrInvalidOrganization
	}

	id, err := snowflake.ParseString(customerID)
	if err != nil || id == 0 {
		return nil, notificationdomain.ErrInvalidCustomer
	}
	if limit <= 0 {
		limit = 50
	}
	return d.repo.ListByCustomer(ctx, d.db, orgID, id, limit)
}

func (d *Dispatcher) MarkRead(ctx context.Context, notificationID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return notificationdomain.ErrInvalidOrganization
	}

	id, err := snowflake.ParseString(notificationID)
	if err != nil || id == 0 {
		return notificationdomain.ErrInvalidNotification
	}
	return d.repo.MarkRead(ctx, d.db, orgID, id)
}

func (d *Dispatcher) UpdatePreferences(ctx context.Context, prefs notificationdomain.Preferences) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return notificationdomain.ErrInvalidOrganization
	}
	if prefs.CustomerID == 0 {
		return notificationdomain.ErrInvalidCustomer
	}
	prefs.OrgID = orgID
	prefs.UpdatedAt = d.clock.Now()
	return d.repo.UpsertPreferences(ctx, d.db, &prefs)
}
