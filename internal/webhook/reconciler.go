package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	obsmetrics "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/observability/metrics"
	subscriptiondomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxEventAttempts bounds automatic retries of a failed event before it
// is parked for manual review.
const maxEventAttempts = 5

var (
	ErrMalformedEvent = errors.New("malformed_webhook_event")
)

// eventEnvelope is the provider's wire format.
type eventEnvelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      eventData `json:"data"`
}

type eventData struct {
	SubscriptionID    string     `json:"subscription_id"`
	CustomerID        string     `json:"customer_id"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

type IngestRequest struct {
	Provider  string
	Signature string
	Body      []byte
}

// Reconciler applies billing-provider events to subscriptions, licenses
// and the validation cache. Every event lands in a durable inbox row
// before any state changes, so deliveries are applied at most once and
// failed applications can be retried without the provider's help.
type Reconciler struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	entitlement *config.EntitlementConfigHolder
	codec       *licensedomain.KeyCodec
	subs        subscriptiondomain.Repository
	events      subscriptiondomain.EventRepository
	graces      subscriptiondomain.GraceRepository
	licenses    licensedomain.Repository
	cache       entitlementdomain.Repository
	metrics     *obsmetrics.Metrics
}

type ReconcilerParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Entitlement *config.EntitlementConfigHolder
	Subs        subscriptiondomain.Repository
	Events      subscriptiondomain.EventRepository
	Graces      subscriptiondomain.GraceRepository
	Licenses    licensedomain.Repository
	Cache       entitlementdomain.Repository
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

func NewReconciler(p ReconcilerParam) *Reconciler {
	return &Reconciler{
		db:          p.DB,
		log:         p.Log.Named("webhook.reconciler"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Cfg,
		entitlement: p.Entitlement,
		codec:       licensedomain.NewKeyCodec(p.Cfg.License.SigningSecret),
		subs:        p.Subs,
		events:      p.Events,
		graces:      p.Graces,
		licenses:    p.Licenses,
		cache:       p.Cache,
		metrics:     p.Metrics,
	}
}

// Ingest verifies, records and applies one delivery. It returns nil once
// the event is durably recorded, even when application failed: the inbox
// row owns the retry from that point, so the provider never redelivers a
// recorded event.
func (r *Reconciler) Ingest(ctx context.Context, req IngestRequest) error {
	if err := VerifySignature(r.cfg.License.WebhookSecret, req.Body, req.Signature); err != nil {
		r.log.Warn("webhook signature rejected", zap.String("provider", req.Provider))
		return err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return ErrMalformedEvent
	}

	var payload datatypes.JSONMap
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	event := &subscriptiondomain.SubscriptionEvent{
		ID:                r.genID.Generate(),
		ProviderEventID:   envelope.ID,
		Provider:          req.Provider,
		Type:              envelope.Type,
		Payload:           payload,
		ProviderTimestamp: envelope.Timestamp.UTC(),
		Status:            subscriptiondomain.EventStatusReceived,
	}

	if err := r.events.Insert(ctx, r.db, event); err != nil {
		if isDuplicateKey(err) {
			r.countEvent(envelope.Type, "duplicate")
			fields := []zap.Field{
				zap.String("provider_event_id", envelope.ID),
				zap.String("type", envelope.Type),
			}
			if first, ferr := r.events.FindByProviderEventID(ctx, r.db, envelope.ID); ferr == nil && first != nil {
				fields = append(fields, zap.String("first_delivery_status", string(first.Status)))
			}
			r.log.Info("duplicate webhook delivery ignored", fields...)
			return nil
		}
		return err
	}

	if err := r.process(ctx, event); err != nil {
		r.countEvent(event.Type, "failed")
		r.markFailed(ctx, event, err)
		return nil
	}
	return nil
}

// process applies one inbox event transactionally. It marks the row
// PROCESSED or SKIPPED itself; a returned error means nothing committed
// and the caller decides retry bookkeeping.
func (r *Reconciler) process(ctx context.Context, event *subscriptiondomain.SubscriptionEvent) error {
	data, err := decodeEvent(event)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := r.subs.FindByProviderSubIDForUpdate(ctx, tx, data.SubscriptionID)
		if err != nil {
			return err
		}

		now := r.clock.Now()

		if subscription != nil && event.ProviderTimestamp.Before(subscription.LastEventAt) {
			r.log.Warn("stale webhook event skipped, a later event was already applied",
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("type", event.Type),
				zap.Time("event_at", event.ProviderTimestamp),
				zap.Time("last_event_at", subscription.LastEventAt),
			)
			r.countEvent(event.Type, "skipped")
			return r.markEvent(ctx, tx, event, subscriptiondomain.EventStatusSkipped, now)
		}

		switch event.Type {
		case subscriptiondomain.EventTypeSubscriptionCreated:
			err = r.applyCreated(ctx, tx, event, data, subscription, now)
		case subscriptiondomain.EventTypeSubscriptionRenewed:
			err = r.applyRenewed(ctx, tx, event, data, subscription, now)
		case subscriptiondomain.EventTypePaymentFailed:
			err = r.applyPaymentFailed(ctx, tx, event, subscription, now)
		case subscriptiondomain.EventTypeSubscriptionCanceled:
			err = r.applyCanceled(ctx, tx, event, data, subscription, now)
		default:
			r.log.Warn("unknown webhook event type skipped", zap.String("type", event.Type))
			r.countEvent(event.Type, "skipped")
			return r.markEvent(ctx, tx, event, subscriptiondomain.EventStatusSkipped, now)
		}
		if err != nil {
			return err
		}

		r.countEvent(event.Type, "processed")
		return r.markEvent(ctx, tx, event, subscriptiondomain.EventStatusProcessed, now)
	})
}

func (r *Reconciler) applyCreated(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.SubscriptionEvent, data eventData, subscription *subscriptiondomain.Subscription, now time.Time) error {
	tier := licensedomain.Tier(strings.ToUpper(data.Tier))
	if !tier.Valid() {
		return fmt.Errorf("%w: tier %q", ErrMalformedEvent, data.Tier)
	}

	status := subscriptiondomain.SubscriptionStatusActive
	if strings.EqualFold(data.Status, "trialing") {
		status = subscriptiondomain.SubscriptionStatusTrialing
	}

	if subscription == nil {
		subscription = &subscriptiondomain.Subscription{
			ID:               r.genID.Generate(),
			ProviderSubID:    data.SubscriptionID,
			CustomerID:       data.CustomerID,
			Tier:             tier,
			Status:           status,
			CurrentPeriodEnd: data.CurrentPeriodEnd,
			LastEventAt:      event.ProviderTimestamp,
		}
		if err := r.subs.Insert(ctx, tx, subscription); err != nil {
			return err
		}
	} else {
		// Redelivered create after a crash mid-apply: converge, don't fail.
		subscription.Tier = tier
		subscription.Status = status
		subscription.CurrentPeriodEnd = data.CurrentPeriodEnd
		subscription.LastEventAt = event.ProviderTimestamp
		if err := r.subs.Update(ctx, tx, subscription); err != nil {
			return err
		}
	}

	license, err := r.licenses.FindBySubscriptionID(ctx, tx, subscription.ID)
	if err != nil {
		return err
	}
	if license == nil {
		key, err := r.codec.Generate(tier, data.CustomerID, now)
		if err != nil {
			return err
		}
		limits := r.entitlement.Get().LimitsFor(string(tier))
		license = &licensedomain.License{
			ID:             r.genID.Generate(),
			Key:            key,
			OwnerID:        data.CustomerID,
			SubscriptionID: &subscription.ID,
			Tier:           tier,
			Status:         licensedomain.LicenseStatusActive,
			IssuedAt:       now,
			ExpiresAt:      data.CurrentPeriodEnd,
			MachineLimit:   limits.MachineLimit,
			DailyCallLimit: limits.DailyCallLimit,
		}
		if err := r.licenses.Insert(ctx, tx, license); err != nil {
			return err
		}
		r.log.Info("license issued for new subscription",
			zap.String("provider_sub_id", data.SubscriptionID),
			zap.String("tier", string(tier)),
		)
	}
	return nil
}

func (r *Reconciler) applyRenewed(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.SubscriptionEvent, data eventData, subscription *subscriptiondomain.Subscription, now time.Time) error {
	if subscription == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	if !subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusActive) {
		return fmt.Errorf("%w: %s -> ACTIVE", subscriptiondomain.ErrInvalidTransition, subscription.Status)
	}

	subscription.Status = subscriptiondomain.SubscriptionStatusActive
	subscription.CurrentPeriodEnd = data.CurrentPeriodEnd
	subscription.CancelAtPeriodEnd = false
	subscription.CanceledAt = nil
	subscription.LastEventAt = event.ProviderTimestamp
	if err := r.subs.Update(ctx, tx, subscription); err != nil {
		return err
	}

	grace, err := r.graces.FindActiveBySubscription(ctx, tx, subscription.ID)
	if err != nil {
		return err
	}
	if grace != nil {
		if err := r.graces.Resolve(ctx, tx, grace.ID, now); err != nil {
			return err
		}
		r.log.Info("grace period resolved by renewal",
			zap.String("provider_sub_id", subscription.ProviderSubID),
		)
	}

	return r.restoreLicense(ctx, tx, subscription, data.CurrentPeriodEnd)
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.SubscriptionEvent, subscription *subscriptiondomain.Subscription, now time.Time) error {
	if subscription == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
		if !subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusPastDue) {
			return fmt.Errorf("%w: %s -> PAST_DUE", subscriptiondomain.ErrInvalidTransition, subscription.Status)
		}
		subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
	}
	subscription.LastEventAt = event.ProviderTimestamp
	if err := r.subs.Update(ctx, tx, subscription); err != nil {
		return err
	}

	grace, err := r.graces.FindActiveBySubscription(ctx, tx, subscription.ID)
	if err != nil {
		return err
	}
	if grace == nil {
		// Entitlements are untouched during grace; only the elapsed-grace
		// sweep downgrades.
		grace = &subscriptiondomain.GracePeriod{
			ID:             r.genID.Generate(),
			SubscriptionID: subscription.ID,
			Reason:         "payment_failed",
			StartedAt:      now,
			EndsAt:         now.Add(r.entitlement.Get().GracePeriod()),
		}
		if err := r.graces.Insert(ctx, tx, grace); err != nil {
			return err
		}
		r.log.Warn("subscription entered grace period",
			zap.String("provider_sub_id", subscription.ProviderSubID),
			zap.Time("ends_at", grace.EndsAt),
		)
	}
	return nil
}

func (r *Reconciler) applyCanceled(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.SubscriptionEvent, data eventData, subscription *subscriptiondomain.Subscription, now time.Time) error {
	if subscription == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	subscription.LastEventAt = event.ProviderTimestamp

	if data.CancelAtPeriodEnd {
		if subscription.CurrentPeriodEnd == nil {
			// No period end on record means nothing to defer to; a nil
			// expiry here would leave the license immortal. Cancel now.
			r.log.Warn("cancel_at_period_end without a period end, canceling immediately",
				zap.String("provider_sub_id", subscription.ProviderSubID),
			)
		} else {
			// Paid access runs to the period end; the scheduler expires it.
			subscription.CancelAtPeriodEnd = true
			if err := r.subs.Update(ctx, tx, subscription); err != nil {
				return err
			}
			return r.setLicenseExpiry(ctx, tx, subscription, subscription.CurrentPeriodEnd)
		}
	}

	if !subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusCanceled) {
		return fmt.Errorf("%w: %s -> CANCELED", subscriptiondomain.ErrInvalidTransition, subscription.Status)
	}
	subscription.Status = subscriptiondomain.SubscriptionStatusCanceled
	subscription.CanceledAt = &now
	if err := r.subs.Update(ctx, tx, subscription); err != nil {
		return err
	}

	grace, err := r.graces.FindActiveBySubscription(ctx, tx, subscription.ID)
	if err != nil {
		return err
	}
	if grace != nil {
		if err := r.graces.Resolve(ctx, tx, grace.ID, now); err != nil {
			return err
		}
	}

	return r.setLicenseExpiry(ctx, tx, subscription, &now)
}

// restoreLicense puts the subscription's license back to full standing
// and drops any cached validation so the next check sees the new state.
func (r *Reconciler) restoreLicense(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, periodEnd *time.Time) error {
	license, err := r.licenses.FindBySubscriptionID(ctx, tx, subscription.ID)
	if err != nil || license == nil {
		return err
	}

	limits := r.entitlement.Get().LimitsFor(string(subscription.Tier))
	license.Tier = subscription.Tier
	license.Status = licensedomain.LicenseStatusActive
	license.ExpiresAt = periodEnd
	license.MachineLimit = limits.MachineLimit
	license.DailyCallLimit = limits.DailyCallLimit
	if err := r.licenses.Update(ctx, tx, license); err != nil {
		return err
	}
	return r.cache.DeleteByLicenseKey(ctx, tx, license.Key)
}

func (r *Reconciler) setLicenseExpiry(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, at *time.Time) error {
	license, err := r.licenses.FindBySubscriptionID(ctx, tx, subscription.ID)
	if err != nil || license == nil {
		return err
	}
	license.ExpiresAt = at
	if err := r.licenses.Update(ctx, tx, license); err != nil {
		return err
	}
	return r.cache.DeleteByLicenseKey(ctx, tx, license.Key)
}

// RetryFailedEvents re-applies failed inbox rows, parking any that keep
// failing for manual review.
func (r *Reconciler) RetryFailedEvents(ctx context.Context) error {
	events, err := r.events.ListRetryable(ctx, r.db, maxEventAttempts, 100)
	if err != nil {
		return err
	}

	for i := range events {
		event := events[i]
		if err := r.process(ctx, &event); err != nil {
			r.markFailed(ctx, &event, err)
			continue
		}
	}
	return nil
}

// ExpireGracePeriods downgrades subscriptions whose grace window elapsed
// without a successful payment.
func (r *Reconciler) ExpireGracePeriods(ctx context.Context) error {
	now := r.clock.Now()
	graces, err := r.graces.ListElapsed(ctx, r.db, now, 100)
	if err != nil {
		return err
	}

	for _, grace := range graces {
		grace := grace
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			subscription, err := r.subs.FindByID(ctx, tx, grace.SubscriptionID)
			if err != nil {
				return err
			}
			if subscription != nil && subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
				subscription.Status = subscriptiondomain.SubscriptionStatusExpired
				if err := r.subs.Update(ctx, tx, subscription); err != nil {
					return err
				}
				if err := r.downgradeLicense(ctx, tx, subscription); err != nil {
					return err
				}
				r.log.Warn("grace period elapsed, subscription expired",
					zap.String("provider_sub_id", subscription.ProviderSubID),
				)
			}
			return r.graces.Resolve(ctx, tx, grace.ID, now)
		})
		if err != nil {
			r.log.Error("grace period expiry failed",
				zap.Int64("grace_id", int64(grace.ID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ExpireCanceled finalizes subscriptions past a scheduled period-end
// cancellation.
func (r *Reconciler) ExpireCanceled(ctx context.Context) error {
	now := r.clock.Now()
	subscriptions, err := r.subs.ListDueForExpiry(ctx, r.db, now, 100)
	if err != nil {
		return err
	}

	for i := range subscriptions {
		subscription := subscriptions[i]
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			subscription.Status = subscriptiondomain.SubscriptionStatusExpired
			if err := r.subs.Update(ctx, tx, &subscription); err != nil {
				return err
			}
			return r.downgradeLicense(ctx, tx, &subscription)
		})
		if err != nil {
			r.log.Error("scheduled cancellation expiry failed",
				zap.String("provider_sub_id", subscription.ProviderSubID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// downgradeLicense reverts the subscription's license to the FREE tier.
func (r *Reconciler) downgradeLicense(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	license, err := r.licenses.FindBySubscriptionID(ctx, tx, subscription.ID)
	if err != nil || license == nil {
		return err
	}

	limits := r.entitlement.Get().LimitsFor(string(licensedomain.TierFree))
	license.Tier = licensedomain.TierFree
	license.Status = licensedomain.LicenseStatusActive
	license.ExpiresAt = nil
	license.MachineLimit = limits.MachineLimit
	license.DailyCallLimit = limits.DailyCallLimit
	if err := r.licenses.Update(ctx, tx, license); err != nil {
		return err
	}
	return r.cache.DeleteByLicenseKey(ctx, tx, license.Key)
}

func (r *Reconciler) markEvent(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.SubscriptionEvent, status subscriptiondomain.EventStatus, at time.Time) error {
	event.Status = status
	event.ProcessedAt = &at
	return r.events.Update(ctx, tx, event)
}

func (r *Reconciler) markFailed(ctx context.Context, event *subscriptiondomain.SubscriptionEvent, cause error) {
	event.Attempts++
	msg := cause.Error()
	event.LastError = &msg
	if event.Attempts >= maxEventAttempts {
		event.Status = subscriptiondomain.EventStatusManualReview
		r.log.Error("webhook event parked for manual review",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("type", event.Type),
			zap.Int("attempts", event.Attempts),
			zap.Error(cause),
		)
	} else {
		event.Status = subscriptiondomain.EventStatusFailed
		r.log.Warn("webhook event application failed",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("type", event.Type),
			zap.Int("attempts", event.Attempts),
			zap.Error(cause),
		)
	}
	if err := r.events.Update(ctx, r.db, event); err != nil {
		r.log.Error("webhook event bookkeeping failed", zap.Error(err))
	}
}

func (r *Reconciler) countEvent(eventType, result string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	}
}

func decodeEvent(event *subscriptiondomain.SubscriptionEvent) (eventData, error) {
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return eventData{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return eventData{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.Data.SubscriptionID == "" {
		return eventData{}, fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}
	return envelope.Data, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var Module = fx.Module("webhook.reconciler",
	fx.Provide(NewReconciler),
)
