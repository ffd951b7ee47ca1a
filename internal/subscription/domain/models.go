// Package domain contains persistence models for subscriptions, the
// billing-event inbox and grace periods.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
)

var allowedTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusCanceled, SubscriptionStatusExpired, SubscriptionStatusActive},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusCanceled: {SubscriptionStatusExpired, SubscriptionStatusActive},
	SubscriptionStatusExpired:  {SubscriptionStatusActive},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription captures a customer's billing agreement as last reported by
// the billing provider.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	ProviderSubID      string             `gorm:"type:text;not null;uniqueIndex"`
	CustomerID         string             `gorm:"type:text;not null;index"`
	Tier               licensedomain.Tier `gorm:"type:text;not null"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	CurrentPeriodEnd   *time.Time         `gorm:""`
	CancelAtPeriodEnd  bool               `gorm:"not null;default:false"`
	CanceledAt         *time.Time         `gorm:""`
	// LastEventAt is the provider timestamp of the last applied event.
	// Events older than it are skipped (last-event-wins ordering).
	LastEventAt time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EventStatus tracks an inbox row through processing.
type EventStatus string

const (
	EventStatusReceived     EventStatus = "RECEIVED"
	EventStatusProcessed    EventStatus = "PROCESSED"
	EventStatusSkipped      EventStatus = "SKIPPED"
	EventStatusFailed       EventStatus = "FAILED"
	EventStatusManualReview EventStatus = "MANUAL_REVIEW"
)

// Billing-provider event types consumed by the reconciler.
const (
	EventTypeSubscriptionCreated  = "subscription.created"
	EventTypeSubscriptionRenewed  = "subscription.renewed"
	EventTypeSubscriptionCanceled = "subscription.cancelled"
	EventTypePaymentFailed        = "payment.failed"
)

// SubscriptionEvent is the durable inbox row for one provider event.
// The provider event id is unique, so an event is applied at most once
// regardless of delivery retries.
type SubscriptionEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	ProviderEventID string            `gorm:"type:text;not null;uniqueIndex"`
	Provider        string            `gorm:"type:text;not null"`
	Type            string            `gorm:"type:text;not null"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb"`
	// ProviderTimestamp orders events from the provider's point of view.
	ProviderTimestamp time.Time   `gorm:"not null"`
	Status            EventStatus `gorm:"type:text;not null"`
	Attempts          int         `gorm:"not null;default:0"`
	LastError         *string     `gorm:"type:text"`
	ProcessedAt       *time.Time  `gorm:""`
	CreatedAt         time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionEvent) TableName() string { return "subscription_events" }

// GracePeriod is the bounded window a subscription stays PAST_DUE after a
// payment failure. While active it always has a future EndsAt; at expiry
// without resolution the owning license reverts to FREE.
type GracePeriod struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Reason         string       `gorm:"type:text;not null"`
	StartedAt      time.Time    `gorm:"not null"`
	EndsAt         time.Time    `gorm:"not null"`
	ResolvedAt     *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GracePeriod) TableName() string { return "grace_periods" }

// ActiveAt reports whether the grace window is still open.
func (g GracePeriod) ActiveAt(now time.Time) bool {
	return g.ResolvedAt == nil && now.Before(g.EndsAt)
}
