package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// FindByProviderSubIDForUpdate locks the row for the reconcile
	// transaction's duration.
	FindByProviderSubIDForUpdate(ctx context.Context, db *gorm.DB, providerSubID string) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// ListDueForExpiry returns subscriptions flagged to cancel at period
	// end whose period has passed.
	ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}

type EventRepository interface {
	Insert(ctx context.Context, db *gorm.DB, event *SubscriptionEvent) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*SubscriptionEvent, error)
	Update(ctx context.Context, db *gorm.DB, event *SubscriptionEvent) error
	// ListRetryable returns failed events with attempts below the cap.
	ListRetryable(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]SubscriptionEvent, error)
}

type GraceRepository interface {
	Insert(ctx context.Context, db *gorm.DB, grace *GracePeriod) error
	FindActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*GracePeriod, error)
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// ListElapsed returns unresolved grace periods whose window has passed.
	ListElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]GracePeriod, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrEventNotFound        = errors.New("event_not_found")
)
