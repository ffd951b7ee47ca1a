package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByProviderSubIDForUpdate(ctx context.Context, db *gorm.DB, providerSubID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("provider_sub_id = ?", providerSubID).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Save(subscription).Error
}

func (r *repo) ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("cancel_at_period_end = ? AND current_period_end IS NOT NULL AND current_period_end <= ? AND status NOT IN ?",
			true, now, []subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusExpired}).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subscriptions).Error
	return subscriptions, err
}

type eventRepo struct{}

func ProvideEvents() subscriptiondomain.EventRepository {
	return &eventRepo{}
}

func (r *eventRepo) Insert(ctx context.Context, db *gorm.DB, event *subscriptiondomain.SubscriptionEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *eventRepo) FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*subscriptiondomain.SubscriptionEvent, error) {
	var event subscriptiondomain.SubscriptionEvent
	err := db.WithContext(ctx).
		Where("provider_event_id = ?", providerEventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *eventRepo) Update(ctx context.Context, db *gorm.DB, event *subscriptiondomain.SubscriptionEvent) error {
	return db.WithContext(ctx).Save(event).Error
}

func (r *eventRepo) ListRetryable(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]subscriptiondomain.SubscriptionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []subscriptiondomain.SubscriptionEvent
	err := db.WithContext(ctx).
		Where("status = ? AND attempts < ?", subscriptiondomain.EventStatusFailed, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

type graceRepo struct{}

func ProvideGrace() subscriptiondomain.GraceRepository {
	return &graceRepo{}
}

func (r *graceRepo) Insert(ctx context.Context, db *gorm.DB, grace *subscriptiondomain.GracePeriod) error {
	return db.WithContext(ctx).Create(grace).Error
}

func (r *graceRepo) FindActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.GracePeriod, error) {
	var grace subscriptiondomain.GracePeriod
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND resolved_at IS NULL", subscriptionID).
		Order("started_at DESC").
		First(&grace).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grace, nil
}

func (r *graceRepo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&subscriptiondomain.GracePeriod{}).
		Where("id = ?", id).
		Update("resolved_at", at).Error
}

func (r *graceRepo) ListElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.GracePeriod, error) {
	if limit <= 0 {
		limit = 100
	}
	var graces []subscriptiondomain.GracePeriod
	err := db.WithContext(ctx).
		Where("resolved_at IS NULL AND ends_at <= ?", now).
		Order("ends_at ASC").
		Limit(limit).
		Find(&graces).Error
	return graces, err
}
