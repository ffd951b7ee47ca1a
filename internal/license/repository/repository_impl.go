package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() licensedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, license *licensedomain.License) error {
	return db.WithContext(ctx).Create(license).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*licensedomain.License, error) {
	var license licensedomain.License
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&license).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &license, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*licensedomain.License, error) {
	var license licensedomain.License
	err := db.WithContext(ctx).
		Where("key = ?", key).
		First(&license).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &license, nil
}

func (r *repo) FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*licensedomain.License, error) {
	var license licensedomain.License
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		First(&license).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &license, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, license *licensedomain.License) error {
	return db.WithContext(ctx).Save(license).Error
}
