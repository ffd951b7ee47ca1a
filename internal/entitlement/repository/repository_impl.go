package repository

import (
	"context"
	"errors"
	"time"

	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, licenseKey string) (*entitlementdomain.ValidationCacheEntry, error) {
	var entry entitlementdomain.ValidationCacheEntry
	err := db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) Replace(ctx context.Context, db *gorm.DB, entry *entitlementdomain.ValidationCacheEntry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("license_key = ?", entry.LicenseKey).
			Delete(&entitlementdomain.ValidationCacheEntry{}).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

func (r *repo) DeleteByLicenseKey(ctx context.Context, db *gorm.DB, licenseKey string) error {
	return db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		Delete(&entitlementdomain.ValidationCacheEntry{}).Error
}

func (r *repo) PruneValidatedBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("validated_at < ?", before).
		Delete(&entitlementdomain.ValidationCacheEntry{})
	return res.RowsAffected, res.Error
}
