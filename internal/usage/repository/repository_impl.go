package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) IncrementDaily(ctx context.Context, db *gorm.DB, id snowflake.ID, licenseRef, day string) error {
	record := usagedomain.UsageRecord{
		ID:         id,
		LicenseRef: licenseRef,
		Day:        day,
		Count:      1,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "license_ref"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("count + 1"),
				"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(&record).Error
}

func (r *repo) GetDaily(ctx context.Context, db *gorm.DB, licenseRef, day string) (int64, error) {
	var record usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("license_ref = ? AND day = ?", licenseRef, day).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.Count, nil
}
