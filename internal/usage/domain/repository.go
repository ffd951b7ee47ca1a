package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// IncrementDaily atomically bumps the (licenseRef, day) counter,
	// creating the record on the first call of the day.
	IncrementDaily(ctx context.Context, db *gorm.DB, id snowflake.ID, licenseRef, day string) error
	GetDaily(ctx context.Context, db *gorm.DB, licenseRef, day string) (int64, error)
}
