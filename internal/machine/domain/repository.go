package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, machine *Machine) error
	FindByFingerprint(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, fingerprint string) (*Machine, error)
	ListByLicense(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) ([]Machine, error)
	CountActive(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (int64, error)
	Update(ctx context.Context, db *gorm.DB, machine *Machine) error
	// LockLicenseRow serializes concurrent registrations for one license.
	LockLicenseRow(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) error
}
