package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() machinedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, machine *machinedomain.Machine) error {
	return db.WithContext(ctx).Create(machine).Error
}

func (r *repo) FindByFingerprint(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, fingerprint string) (*machinedomain.Machine, error) {
	var machine machinedomain.Machine
	err := db.WithContext(ctx).
		Where("license_id = ? AND fingerprint = ?", licenseID, fingerprint).
		First(&machine).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &machine, nil
}

func (r *repo) ListByLicense(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) ([]machinedomain.Machine, error) {
	var machines []machinedomain.Machine
	err := db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("first_seen ASC").
		Find(&machines).Error
	return machines, err
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&machinedomain.Machine{}).
		Where("license_id = ? AND active = ?", licenseID, true).
		Count(&count).Error
	return count, err
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, machine *machinedomain.Machine) error {
	return db.WithContext(ctx).Save(machine).Error
}

func (r *repo) LockLicenseRow(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) error {
	var id snowflake.ID
	err := db.WithContext(ctx).
		Table("licenses").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", licenseID).
		Select("id").
		Scan(&id).Error
	return err
}
