// Package domain contains persistence models for licenses and tiers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the entitlement level a license grants.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Rank orders tiers for comparisons; higher grants more.
func (t Tier) Rank() int {
	switch t {
	case TierEnterprise:
		return 2
	case TierPro:
		return 1
	case TierFree:
		return 0
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// AtLeast reports whether t grants everything required grants.
func (t Tier) AtLeast(required Tier) bool {
	return t.Rank() >= required.Rank()
}

// LicenseStatus represents lifecycle states for a license.
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "ACTIVE"
	LicenseStatusExpired LicenseStatus = "EXPIRED"
	LicenseStatusRevoked LicenseStatus = "REVOKED"
)

// License is a customer's issued key and its current entitlement. Licenses
// are never deleted, only status-transitioned.
type License struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	Key            string        `gorm:"type:text;not null;uniqueIndex"`
	OwnerID        string        `gorm:"type:text;not null;index"`
	SubscriptionID *snowflake.ID `gorm:"index"`
	Tier           Tier          `gorm:"type:text;not null"`
	Status         LicenseStatus `gorm:"type:text;not null"`
	IssuedAt       time.Time     `gorm:"not null"`
	ExpiresAt      *time.Time    `gorm:""`
	MachineLimit   int           `gorm:"not null"`
	DailyCallLimit int           `gorm:"not null"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (License) TableName() string { return "licenses" }

// ExpiredAt reports whether the license is past its expiry at the given time.
func (l License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
