// Package domain contains persistence models for machine bindings.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Machine binds a device fingerprint to a license. The fingerprint is a
// one-way hash of stable device identifiers; raw identifying data is never
// persisted. Machines are deactivated only by explicit action, never by
// silent eviction.
type Machine struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	LicenseID   snowflake.ID `gorm:"not null;index;uniqueIndex:idx_machines_license_fingerprint,priority:1"`
	Fingerprint string       `gorm:"type:text;not null;uniqueIndex:idx_machines_license_fingerprint,priority:2"`
	FirstSeen   time.Time    `gorm:"not null"`
	LastSeen    time.Time    `gorm:"not null"`
	Active      bool         `gorm:"not null;default:true"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Machine) TableName() string { return "machines" }
