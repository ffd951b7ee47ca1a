// Package domain contains the validation cache model and the decision
// types returned to tool dispatch.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"gorm.io/datatypes"
)

// ValidationCacheEntry is the locally persisted snapshot of the last
// successful remote validation. It is read-first on every check and is
// never trusted past its TTL for granting access beyond FREE.
type ValidationCacheEntry struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	LicenseKey string       `gorm:"type:text;not null;uniqueIndex"`
	// LicenseID is the server-side license id, used as the usage and
	// machine-binding reference.
	LicenseID    string             `gorm:"type:text;not null;index"`
	Tier         licensedomain.Tier `gorm:"type:text;not null"`
	Features     datatypes.JSON     `gorm:"type:jsonb"`
	ExpiresAt    *time.Time         `gorm:""`
	ValidatedAt  time.Time          `gorm:"not null"`
	TTLExpiresAt time.Time          `gorm:"not null"`
	CreatedAt    time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ValidationCacheEntry) TableName() string { return "validation_cache_entries" }

// FreshAt reports whether the entry may be used without a remote call.
func (e ValidationCacheEntry) FreshAt(now time.Time) bool {
	return now.Before(e.TTLExpiresAt)
}

// UsableAt reports whether the entry may still back a degraded check when
// the remote is unreachable. cutoff is the hard staleness window measured
// from ValidatedAt.
func (e ValidationCacheEntry) UsableAt(now time.Time, cutoff time.Duration) bool {
	return now.Sub(e.ValidatedAt) < cutoff
}
