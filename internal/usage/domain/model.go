// Package domain contains persistence models for daily usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AnonymousRef is the counter key used when no license is configured.
const AnonymousRef = "anonymous"

// DayFormat is the UTC calendar-day bucket key layout.
const DayFormat = "2006-01-02"

// UsageRecord counts gated calls for one license on one UTC day. Created
// lazily on the first call of a day; the count only increases within a day.
type UsageRecord struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	LicenseRef string       `gorm:"type:text;not null;uniqueIndex:idx_usage_license_day,priority:1"`
	Day        string       `gorm:"type:text;not null;uniqueIndex:idx_usage_license_day,priority:2"`
	Count      int64        `gorm:"not null;default:0"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// DayOf buckets a timestamp into its UTC calendar day.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayFormat)
}
