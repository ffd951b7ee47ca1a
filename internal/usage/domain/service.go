package domain

import (
	"context"
	"errors"
)

type RecordUsageRequest struct {
	// LicenseRef is the license id string, or AnonymousRef.
	LicenseRef string
	Tool       string
}

// DailyUsage reports the current day's consumption against its limit.
// Unlimited tiers carry Limit == -1 and are never checked against Count.
type DailyUsage struct {
	Count int64 `json:"count"`
	Limit int   `json:"limit"`
}

type Service interface {
	// RecordUsage increments today's counter. Callers invoke it exactly
	// once after a gated operation completes.
	RecordUsage(context.Context, RecordUsageRequest) error
	GetDailyUsage(ctx context.Context, licenseRef string, limit int) (DailyUsage, error)
}

var ErrInvalidLicenseRef = errors.New("invalid_license_ref")
