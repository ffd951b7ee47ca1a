package domain

import (
	"context"
	"errors"
	"time"

	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"gorm.io/gorm"
)

// CheckResult is the verdict handed to tool dispatch. On denial, Code is
// one of the featuregate codes and UpgradeURL/Preview carry the upsell.
type CheckResult struct {
	Allowed    bool               `json:"allowed"`
	Tier       licensedomain.Tier `json:"tier"`
	Code       string             `json:"code,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	UpgradeURL string             `json:"upgrade_url,omitempty"`
	Preview    string             `json:"preview,omitempty"`
}

// RemoteValidation is the decoded result of the remote validate call.
type RemoteValidation struct {
	Valid     bool               `json:"valid"`
	LicenseID string             `json:"license_id,omitempty"`
	Tier      licensedomain.Tier `json:"tier,omitempty"`
	Features  []string           `json:"features,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	// ErrorCode carries the server's denial reason when Valid is false.
	ErrorCode string `json:"error,omitempty"`
}

// Validator performs the authoritative entitlement check, either against
// the remote licensing endpoint or an in-process license service.
type Validator interface {
	Validate(ctx context.Context, req licensedomain.ValidateLicenseRequest) (*RemoteValidation, error)
}

// Service is the component every tool call touches before dispatch.
type Service interface {
	// CheckFeatureAccess resolves the caller's tier (cache, remote, or
	// degraded FREE) and decides whether the tool may run. The caller is
	// responsible for invoking RecordUsage exactly once after the gated
	// operation completes.
	CheckFeatureAccess(ctx context.Context, tool string) (CheckResult, error)
	RecordUsage(ctx context.Context, tool string) error
	// Invalidate drops the cached validation for a license key.
	Invalidate(ctx context.Context, licenseKey string) error
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, licenseKey string) (*ValidationCacheEntry, error)
	// Replace refreshes the entry for its license key atomically so a
	// process kill mid-write cannot leave a corrupt cache.
	Replace(ctx context.Context, db *gorm.DB, entry *ValidationCacheEntry) error
	DeleteByLicenseKey(ctx context.Context, db *gorm.DB, licenseKey string) error
	// PruneValidatedBefore drops entries too old to ever be served again.
	PruneValidatedBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)
}

// ErrRemoteUnavailable is internal: it is always recovered via the cache
// (or degradation to FREE) and never surfaces to the caller by itself.
var ErrRemoteUnavailable = errors.New("remote_unavailable")
