package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type GenerateLicenseRequest struct {
	UserID         string     `json:"user_id"`
	Tier           Tier       `json:"tier"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type GenerateLicenseResponse struct {
	LicenseKey string `json:"license_key"`
}

type ValidateLicenseRequest struct {
	LicenseKey         string `json:"license_key"`
	MachineFingerprint string `json:"machine_fingerprint"`
	Feature            string `json:"feature,omitempty"`
}

type ValidateLicenseResponse struct {
	Valid     bool       `json:"valid"`
	LicenseID string     `json:"license_id"`
	Tier      Tier       `json:"tier"`
	Features  []string   `json:"features"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	Generate(context.Context, GenerateLicenseRequest) (GenerateLicenseResponse, error)
	Validate(context.Context, ValidateLicenseRequest) (ValidateLicenseResponse, error)
	Revoke(ctx context.Context, licenseKey string) error
	GetByKey(ctx context.Context, licenseKey string) (License, error)
	GetByID(ctx context.Context, id snowflake.ID) (License, error)
}

var (
	ErrInvalidLicenseFormat = errors.New("invalid_license_format")
	ErrInvalidTier          = errors.New("invalid_tier")
	ErrInvalidOwner         = errors.New("invalid_owner")
	ErrInvalidExpiry        = errors.New("invalid_expiry")
	ErrLicenseNotFound      = errors.New("license_not_found")
	ErrLicenseExpired       = errors.New("license_expired")
	ErrLicenseRevoked       = errors.New("license_revoked")
	ErrSigningSecretMissing = errors.New("signing_secret_missing")
)
