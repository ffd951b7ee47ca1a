package remote

import (
	"context"
	"errors"

	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
)

// LocalValidator runs the authoritative check in-process, for standalone
// deployments where the engine and the licensing server share a binary.
type LocalValidator struct {
	licensesvc licensedomain.Service
}

func NewLocalValidator(licensesvc licensedomain.Service) *LocalValidator {
	return &LocalValidator{licensesvc: licensesvc}
}

func (v *LocalValidator) Validate(ctx context.Context, req licensedomain.ValidateLicenseRequest) (*entitlementdomain.RemoteValidation, error) {
	resp, err := v.licensesvc.Validate(ctx, req)
	if err != nil {
		// Definitive denials come back as a non-valid result; only
		// infrastructure failures propagate as errors.
		switch {
		case errors.Is(err, licensedomain.ErrInvalidLicenseFormat),
			errors.Is(err, licensedomain.ErrLicenseNotFound),
			errors.Is(err, licensedomain.ErrLicenseExpired),
			errors.Is(err, licensedomain.ErrLicenseRevoked),
			errors.Is(err, machinedomain.ErrMachineLimitExceeded):
			return &entitlementdomain.RemoteValidation{Valid: false, ErrorCode: err.Error()}, nil
		default:
			return nil, err
		}
	}

	return &entitlementdomain.RemoteValidation{
		Valid:     resp.Valid,
		LicenseID: resp.LicenseID,
		Tier:      resp.Tier,
		Features:  resp.Features,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}
