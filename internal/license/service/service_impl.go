package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/featuregate"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	codec *licensedomain.KeyCodec
	repo  licensedomain.Repository

	machinesvc  machinedomain.Service
	entitlement *config.EntitlementConfigHolder
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Repo        licensedomain.Repository
	Machinesvc  machinedomain.Service
	Entitlement *config.EntitlementConfigHolder
}

func NewService(p ServiceParam) licensedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("license.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		codec:       licensedomain.NewKeyCodec(p.Cfg.License.SigningSecret),
		repo:        p.Repo,
		machinesvc:  p.Machinesvc,
		entitlement: p.Entitlement,
	}
}

// Generate implements domain.Service.
func (s *Service) Generate(ctx context.Context, req licensedomain.GenerateLicenseRequest) (licensedomain.GenerateLicenseResponse, error) {
	if !req.Tier.Valid() {
		return licensedomain.GenerateLicenseResponse{}, licensedomain.ErrInvalidTier
	}
	if strings.TrimSpace(req.UserID) == "" {
		return licensedomain.GenerateLicenseResponse{}, licensedomain.ErrInvalidOwner
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return licensedomain.GenerateLicenseResponse{}, licensedomain.ErrInvalidExpiry
	}

	key, err := s.codec.Generate(req.Tier, req.UserID, now)
	if err != nil {
		return licensedomain.GenerateLicenseResponse{}, err
	}

	limits := s.entitlement.Get().LimitsFor(string(req.Tier))

	license := &licensedomain.License{
		ID:             s.genID.Generate(),
		Key:            key,
		OwnerID:        strings.TrimSpace(req.UserID),
		Tier:           req.Tier,
		Status:         licensedomain.LicenseStatusActive,
		IssuedAt:       now,
		ExpiresAt:      req.ExpiresAt,
		MachineLimit:   limits.MachineLimit,
		DailyCallLimit: limits.DailyCallLimit,
	}

	if subID := strings.TrimSpace(req.SubscriptionID); subID != "" {
		parsed, err := snowflake.ParseString(subID)
		if err != nil {
			return licensedomain.GenerateLicenseResponse{}, licensedomain.ErrInvalidOwner
		}
		license.SubscriptionID = &parsed
	}

	if err := s.repo.Insert(ctx, s.db, license); err != nil {
		return licensedomain.GenerateLicenseResponse{}, err
	}

	s.log.Info("license generated",
		zap.String("license_id", license.ID.String()),
		zap.String("tier", string(license.Tier)),
		zap.String("owner_id", license.OwnerID),
	)

	return licensedomain.GenerateLicenseResponse{LicenseKey: key}, nil
}

// Validate implements domain.Service. It is the authoritative remote check:
// format, lifecycle status, expiry and machine binding, in that order.
func (s *Service) Validate(ctx context.Context, req licensedomain.ValidateLicenseRequest) (licensedomain.ValidateLicenseResponse, error) {
	if _, err := s.codec.ValidateFormat(req.LicenseKey); err != nil {
		return licensedomain.ValidateLicenseResponse{}, err
	}

	license, err := s.repo.FindByKey(ctx, s.db, strings.TrimSpace(req.LicenseKey))
	if err != nil {
		return licensedomain.ValidateLicenseResponse{}, err
	}
	if license == nil {
		return licensedomain.ValidateLicenseResponse{}, licensedomain.ErrLicenseNotFound
	}

	if license.Status == licensedomain.LicenseStatusRevoked {
		return licensedomain.ValidateLicenseResponse{}, licensedomain.ErrLicenseRevoked
	}

	now := s.clock.Now()
	if license.ExpiredAt(now) {
		if license.Status == licensedomain.LicenseStatusActive {
			license.Status = licensedomain.LicenseStatusExpired
			if err := s.repo.Update(ctx, s.db, license); err != nil {
				return licensedomain.ValidateLicenseResponse{}, err
			}
		}
		return licensedomain.ValidateLicenseResponse{}, licensedomain.ErrLicenseExpired
	}
	if license.Status != licensedomain.LicenseStatusActive {
		return licensedomain.ValidateLicenseResponse{}, licensedomain.ErrLicenseExpired
	}

	if fp := strings.TrimSpace(req.MachineFingerprint); fp != "" {
		_, err := s.machinesvc.Register(ctx, machinedomain.RegisterMachineRequest{
			LicenseID:    license.ID,
			Fingerprint:  fp,
			MachineLimit: license.MachineLimit,
		})
		if err != nil {
			return licensedomain.ValidateLicenseResponse{}, err
		}
	}

	return licensedomain.ValidateLicenseResponse{
		Valid:     true,
		LicenseID: license.ID.String(),
		Tier:      license.Tier,
		Features:  featuregate.FeaturesFor(license.Tier),
		ExpiresAt: license.ExpiresAt,
	}, nil
}

// Revoke implements domain.Service.
func (s *Service) Revoke(ctx context.Context, licenseKey string) error {
	license, err := s.repo.FindByKey(ctx, s.db, strings.TrimSpace(licenseKey))
	if err != nil {
		return err
	}
	if license == nil {
		return licensedomain.ErrLicenseNotFound
	}
	if license.Status == licensedomain.LicenseStatusRevoked {
		return nil
	}

	license.Status = licensedomain.LicenseStatusRevoked
	if err := s.repo.Update(ctx, s.db, license); err != nil {
		return err
	}

	s.log.Info("license revoked", zap.String("license_id", license.ID.String()))
	return nil
}

// GetByID implements domain.Service.
func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (licensedomain.License, error) {
	license, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return licensedomain.License{}, err
	}
	if license == nil {
		return licensedomain.License{}, licensedomain.ErrLicenseNotFound
	}
	return *license, nil
}

// GetByKey implements domain.Service.
func (s *Service) GetByKey(ctx context.Context, licenseKey string) (licensedomain.License, error) {
	license, err := s.repo.FindByKey(ctx, s.db, strings.TrimSpace(licenseKey))
	if err != nil {
		return licensedomain.License{}, err
	}
	if license == nil {
		return licensedomain.License{}, licensedomain.ErrLicenseNotFound
	}
	return *license, nil
}
