package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/pkg/keymutex"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  machinedomain.Repository
	locks *keymutex.KeyMutex
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  machinedomain.Repository
}

func NewService(p ServiceParam) machinedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("machine.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		locks: keymutex.New(),
	}
}

// Register implements domain.Service.
func (s *Service) Register(ctx context.Context, req machinedomain.RegisterMachineRequest) (machinedomain.RegisterMachineResponse, error) {
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		return machinedomain.RegisterMachineResponse{}, machinedomain.ErrInvalidFingerprint
	}
	if req.MachineLimit <= 0 {
		// Tier is not machine-bound.
		return machinedomain.RegisterMachineResponse{Fingerprint: fingerprint}, nil
	}

	lockKey := req.LicenseID.String()
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	now := s.clock.Now()
	var resp machinedomain.RegisterMachineResponse

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockLicenseRow(ctx, tx, req.LicenseID); err != nil {
			return err
		}

		existing, err := s.repo.FindByFingerprint(ctx, tx, req.LicenseID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil && existing.Active {
			existing.LastSeen = now
			if err := s.repo.Update(ctx, tx, existing); err != nil {
				return err
			}
			resp = machinedomain.RegisterMachineResponse{
				MachineID:    existing.ID,
				Fingerprint:  existing.Fingerprint,
				FirstSeen:    existing.FirstSeen,
				LastSeen:     existing.LastSeen,
				AlreadyBound: true,
			}
			return nil
		}

		active, err := s.repo.CountActive(ctx, tx, req.LicenseID)
		if err != nil {
			return err
		}
		if active >= int64(req.MachineLimit) {
			return machinedomain.ErrMachineLimitExceeded
		}

		if existing != nil {
			// Previously deactivated seat being reclaimed.
			existing.Active = true
			existing.LastSeen = now
			if err := s.repo.Update(ctx, tx, existing); err != nil {
				return err
			}
			resp = machinedomain.RegisterMachineResponse{
				MachineID:   existing.ID,
				Fingerprint: existing.Fingerprint,
				FirstSeen:   existing.FirstSeen,
				LastSeen:    existing.LastSeen,
			}
			return nil
		}

		machine := &machinedomain.Machine{
			ID:          s.genID.Generate(),
			LicenseID:   req.LicenseID,
			Fingerprint: fingerprint,
			FirstSeen:   now,
			LastSeen:    now,
			Active:      true,
		}
		if err := s.repo.Insert(ctx, tx, machine); err != nil {
			return err
		}
		resp = machinedomain.RegisterMachineResponse{
			MachineID:   machine.ID,
			Fingerprint: machine.Fingerprint,
			FirstSeen:   machine.FirstSeen,
			LastSeen:    machine.LastSeen,
		}
		return nil
	})
	if err != nil {
		return machinedomain.RegisterMachineResponse{}, err
	}

	return resp, nil
}

// List implements domain.Service.
func (s *Service) List(ctx context.Context, licenseID snowflake.ID) ([]machinedomain.MachineResponse, error) {
	machines, err := s.repo.ListByLicense(ctx, s.db, licenseID)
	if err != nil {
		return nil, err
	}

	out := make([]machinedomain.MachineResponse, 0, len(machines))
	for _, m := range machines {
		out = append(out, machinedomain.MachineResponse{
			ID:          m.ID.String(),
			Fingerprint: m.Fingerprint,
			FirstSeen:   m.FirstSeen,
			LastSeen:    m.LastSeen,
			Active:      m.Active,
		})
	}
	return out, nil
}

// Deactivate implements domain.Service.
func (s *Service) Deactivate(ctx context.Context, licenseID snowflake.ID, fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return machinedomain.ErrInvalidFingerprint
	}

	lockKey := licenseID.String()
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		machine, err := s.repo.FindByFingerprint(ctx, tx, licenseID, fingerprint)
		if err != nil {
			return err
		}
		if machine == nil || !machine.Active {
			return machinedomain.ErrMachineNotFound
		}

		machine.Active = false
		machine.LastSeen = s.clock.Now()
		if err := s.repo.Update(ctx, tx, machine); err != nil {
			return err
		}

		s.log.Info("machine deactivated",
			zap.String("license_id", licenseID.String()),
			zap.String("fingerprint", fingerprint),
		)
		return nil
	})
}
