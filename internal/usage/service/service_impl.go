package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
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
	repo  usagedomain.Repository
	locks *keymutex.KeyMutex
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		locks: keymutex.New(),
	}
}

// RecordUsage implements domain.Service. The increment is serialized per
// license ref; a lost update here is a revenue leak.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) error {
	ref := strings.TrimSpace(req.LicenseRef)
	if ref == "" {
		return usagedomain.ErrInvalidLicenseRef
	}

	s.locks.Lock(ref)
	defer s.locks.Unlock(ref)

	day := usagedomain.DayOf(s.clock.Now())
	if err := s.repo.IncrementDaily(ctx, s.db, s.genID.Generate(), ref, day); err != nil {
		return err
	}

	s.log.Debug("usage recorded",
		zap.String("license_ref", ref),
		zap.String("tool", req.Tool),
		zap.String("day", day),
	)
	return nil
}

// GetDailyUsage implements domain.Service.
func (s *Service) GetDailyUsage(ctx context.Context, licenseRef string, limit int) (usagedomain.DailyUsage, error) {
	ref := strings.TrimSpace(licenseRef)
	if ref == "" {
		return usagedomain.DailyUsage{}, usagedomain.ErrInvalidLicenseRef
	}

	count, err := s.repo.GetDaily(ctx, s.db, ref, usagedomain.DayOf(s.clock.Now()))
	if err != nil {
		return usagedomain.DailyUsage{}, err
	}

	return usagedomain.DailyUsage{Count: count, Limit: limit}, nil
}
