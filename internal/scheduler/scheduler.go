// Package scheduler runs the periodic maintenance jobs: grace-period
// expiry, scheduled cancellations, webhook retry and cache pruning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/ratelimit"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

// cachePruneRetention keeps cache rows one full staleness window past
// their last validation before deleting them.
const cachePruneRetention = 48 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Reconciler *webhook.Reconciler
	Cache      entitlementdomain.Repository
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	reconciler *webhook.Reconciler
	cache      entitlementdomain.Repository
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Reconciler == nil || p.Cache == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		reconciler: p.Reconciler,
		cache:      p.Cache,
		locker:     p.Locker,
	}, nil
}

// runJob runs one job under a timeout and, when a locker is configured,
// a cross-process lock so only one instance works the job at a time.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	token, acquired, err := s.locker.TryLock(ctx, "jobs:lock:"+name, s.cfg.JobTimeout)
	if err != nil {
		s.log.Warn("job lock unavailable, running unlocked",
			zap.String("job", name),
			zap.Error(err),
		)
	} else if !acquired {
		return nil
	} else {
		defer func() {
			_ = s.locker.Release(ctx, "jobs:lock:"+name, token)
		}()
	}

	start := s.clock.Now()
	err = fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("job timed out",
				zap.String("job", name),
				zap.Duration("timeout", s.cfg.JobTimeout),
			)
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"grace_expiry", s.reconciler.ExpireGracePeriods},
		{"cancel_expiry", s.reconciler.ExpireCanceled},
		{"event_retry", s.reconciler.RetryFailedEvents},
		{"cache_prune", s.CachePruneJob},
	}

	for _, job := range jobs {
		if s.cfg.jobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CachePruneJob drops validation cache rows nothing can serve anymore.
func (s *Scheduler) CachePruneJob(ctx context.Context) error {
	before := s.clock.Now().Add(-cachePruneRetention)
	pruned, err := s.cache.PruneValidatedBefore(ctx, s.db, before)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("validation cache pruned", zap.Int64("rows", pruned))
	}
	return nil
}
