package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/featuregate"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/fingerprint"
	obsmetrics "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/observability/metrics"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// hardStalenessCutoff is the outer bound on serving a stale cache entry
// while the remote is unreachable: exactly 24h from the last successful
// validation. Past it, paid tiers degrade to FREE.
const hardStalenessCutoff = 24 * time.Hour

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	entitlement *config.EntitlementConfigHolder
	codec       *licensedomain.KeyCodec
	repo        entitlementdomain.Repository
	validator   entitlementdomain.Validator
	gate        *featuregate.Gate
	registry    *featuregate.Registry
	usagesvc    usagedomain.Service
	machinesvc  machinedomain.Service
	metrics     *obsmetrics.Metrics
	fingerprint string
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Entitlement *config.EntitlementConfigHolder
	Repo        entitlementdomain.Repository
	Validator   entitlementdomain.Validator
	Gate        *featuregate.Gate
	Registry    *featuregate.Registry
	Usagesvc    usagedomain.Service
	Machinesvc  machinedomain.Service `optional:"true"`
	Metrics     *obsmetrics.Metrics   `optional:"true"`
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Cfg,
		entitlement: p.Entitlement,
		// The client side never holds the signing secret; the codec only
		// shape-checks here.
		codec:       licensedomain.NewKeyCodec(""),
		repo:        p.Repo,
		validator:   p.Validator,
		gate:        p.Gate,
		registry:    p.Registry,
		usagesvc:    p.Usagesvc,
		machinesvc:  p.Machinesvc,
		metrics:     p.Metrics,
		fingerprint: fingerprint.Derive(),
	}
}

// resolved is the outcome of tier resolution, before gating.
type resolved struct {
	tier licensedomain.Tier
	// ref is the usage/machine reference: the license id, or anonymous.
	ref string
	// bound is true when the authoritative validator already enforced the
	// machine binding during this check.
	bound bool
}

// CheckFeatureAccess implements domain.Service.
func (s *Service) CheckFeatureAccess(ctx context.Context, tool string) (entitlementdomain.CheckResult, error) {
	if s.gate.BypassActive() {
		decision := s.gate.Resolve(tool, licensedomain.TierEnterprise)
		return entitlementdomain.CheckResult{Allowed: decision.Allowed, Tier: licensedomain.TierEnterprise}, nil
	}

	res, err := s.resolveTier(ctx, tool)
	if err != nil {
		s.countCheck("error")
		return entitlementdomain.CheckResult{}, err
	}

	decision := s.gate.Resolve(tool, res.tier)
	if !decision.Allowed {
		s.countDenial(decision.Code)
		return entitlementdomain.CheckResult{
			Allowed:    false,
			Tier:       res.tier,
			Code:       decision.Code,
			Reason:     decision.Reason,
			UpgradeURL: decision.UpgradeURL,
			Preview:    decision.Preview,
		}, nil
	}

	limits := s.entitlement.Get().LimitsFor(string(res.tier))

	if limits.DailyCallLimit >= 0 {
		usage, err := s.usagesvc.GetDailyUsage(ctx, res.ref, limits.DailyCallLimit)
		if err != nil {
			s.countCheck("error")
			return entitlementdomain.CheckResult{}, err
		}
		if usage.Count >= int64(usage.Limit) {
			s.countDenial(featuregate.CodeQuotaExceeded)
			return entitlementdomain.CheckResult{
				Allowed:    false,
				Tier:       res.tier,
				Code:       featuregate.CodeQuotaExceeded,
				Reason:     "daily call limit reached, resets at UTC midnight",
				UpgradeURL: s.cfg.License.UpgradeURL,
			}, nil
		}
	}

	if limits.MachineLimit > 0 && !res.bound && res.ref != usagedomain.AnonymousRef && s.machinesvc != nil {
		licenseID, parseErr := snowflake.ParseString(res.ref)
		if parseErr == nil {
			_, err := s.machinesvc.Register(ctx, machinedomain.RegisterMachineRequest{
				LicenseID:    licenseID,
				Fingerprint:  s.fingerprint,
				MachineLimit: limits.MachineLimit,
			})
			if errors.Is(err, machinedomain.ErrMachineLimitExceeded) {
				s.countDenial(featuregate.CodeMachineLimitExceeded)
				return entitlementdomain.CheckResult{
					Allowed: false,
					Tier:    res.tier,
					Code:    featuregate.CodeMachineLimitExceeded,
					Reason:  "machine limit reached, deactivate an existing machine to bind this one",
				}, nil
			}
			if err != nil {
				s.countCheck("error")
				return entitlementdomain.CheckResult{}, err
			}
		}
	}

	s.countCheck("allowed")
	return entitlementdomain.CheckResult{Allowed: true, Tier: res.tier}, nil
}

// resolveTier resolves the caller's effective tier: configured key, cache
// freshness, remote validation, degradation. Infrastructure failures
// always degrade toward FREE, never upward.
func (s *Service) resolveTier(ctx context.Context, tool string) (resolved, error) {
	key := s.cfg.License.LicenseKey
	if key == "" {
		return resolved{tier: licensedomain.TierFree, ref: usagedomain.AnonymousRef}, nil
	}

	if _, err := s.codec.ValidateFormat(key); err != nil {
		return resolved{}, err
	}

	now := s.clock.Now()

	entry, err := s.repo.Get(ctx, s.db, key)
	if err != nil {
		s.log.Warn("validation cache read failed", zap.Error(err))
		entry = nil
	}

	if entry != nil && entry.FreshAt(now) {
		return s.fromEntry(entry, now)
	}

	feature := ""
	if e, ok := s.registry.Lookup(tool); ok {
		feature = e.Feature
	}

	remote, rerr := s.validator.Validate(ctx, licensedomain.ValidateLicenseRequest{
		LicenseKey:         key,
		MachineFingerprint: s.fingerprint,
		Feature:            feature,
	})
	if rerr != nil {
		if !errors.Is(rerr, entitlementdomain.ErrRemoteUnavailable) {
			return resolved{}, rerr
		}
		// Degraded mode: the cache may carry us up to the hard cutoff.
		if entry != nil && entry.UsableAt(now, hardStalenessCutoff) {
			if s.metrics != nil {
				s.metrics.CacheFallbacks.Inc()
			}
			s.log.Warn("remote validation unreachable, serving cached tier",
				zap.String("tier", string(entry.Tier)),
				zap.Time("validated_at", entry.ValidatedAt),
			)
			return s.fromEntry(entry, now)
		}
		s.log.Warn("remote validation unreachable with no usable cache, degrading to FREE")
		// The tier degrades but the accounting identity must not: usage is
		// recorded against the cached license id for as long as the entry
		// exists, so the quota check has to read the same bucket.
		ref := usagedomain.AnonymousRef
		if entry != nil && entry.LicenseID != "" {
			ref = entry.LicenseID
		}
		return resolved{tier: licensedomain.TierFree, ref: ref}, nil
	}

	if !remote.Valid {
		s.countValidation("denied")
		switch remote.ErrorCode {
		case licensedomain.ErrLicenseExpired.Error():
			_ = s.repo.DeleteByLicenseKey(ctx, s.db, key)
			return resolved{}, licensedomain.ErrLicenseExpired
		case licensedomain.ErrLicenseRevoked.Error():
			_ = s.repo.DeleteByLicenseKey(ctx, s.db, key)
			return resolved{}, licensedomain.ErrLicenseRevoked
		case licensedomain.ErrInvalidLicenseFormat.Error():
			return resolved{}, licensedomain.ErrInvalidLicenseFormat
		case machinedomain.ErrMachineLimitExceeded.Error():
			return resolved{}, machinedomain.ErrMachineLimitExceeded
		default:
			// Unknown or not-found keys fail closed. Any cached entry for
			// the key is a lie now; dropping it keeps usage accounting on
			// the anonymous bucket this check reads.
			s.log.Warn("license rejected by validation server",
				zap.String("code", remote.ErrorCode),
			)
			_ = s.repo.DeleteByLicenseKey(ctx, s.db, key)
			return resolved{tier: licensedomain.TierFree, ref: usagedomain.AnonymousRef}, nil
		}
	}

	s.countValidation("valid")
	s.refreshCache(ctx, key, remote, now)

	ref := remote.LicenseID
	if ref == "" {
		ref = usagedomain.AnonymousRef
	}
	return resolved{tier: remote.Tier, ref: ref, bound: true}, nil
}

func (s *Service) fromEntry(entry *entitlementdomain.ValidationCacheEntry, now time.Time) (resolved, error) {
	if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		return resolved{}, licensedomain.ErrLicenseExpired
	}
	ref := entry.LicenseID
	if ref == "" {
		ref = usagedomain.AnonymousRef
	}
	return resolved{tier: entry.Tier, ref: ref}, nil
}

func (s *Service) refreshCache(ctx context.Context, key string, remote *entitlementdomain.RemoteValidation, now time.Time) {
	ttl := s.entitlement.Get().CacheTTL()
	if ttl <= 0 || ttl > hardStalenessCutoff {
		ttl = hardStalenessCutoff
	}

	features, err := json.Marshal(remote.Features)
	if err != nil {
		features = []byte("[]")
	}

	entry := &entitlementdomain.ValidationCacheEntry{
		ID:           s.genID.Generate(),
		LicenseKey:   key,
		LicenseID:    remote.LicenseID,
		Tier:         remote.Tier,
		Features:     datatypes.JSON(features),
		ExpiresAt:    remote.ExpiresAt,
		ValidatedAt:  now,
		TTLExpiresAt: now.Add(ttl),
	}

	if err := s.repo.Replace(ctx, s.db, entry); err != nil {
		// A failed refresh only costs an extra remote call next check.
		s.log.Warn("validation cache refresh failed", zap.Error(err))
	}
}

// RecordUsage implements domain.Service.
func (s *Service) RecordUsage(ctx context.Context, tool string) error {
	ref := usagedomain.AnonymousRef
	if key := s.cfg.License.LicenseKey; key != "" {
		if entry, err := s.repo.Get(ctx, s.db, key); err == nil && entry != nil && entry.LicenseID != "" {
			ref = entry.LicenseID
		}
	}
	return s.usagesvc.RecordUsage(ctx, usagedomain.RecordUsageRequest{
		LicenseRef: ref,
		Tool:       tool,
	})
}

// Invalidate implements domain.Service.
func (s *Service) Invalidate(ctx context.Context, licenseKey string) error {
	return s.repo.DeleteByLicenseKey(ctx, s.db, licenseKey)
}

func (s *Service) countCheck(outcome string) {
	if s.metrics != nil {
		s.metrics.ChecksTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countDenial(code string) {
	if s.metrics != nil {
		s.metrics.DenialsTotal.WithLabelValues(code).Inc()
		s.metrics.ChecksTotal.WithLabelValues("denied").Inc()
	}
}

func (s *Service) countValidation(result string) {
	if s.metrics != nil {
		s.metrics.ValidationsTotal.WithLabelValues(result).Inc()
	}
}
