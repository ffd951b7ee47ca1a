package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyValidateLicense = "validate:key:%s"
	keyValidateAddr    = "validate:addr:%s"
)

// ValidateLimiter throttles the public validate endpoint per license key
// and per caller address. Disabled it allows everything, so a missing or
// unreachable redis never blocks validation.
type ValidateLimiter struct {
	enabled bool
	bucket  *TokenBucket

	keyRate   float64
	keyBurst  int
	addrRate  float64
	addrBurst int
}

func NewValidateLimiter(cfg config.Config, client *redis.Client) *ValidateLimiter {
	if !cfg.RateLimit.Enabled || client == nil {
		return &ValidateLimiter{}
	}
	return &ValidateLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		keyRate:   cfg.RateLimit.PerKeyRate,
		keyBurst:  cfg.RateLimit.PerKeyBurst,
		addrRate:  cfg.RateLimit.PerAddrRate,
		addrBurst: cfg.RateLimit.PerAddrBurst,
	}
}

func (l *ValidateLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ValidateLimiter) AllowKey(ctx context.Context, licenseKey string) (bool, error) {
	if !l.Enabled() || strings.TrimSpace(licenseKey) == "" {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyValidateLicense, strings.TrimSpace(licenseKey)), l.keyRate, l.keyBurst)
}

func (l *ValidateLimiter) AllowAddr(ctx context.Context, addr string) (bool, error) {
	if !l.Enabled() || strings.TrimSpace(addr) == "" {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyValidateAddr, strings.TrimSpace(addr)), l.addrRate, l.addrBurst)
}
