package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierLimit captures the per-tier enforcement knobs.
type TierLimit struct {
	// MachineLimit is the number of concurrently bound machines.
	// 0 means the tier is not machine-bound.
	MachineLimit int `mapstructure:"machineLimit"`
	// DailyCallLimit caps gated calls per UTC day. -1 means unlimited.
	DailyCallLimit int `mapstructure:"dailyCallLimit"`
}

// EntitlementConfig is the reloadable entitlement policy table.
type EntitlementConfig struct {
	Tiers map[string]TierLimit `mapstructure:"tiers"`
	// CacheTTLHours is the validation-cache TTL and hard staleness cutoff.
	CacheTTLHours int `mapstructure:"cacheTtlHours"`
	// GraceDays is the window a subscription stays PAST_DUE after a
	// payment failure before it is expired.
	GraceDays int `mapstructure:"graceDays"`
}

func (c EntitlementConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c EntitlementConfig) GracePeriod() time.Duration {
	return time.Duration(c.GraceDays) * 24 * time.Hour
}

// LimitsFor returns the limits for a tier, falling back to the FREE tier.
func (c EntitlementConfig) LimitsFor(tier string) TierLimit {
	if limit, ok := c.Tiers[strings.ToUpper(tier)]; ok {
		return limit
	}
	return c.Tiers["FREE"]
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		Tiers: map[string]TierLimit{
			"FREE":       {MachineLimit: 0, DailyCallLimit: 50},
			"PRO":        {MachineLimit: 3, DailyCallLimit: -1},
			"ENTERPRISE": {MachineLimit: 10, DailyCallLimit: -1},
		},
		CacheTTLHours: 24,
		GraceDays:     7,
	}
}

// EntitlementConfigHolder publishes the current entitlement policy and
// hot-reloads it when the config file changes.
type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

func NewEntitlementConfigHolder() (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/contextmcp/config")
	v.AddConfigPath("/etc/contextmcp")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONTEXTMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultEntitlementConfig()
	if fileFound {
		if err := v.UnmarshalKey("entitlement", &cfg); err != nil {
			return nil, err
		}
		if err := validateEntitlementConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated EntitlementConfig
			if err := v.UnmarshalKey("entitlement", &updated); err != nil {
				log.Printf("[entitlement-config] reload failed: %v", err)
				return
			}
			if err := validateEntitlementConfig(updated); err != nil {
				log.Printf("[entitlement-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[entitlement-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticEntitlementConfigHolder pins the holder to cfg with no file
// watching. Used by tests.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	return h.current.Load().(EntitlementConfig)
}

func validateEntitlementConfig(cfg EntitlementConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("entitlement.tiers cannot be empty")
	}
	if _, ok := cfg.Tiers["FREE"]; !ok {
		return errors.New("entitlement.tiers must define FREE")
	}
	if cfg.CacheTTLHours <= 0 {
		return errors.New("entitlement.cacheTtlHours must be positive")
	}
	if cfg.GraceDays <= 0 {
		return errors.New("entitlement.graceDays must be positive")
	}
	return nil
}
