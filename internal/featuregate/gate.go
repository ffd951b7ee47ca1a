package featuregate

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Decision is the structured allow/deny returned to tool dispatch.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
	Preview    string `json:"preview,omitempty"`
}

// Gate resolves (tool, tier) to a Decision against the tool registry.
type Gate struct {
	log        *zap.Logger
	registry   *Registry
	upgradeURL string
	bypass     bool
}

type GateParam struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Registry *Registry
}

func NewGate(p GateParam) *Gate {
	return &Gate{
		log:        p.Log.Named("featuregate"),
		registry:   p.Registry,
		upgradeURL: p.Cfg.License.UpgradeURL,
		bypass:     p.Cfg.License.Bypass,
	}
}

// BypassActive reports whether the development bypass is on.
func (g *Gate) BypassActive() bool { return g.bypass }

// Resolve decides whether tier may invoke tool. Unknown tools are denied.
func (g *Gate) Resolve(tool string, tier licensedomain.Tier) Decision {
	if g.bypass {
		// Escape hatch for local development only. Logged on every check so
		// it can never be mistaken for production behavior.
		g.log.Warn("LICENSE BYPASS ACTIVE, all feature gating disabled",
			zap.String("tool", tool),
		)
		return Decision{Allowed: true}
	}

	entry, ok := g.registry.Lookup(tool)
	if !ok {
		return Decision{
			Allowed: false,
			Code:    CodeFeatureLocked,
			Reason:  "unknown tool",
		}
	}

	if !tier.AtLeast(entry.RequiredTier) {
		return Decision{
			Allowed:    false,
			Code:       CodeFeatureLocked,
			Reason:     "requires the " + string(entry.RequiredTier) + " tier",
			UpgradeURL: g.upgradeURL,
			Preview:    Preview(entry.Feature),
		}
	}

	return Decision{Allowed: true}
}

var Module = fx.Module("featuregate",
	fx.Provide(NewRegistry),
	fx.Provide(NewGate),
)
