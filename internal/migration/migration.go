// Package migration creates the schema on startup so the server is
// usable out of the box on both sqlite and postgres.
package migration

import (
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	subscriptiondomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/domain"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func Run(db *gorm.DB) error {
	return db.AutoMigrate(
		&licensedomain.License{},
		&machinedomain.Machine{},
		&usagedomain.UsageRecord{},
		&entitlementdomain.ValidationCacheEntry{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionEvent{},
		&subscriptiondomain.GracePeriod{},
	)
}

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)
