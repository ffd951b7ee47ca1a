package subscription

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/subscription/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.store",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideEvents),
	fx.Provide(repository.ProvideGrace),
)
