package usage

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/repository"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
