package license

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/repository"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/service"
	"go.uber.org/fx"
)

var Module = fx.Module("license.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
