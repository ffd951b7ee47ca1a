package machine

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/repository"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/service"
	"go.uber.org/fx"
)

var Module = fx.Module("machine.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
