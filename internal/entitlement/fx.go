package entitlement

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/remote"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/repository"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/service"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	"go.uber.org/fx"
)

// provideValidator picks the validation backend: a remote licensing
// server when one is configured, or the in-process license service when
// running standalone.
func provideValidator(cfg config.Config, licensesvc licensedomain.Service) entitlementdomain.Validator {
	if cfg.License.ServerURL != "" {
		return remote.NewHTTPValidator(cfg)
	}
	return remote.NewLocalValidator(licensesvc)
}

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideValidator),
	fx.Provide(service.NewService),
)
