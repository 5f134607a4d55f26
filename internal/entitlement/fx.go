package entitlement

import (
	"github.com/smallbiznis/hookline/internal/commet"
	"github.com/smallbiznis/hookline/internal/entitlement/domain"
	"github.com/smallbiznis/hookline/internal/entitlement/repository"
	"github.com/smallbiznis/hookline/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(c *commet.Client) service.ProviderClient {
		// A missing API key yields a nil interface so Refresh can report the
		// integration as off instead of panicking on a typed nil.
		if c == nil {
			return nil
		}
		return c
	}),
)
