package webhook

import (
	entitlementservice "github.com/smallbiznis/hookline/internal/entitlement/service"
	"github.com/smallbiznis/hookline/internal/webhook/adapters"
	commetadapter "github.com/smallbiznis/hookline/internal/webhook/adapters/commet"
	"github.com/smallbiznis/hookline/internal/webhook/domain"
	"github.com/smallbiznis/hookline/internal/webhook/repository"
	"github.com/smallbiznis/hookline/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.pipeline",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(commetadapter.NewFactory())
	}),
	fx.Provide(repository.Provide),
	fx.Provide(func(s *entitlementservice.Service) map[string]domain.Handler {
		return s.Handlers()
	}),
	fx.Provide(fx.Annotate(
		NewAuditObserver,
		fx.ResultTags(`group:"webhook.observers"`),
	)),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
