package directdebit

import (
	"github.com/smallbiznis/alertbilling/internal/directdebit/repository"
	"github.com/smallbiznis/alertbilling/internal/directdebit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("directdebit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
