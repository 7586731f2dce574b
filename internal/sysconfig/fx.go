package sysconfig

import (
	"github.com/smallbiznis/alertbilling/internal/sysconfig/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sysconfig.service",
	fx.Provide(service.NewService),
)
