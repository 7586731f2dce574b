package alert

import (
	"github.com/smallbiznis/alertbilling/internal/alert/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.repository",
	fx.Provide(repository.Provide),
)
