package audit

import (
	"github.com/smallbiznis/alertbilling/internal/audit/repository"
	"github.com/smallbiznis/alertbilling/internal/audit/service"
	"go.uber.org/fx"
)

// Module records operator and scheduler actions on direct debits and
// settlements.
var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
