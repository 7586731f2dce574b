package ledger

import (
	"github.com/smallbiznis/alertbilling/internal/ledger/service"
	"go.uber.org/fx"
)

// Module provides the double-entry journal used by every posting flow.
var Module = fx.Module("ledger",
	fx.Provide(service.NewService),
)
