package billingwebhook

import (
	"github.com/smallbiznis/publica/internal/billingwebhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingwebhook.service",
	fx.Provide(service.NewService),
)
