package publication

import "go.uber.org/fx"

var Module = fx.Module("publication",
	fx.Provide(NewDispatcher),
	fx.Provide(NewExecutor),
)
