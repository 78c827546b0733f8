package quota

import "go.uber.org/fx"

var Module = fx.Module("quota",
	fx.Provide(NewEvaluator),
)
