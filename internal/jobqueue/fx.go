package jobqueue

import (
	"github.com/smallbiznis/publica/internal/jobqueue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("jobqueue.service",
	fx.Provide(service.NewService),
)
