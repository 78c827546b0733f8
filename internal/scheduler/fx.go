package scheduler

import (
	"context"

	webhookdomain "github.com/smallbiznis/publica/internal/billingwebhook/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	notificationdomain "github.com/smallbiznis/publica/internal/notification/domain"
	"github.com/smallbiznis/publica/internal/publication"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(d *publication.Dispatcher) DispatchSource { return d }),
	fx.Provide(func(e *publication.Executor) PublishRunner { return e }),
	fx.Provide(func(e *publication.Executor) StalledJobRequeuer { return e }),
	fx.Provide(func(s creditdomain.Service) ReservationSweeper { return s }),
	fx.Provide(func(s webhookdomain.Service) WebhookReconciler { return s }),
	fx.Provide(func(s notificationdomain.Service) NotificationPurger { return s }),
	fx.Provide(New),
	fx.Invoke(Run),
)

// Run starts the scheduler loop in the background and stops it with the app.
func Run(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
