package ratelimit

import (
	"github.com/smallbiznis/publica/internal/publication"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(NewTokenBucket),
	fx.Provide(NewPublishPacer),
	fx.Provide(func(p *PublishPacer) publication.Pacer { return p }),
)
