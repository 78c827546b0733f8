package post

import (
	"github.com/smallbiznis/publica/internal/post/repository"
	"github.com/smallbiznis/publica/internal/post/service"
	"go.uber.org/fx"
)

var Module = fx.Module("post.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
