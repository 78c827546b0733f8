// Publica monolith: API server, background scheduler and publish executor
// in one process. Deployments that split the workload run apps/worker for
// the jobs and set SCHEDULER_ENABLED_JOBS=none here to keep this binary
// API-only.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/publica/internal/account"
	"github.com/smallbiznis/publica/internal/billingwebhook"
	"github.com/smallbiznis/publica/internal/clock"
	"github.com/smallbiznis/publica/internal/config"
	"github.com/smallbiznis/publica/internal/connection"
	"github.com/smallbiznis/publica/internal/credit"
	"github.com/smallbiznis/publica/internal/jobqueue"
	"github.com/smallbiznis/publica/internal/migration"
	"github.com/smallbiznis/publica/internal/notification"
	"github.com/smallbiznis/publica/internal/observability"
	"github.com/smallbiznis/publica/internal/post"
	"github.com/smallbiznis/publica/internal/publication"
	"github.com/smallbiznis/publica/internal/publisher"
	"github.com/smallbiznis/publica/internal/quota"
	"github.com/smallbiznis/publica/internal/ratelimit"
	"github.com/smallbiznis/publica/internal/scheduler"
	"github.com/smallbiznis/publica/internal/server"
	"github.com/smallbiznis/publica/internal/usage"
	"github.com/smallbiznis/publica/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Domains
		account.Module,
		credit.Module,
		quota.Module,
		usage.Module,
		notification.Module,
		connection.Module,
		publisher.Module,
		post.Module,
		jobqueue.Module,
		publication.Module,
		billingwebhook.Module,

		// Surfaces
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
