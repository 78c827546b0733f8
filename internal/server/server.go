package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	webhookdomain "github.com/smallbiznis/publica/internal/billingwebhook/domain"
	"github.com/smallbiznis/publica/internal/config"
	connectiondomain "github.com/smallbiznis/publica/internal/connection/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	notificationdomain "github.com/smallbiznis/publica/internal/notification/domain"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/internal/publisher/adapters"
	usagedomain "github.com/smallbiznis/publica/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	accountSvc      accountdomain.Service
	postSvc         postdomain.Service
	creditSvc       creditdomain.Service
	usageSvc        usagedomain.Service
	notificationSvc notificationdomain.Service
	connectionSvc   connectiondomain.Service
	webhookSvc      webhookdomain.Service
	registry        *adapters.Registry
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	AccountSvc      accountdomain.Service
	PostSvc         postdomain.Service
	CreditSvc       creditdomain.Service
	UsageSvc        usagedomain.Service
	NotificationSvc notificationdomain.Service
	ConnectionSvc   connectiondomain.Service
	WebhookSvc      webhookdomain.Service
	Registry        *adapters.Registry
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		accountSvc:      p.AccountSvc,
		postSvc:         p.PostSvc,
		creditSvc:       p.CreditSvc,
		usageSvc:        p.UsageSvc,
		notificationSvc: p.NotificationSvc,
		connectionSvc:   p.ConnectionSvc,
		webhookSvc:      p.WebhookSvc,
		registry:        p.Registry,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	// Provider callbacks authenticate with a shared secret, not a user.
	s.engine.POST("/v1/webhooks/payments/:provider", s.HandleBillingWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.UserRequired())

	// -------- Posts --------
	api.POST("/posts", s.CreatePost)
	api.GET("/posts", s.ListPosts)
	api.GET("/posts/:id", s.GetPost)
	api.PATCH("/posts/:id", s.UpdatePost)
	api.POST("/posts/:id/schedule", s.SchedulePost)
	api.POST("/posts/:id/cancel", s.CancelPost)

	// -------- Credits --------
	api.GET("/credits/balance", s.GetCreditBalance)

	// -------- Usage --------
	api.GET("/usage/today", s.GetUsageToday)

	// -------- Notifications --------
	api.GET("/notifications", s.ListNotifications)
	api.POST("/notifications/:id/read", s.MarkNotificationRead)

	// -------- Connections --------
	api.GET("/connections", s.ListConnections)
	api.GET("/connections/platforms", s.ListPlatforms)
	api.PUT("/connections/:platform", s.UpsertConnection)
	api.DELETE("/connections/:platform", s.RevokeConnection)
}
