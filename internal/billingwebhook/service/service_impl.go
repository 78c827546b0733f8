package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	webhookdomain "github.com/smallbiznis/publica/internal/billingwebhook/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	notifdomain "github.com/smallbiznis/publica/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/publica/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Accounts      accountdomain.Service
	Credits       creditdomain.Service
	Notifications notifdomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	accounts      accountdomain.Service
	credits       creditdomain.Service
	notifications notifdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("billingwebhook.service"),
		genID:         p.GenID,
		accounts:      p.Accounts,
		credits:       p.Credits,
		notifications: p.Notifications,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, provider string, payload []byte) (*webhookdomain.ProcessResult, error) {
	var event webhookdomain.EventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, webhookdomain.ErrInvalidEvent
	}

	now := time.Now().UTC()

	// The insert is the dedup gate: a replayed eventId inserts zero rows.
	insert := s.db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, provider, event_id, event_type, payload, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		s.genID.Generate(), provider, event.ID, event.Type, datatypes.JSON(payload),
		string(webhookdomain.StatusFailed), now,
	)
	if insert.Error != nil {
		return nil, insert.Error
	}
	if insert.RowsAffected == 0 {
		s.log.Info("webhook event replayed, ignoring",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, event.Type, "duplicate")
		return &webhookdomain.ProcessResult{Duplicate: true}, nil
	}

	status := s.handle(ctx, event)
	s.obsMetrics.RecordWebhookEvent(ctx, event.Type, string(status))
	return &webhookdomain.ProcessResult{Status: status}, nil
}

// handle runs the event's effect and stamps the stored row. The row starts
// failed so a crash between insert and handler leaves it visible to the
// reconciliation sweep.
func (s *Service) handle(ctx context.Context, event webhookdomain.EventPayload) webhookdomain.Status {
	var handlerErr error
	status := webhookdomain.StatusProcessed

	switch event.Type {
	case webhookdomain.EventOrderPaid:
		handlerErr = s.handleOrderPaid(ctx, event.Data)
	case webhookdomain.EventOrderRefunded:
		handlerErr = s.handleOrderRefunded(ctx, event.Data)
	case webhookdomain.EventSubscriptionChanged:
		handlerErr = s.handleSubscriptionChanged(ctx, event.Data)
	case webhookdomain.EventSubscriptionCanceled:
		handlerErr = s.handleSubscriptionCanceled(ctx, event.Data)
	default:
		status = webhookdomain.StatusIgnored
	}

	lastError := ""
	if handlerErr != nil {
		status = webhookdomain.StatusFailed
		lastError = handlerErr.Error()
		s.log.Error("webhook handler failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(handlerErr),
		)
	}

	if status != webhookdomain.StatusFailed {
		now := time.Now().UTC()
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE webhook_events SET status = ?, processed_at = ?, last_error = '' WHERE event_id = ?`,
			string(status), now, event.ID,
		).Error; err != nil {
			s.log.Error("webhook status update failed", zap.Error(err))
		}
	} else if lastError != "" {
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE webhook_events SET last_error = ? WHERE event_id = ?`,
			lastError, event.ID,
		).Error; err != nil {
			s.log.Error("webhook status update failed", zap.Error(err))
		}
	}
	return status
}

func (s *Service) handleOrderPaid(ctx context.Context, data webhookdomain.EventData) error {
	if data.UserID == 0 || data.Credits <= 0 {
		return webhookdomain.ErrInvalidEvent
	}
	if err := s.credits.Grant(ctx, data.UserID, data.Credits, creditdomain.SourcePurchase, "order:"+data.OrderID); err != nil {
		return err
	}
	if err := s.notifications.Notify(ctx, data.UserID, notifdomain.TypeCreditsGranted,
		"Credits added", "Your purchase was processed and credits were added to your account.", 0); err != nil {
		s.log.Warn("grant notification failed", zap.Error(err))
	}
	return nil
}

func (s *Service) handleOrderRefunded(ctx context.Context, data webhookdomain.EventData) error {
	if data.UserID == 0 || data.Credits <= 0 {
		return webhookdomain.ErrInvalidEvent
	}
	return s.credits.Revoke(ctx, data.UserID, data.Credits, creditdomain.SourceRefund, "order:"+data.OrderID)
}

func (s *Service) handleSubscriptionChanged(ctx context.Context, data webhookdomain.EventData) error {
	if data.UserID == 0 {
		return webhookdomain.ErrInvalidEvent
	}
	tier, err := accountdomain.NormalizeTier(data.Tier)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdateTier(ctx, data.UserID, tier); err != nil {
		return err
	}
	if err := s.notifications.Notify(ctx, data.UserID, notifdomain.TypeSubscriptionChanged,
		"Subscription updated", "Your subscription tier is now "+string(tier)+".", 0); err != nil {
		s.log.Warn("tier notification failed", zap.Error(err))
	}
	return nil
}

func (s *Service) handleSubscriptionCanceled(ctx context.Context, data webhookdomain.EventData) error {
	if data.UserID == 0 {
		return webhookdomain.ErrInvalidEvent
	}
	return s.accounts.UpdateTier(ctx, data.UserID, accountdomain.TierFree)
}

// ReprocessFailed re-runs the handler for events stuck in failed, oldest
// first. A failed row means the handler's effect did not apply, so running
// it again is safe.
func (s *Service) ReprocessFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []webhookdomain.WebhookEvent
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, payload, status, last_error, received_at, processed_at
		 FROM webhook_events
		 WHERE status = ?
		 ORDER BY received_at ASC
		 LIMIT ?`,
		webhookdomain.StatusFailed, limit,
	).Scan(&events).Error
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, stored := range events {
		var event webhookdomain.EventPayload
		if err := json.Unmarshal(stored.Payload, &event); err != nil {
			s.log.Error("stored webhook payload unreadable", zap.String("event_id", stored.EventID))
			continue
		}
		s.handle(ctx, event)
		retried++
	}
	if retried > 0 {
		s.log.Info("reprocessed failed webhook events", zap.Int("count", retried))
	}
	return retried, nil
}
