package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	notifdomain "github.com/smallbiznis/publica/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/publica/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	suppressionWindow = 24 * time.Hour
	defaultRetention  = 30 * 24 * time.Hour
	defaultListLimit  = 50
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) notifdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("notification.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

// Notify appends a notification unless the user already has an unread one
// of the same type from the last 24 hours. The suppression is a best-effort
// read-then-insert, not a uniqueness guarantee.
func (s *Service) Notify(ctx context.Context, userID snowflake.ID, ntype notifdomain.Type, title, body string, postID snowflake.ID) error {
	now := time.Now().UTC()

	var recent int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM notifications
		 WHERE user_id = ? AND type = ? AND read_at IS NULL AND created_at > ?`,
		userID, string(ntype), now.Add(-suppressionWindow),
	).Scan(&recent).Error
	if err != nil {
		return err
	}
	if recent > 0 {
		s.log.Debug("notification suppressed",
			zap.String("user_id", userID.String()),
			zap.String("type", string(ntype)),
		)
		return nil
	}

	err = s.db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, user_id, type, title, body, post_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), userID, string(ntype), title, body, postID,
		now.Add(defaultRetention), now,
	).Error
	if err != nil {
		return err
	}
	s.obsMetrics.RecordNotification(ctx, string(ntype))
	return nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, unreadOnly bool, limit int) ([]notifdomain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var notifications []notifdomain.Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE notifications SET read_at = ? WHERE id = ? AND user_id = ? AND read_at IS NULL`,
		time.Now().UTC(), notificationID, userID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := s.db.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM notifications WHERE id = ? AND user_id = ?`,
			notificationID, userID,
		).Scan(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return notifdomain.ErrNotificationNotFound
		}
	}
	return nil
}

func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM notifications WHERE expires_at <= ?`, now.UTC(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	purged := int(result.RowsAffected)
	if purged > 0 {
		s.log.Info("purged expired notifications", zap.Int("count", purged))
	}
	return purged, nil
}
