package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/publica/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
	}
}

func (s *Service) Increment(ctx context.Context, userID snowflake.ID, metric usagedomain.Metric, platform string, day time.Time) error {
	if metric != usagedomain.MetricGeneration && metric != usagedomain.MetricPost {
		return usagedomain.ErrInvalidMetric
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO daily_usage_counters (id, user_id, day, metric, platform, count, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (user_id, day, metric, platform)
		 DO UPDATE SET count = daily_usage_counters.count + 1, updated_at = ?`,
		s.genID.Generate(), userID, day.UTC().Format(usagedomain.DayFormat),
		string(metric), platform, now, now,
	).Error
}

func (s *Service) Count(ctx context.Context, userID snowflake.ID, metric usagedomain.Metric, platform string, day time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(count), 0) FROM daily_usage_counters
		 WHERE user_id = ? AND day = ? AND metric = ? AND (? = '' OR platform = ?)`,
		userID, day.UTC().Format(usagedomain.DayFormat), string(metric), platform, platform,
	).Scan(&count).Error
	return count, err
}

func (s *Service) DaySummary(ctx context.Context, userID snowflake.ID, day time.Time) (usagedomain.Summary, error) {
	summary := usagedomain.Summary{PostsByTarget: map[string]int64{}}

	var rows []usagedomain.DailyUsageCounter
	err := s.db.WithContext(ctx).Raw(
		`SELECT metric, platform, count FROM daily_usage_counters WHERE user_id = ? AND day = ?`,
		userID, day.UTC().Format(usagedomain.DayFormat),
	).Scan(&rows).Error
	if err != nil {
		return summary, err
	}

	for _, row := range rows {
		switch row.Metric {
		case usagedomain.MetricGeneration:
			summary.Generations += row.Count
		case usagedomain.MetricPost:
			summary.PostsTotal += row.Count
			if row.Platform != "" {
				summary.PostsByTarget[row.Platform] += row.Count
			}
		}
	}
	return summary, nil
}
