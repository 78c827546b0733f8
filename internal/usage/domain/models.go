// Package domain contains the daily usage counter models backing quota
// admission checks.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Metric names a counted dimension of daily usage.
type Metric string

const (
	MetricGeneration Metric = "generation"
	MetricPost       Metric = "post"
)

// DayFormat is how counter rows key their UTC day.
const DayFormat = "2006-01-02"

var (
	ErrInvalidMetric = errors.New("invalid_metric")
)

// DailyUsageCounter is one counted dimension for one user on one UTC day.
// Platform is empty for metrics that are not platform scoped.
type DailyUsageCounter struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;uniqueIndex:ux_daily_usage,priority:1"`
	Day       string       `gorm:"type:text;not null;uniqueIndex:ux_daily_usage,priority:2"`
	Metric    Metric       `gorm:"type:text;not null;uniqueIndex:ux_daily_usage,priority:3"`
	Platform  string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_daily_usage,priority:4"`
	Count     int64        `gorm:"not null;default:0"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyUsageCounter) TableName() string { return "daily_usage_counters" }

// Summary aggregates one user's counters for a single day.
type Summary struct {
	Generations   int64
	PostsTotal    int64
	PostsByTarget map[string]int64
}

// Service increments and reads daily usage counters.
type Service interface {
	// Increment bumps a counter by one via an atomic upsert.
	Increment(ctx context.Context, userID snowflake.ID, metric Metric, platform string, day time.Time) error

	// Count reads a single counter, zero when the row does not exist.
	Count(ctx context.Context, userID snowflake.ID, metric Metric, platform string, day time.Time) (int64, error)

	// DaySummary aggregates all counters for the user's UTC day.
	DaySummary(ctx context.Context, userID snowflake.ID, day time.Time) (Summary, error)
}
