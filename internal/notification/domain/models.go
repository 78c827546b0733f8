// Package domain contains the user facing notification models. Notifications
// are best effort: failures to write one never fail the operation that
// produced it.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Type classifies a notification for dedup and rendering.
type Type string

const (
	TypePublishFailed       Type = "publish_failed"
	TypePublishSkipped      Type = "publish_skipped"
	TypeCreditsLow          Type = "credits_low"
	TypeCreditsGranted      Type = "credits_granted"
	TypeConnectionExpired   Type = "connection_expired"
	TypeSubscriptionChanged Type = "subscription_changed"
)

var ErrNotificationNotFound = errors.New("notification_not_found")

// Notification is one inbox entry for a user. PostID is zero when the
// notification is not about a specific post.
type Notification struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	Type      Type         `gorm:"type:text;not null"`
	Title     string       `gorm:"type:text;not null"`
	Body      string       `gorm:"type:text"`
	PostID    snowflake.ID `gorm:"index"`
	ReadAt    *time.Time
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Service writes and reads the notification inbox.
type Service interface {
	// Notify writes a notification unless an identical one (same user, type
	// and post) was written in the last 24 hours. The suppression window is
	// best effort, not a uniqueness guarantee.
	Notify(ctx context.Context, userID snowflake.ID, ntype Type, title, body string, postID snowflake.ID) error

	// List returns the user's notifications, newest first.
	List(ctx context.Context, userID snowflake.ID, unreadOnly bool, limit int) ([]Notification, error)

	// MarkRead stamps a notification as read.
	MarkRead(ctx context.Context, userID, notificationID snowflake.ID) error

	// PurgeExpired deletes notifications past their expiry and returns how
	// many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
