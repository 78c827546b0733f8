// Package domain contains the post lifecycle models.
//
// A post moves draft -> scheduled -> publishing -> posted, with failed and
// cancelled as the terminal side exits. Every transition is a conditional
// update on the current status, so concurrent writers cannot double apply.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a post.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusCancelled
}

// Post is one piece of content targeting one platform.
type Post struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID         snowflake.ID   `gorm:"not null;index" json:"user_id"`
	Platform       string         `gorm:"type:text;not null" json:"platform"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	MediaURLs      datatypes.JSON `gorm:"type:jsonb" json:"media_urls,omitempty"`
	Status         Status         `gorm:"type:text;not null;index" json:"status"`
	CreditCost     int64          `gorm:"not null;default:1" json:"credit_cost"`
	ScheduledAt    *time.Time     `gorm:"index" json:"scheduled_at,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	ExternalPostID string         `gorm:"type:text" json:"external_post_id,omitempty"`
	PermalinkURL   string         `gorm:"type:text" json:"permalink_url,omitempty"`
	FailureReason  string         `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Post) TableName() string { return "posts" }

// CreateInput is the caller supplied part of a new draft.
type CreateInput struct {
	Platform   string
	Content    string
	MediaURLs  []string
	CreditCost int64
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   Status
	Platform string
}
