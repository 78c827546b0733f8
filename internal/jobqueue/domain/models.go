// Package domain contains the durable job queue models. Jobs survive process
// restarts; a scheduled publish exists as a row here from enqueue to its
// terminal state.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the execution state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Type names the work a job carries.
type Type string

const (
	TypePublishPost Type = "publish_post"
)

// MaxRetries is how many additional attempts a job gets after its first
// failure before it is marked failed for good.
const MaxRetries = 3

var (
	ErrJobNotFound   = errors.New("job_not_found")
	ErrInvalidJob    = errors.New("invalid_job")
	ErrJobNotPending = errors.New("job_not_pending")
)

// Job is one durable unit of work. ExternalEventID is the dedup key: two
// enqueues with the same id collapse into one row. ClaimedAt is the worker
// lease marker; a running job whose claim is old enough to have outlived
// its worker gets requeued.
type Job struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ExternalEventID string         `gorm:"type:text;not null;uniqueIndex"`
	Type            Type           `gorm:"type:text;not null"`
	Status          Status         `gorm:"type:text;not null;index"`
	RetryCount      int            `gorm:"not null;default:0"`
	RunAt           time.Time      `gorm:"not null;index"`
	ClaimedAt       *time.Time     `gorm:""`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	Result          datatypes.JSON `gorm:"type:jsonb"`
	LastError       string         `gorm:"type:text"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// PublishPayload is the payload of a publish_post job.
type PublishPayload struct {
	PostID snowflake.ID `json:"postId"`
	UserID snowflake.ID `json:"userId"`
}

// Service is the durable queue.
type Service interface {
	// Enqueue inserts the job unless its ExternalEventID already exists.
	// Returns true when a new row was created.
	Enqueue(ctx context.Context, job *Job) (bool, error)

	// ClaimDue atomically claims up to limit due pending jobs, moving them
	// to running. Each job is claimed by at most one caller.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// Complete finishes a running job with an optional result document.
	Complete(ctx context.Context, id snowflake.ID, result datatypes.JSON) error

	// Fail terminally fails a running job.
	Fail(ctx context.Context, id snowflake.ID, lastError string) error

	// RetryLater reschedules a running job for another attempt.
	RetryLater(ctx context.Context, id snowflake.ID, runAt time.Time, lastError string) error

	// Defer pushes a running job back to pending without spending a retry,
	// used when the platform pacer has no capacity.
	Defer(ctx context.Context, id snowflake.ID, runAt time.Time) error

	// RequeueStale returns running jobs claimed before now-lease to pending,
	// spending a retry each. These are jobs whose worker died mid attempt.
	RequeueStale(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)

	// CancelByEventID cancels a pending job, a no-op once the job runs.
	CancelByEventID(ctx context.Context, externalEventID string) error

	// GetByEventID loads a job by its dedup key, nil when absent.
	GetByEventID(ctx context.Context, externalEventID string) (*Job, error)
}

// Backoff returns the monotonic retry delay for a given attempt: one minute
// doubled per attempt, capped at an hour.
func Backoff(attempt int) time.Duration {
	delay := time.Minute
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}

// PublishEventID is the dedup key for a post's publish job.
func PublishEventID(postID snowflake.ID) string {
	return "publish:" + postID.String()
}
