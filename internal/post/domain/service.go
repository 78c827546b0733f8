package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/publica/pkg/db/pagination"
)

// Service owns post lifecycle transitions. Scheduling combines the quota
// check and the credit hold in a single transaction.
type Service interface {
	Create(ctx context.Context, userID snowflake.ID, input CreateInput) (*Post, error)
	Get(ctx context.Context, userID, postID snowflake.ID) (*Post, error)
	List(ctx context.Context, userID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*Post, error)
	UpdateDraft(ctx context.Context, userID, postID snowflake.ID, input CreateInput) (*Post, error)

	// Schedule admits the post against the user's tier quota, reserves its
	// credit cost and moves it draft -> scheduled, all atomically.
	Schedule(ctx context.Context, userID, postID snowflake.ID, scheduledAt time.Time) (*Post, error)

	// Cancel moves a draft or scheduled post to cancelled and releases any
	// pending credit hold.
	Cancel(ctx context.Context, userID, postID snowflake.ID) error

	CountScheduled(ctx context.Context, userID snowflake.ID) (int64, error)

	// BeginPublishing claims a due post for execution, scheduled -> publishing.
	// Returns ErrInvalidTransition when another worker got there first.
	BeginPublishing(ctx context.Context, postID snowflake.ID) (*Post, error)

	// CompletePublished records the platform acknowledgement, publishing -> posted.
	CompletePublished(ctx context.Context, postID snowflake.ID, externalPostID, permalinkURL string, publishedAt time.Time) error

	// MarkFailed records a terminal failure from scheduled or publishing.
	MarkFailed(ctx context.Context, postID snowflake.ID, reason string) error

	// RequeueForRetry moves a post back publishing -> scheduled so a later
	// attempt can claim it again.
	RequeueForRetry(ctx context.Context, postID snowflake.ID) error

	// ListDue returns scheduled posts whose time has come, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Post, error)
}
