package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/publica/internal/jobqueue/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupJobDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id BIGINT PRIMARY KEY,
		external_event_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		run_at TIMESTAMP NOT NULL,
		claimed_at TIMESTAMP,
		payload TEXT,
		result TEXT,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	// SQLite requires an explicit UNIQUE index for ON CONFLICT to work
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_external_event_id ON jobs(external_event_id)`)

	return db
}

func newQueue(t *testing.T, db *gorm.DB) *Service {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Service{db: db, log: zap.NewNop(), genID: node}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()

	postID := svc.genID.Generate()
	job := &domain.Job{
		ExternalEventID: domain.PublishEventID(postID),
		Type:            domain.TypePublishPost,
	}

	created, err := svc.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	duplicate := &domain.Job{
		ExternalEventID: domain.PublishEventID(postID),
		Type:            domain.TypePublishPost,
	}
	created, err = svc.Enqueue(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM jobs`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestClaimDueClaimsEachJobOnce(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, &domain.Job{
			ExternalEventID: domain.PublishEventID(svc.genID.Generate()),
			Type:            domain.TypePublishPost,
			RunAt:           now.Add(-time.Minute),
		})
		require.NoError(t, err)
	}
	// A future job must not be claimed.
	_, err := svc.Enqueue(ctx, &domain.Job{
		ExternalEventID: domain.PublishEventID(svc.genID.Generate()),
		Type:            domain.TypePublishPost,
		RunAt:           now.Add(time.Hour),
	})
	require.NoError(t, err)

	claimed, err := svc.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
	for _, job := range claimed {
		assert.Equal(t, domain.StatusRunning, job.Status)
	}

	again, err := svc.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRetryLaterIncrementsAndReschedules(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	eventID := domain.PublishEventID(svc.genID.Generate())
	_, err := svc.Enqueue(ctx, &domain.Job{
		ExternalEventID: eventID,
		Type:            domain.TypePublishPost,
		RunAt:           now.Add(-time.Minute),
	})
	require.NoError(t, err)

	claimed, err := svc.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	nextRun := now.Add(domain.Backoff(0))
	require.NoError(t, svc.RetryLater(ctx, claimed[0].ID, nextRun, "rate limited"))

	job, err := svc.GetByEventID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "rate limited", job.LastError)

	// Not due until the backoff elapses.
	claimed, err = svc.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = svc.ClaimDue(ctx, nextRun.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRequeueStaleReclaimsCrashedWorkers(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()
	now := time.Now().UTC()
	lease := 10 * time.Minute

	_, err := svc.Enqueue(ctx, &domain.Job{
		ExternalEventID: domain.PublishEventID(svc.genID.Generate()),
		Type:            domain.TypePublishPost,
		RunAt:           now.Add(-time.Minute),
	})
	require.NoError(t, err)

	claimed, err := svc.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].ClaimedAt)

	// Inside the lease the running row belongs to its worker.
	requeued, err := svc.RequeueStale(ctx, now.Add(time.Minute), lease, 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)

	// Past the lease the worker is presumed dead and the job goes back
	// to pending with a spent retry.
	requeued, err = svc.RequeueStale(ctx, now.Add(lease+time.Minute), lease, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, domain.StatusPending, requeued[0].Status)
	assert.Equal(t, 1, requeued[0].RetryCount)

	job, err := svc.GetByEventID(ctx, claimed[0].ExternalEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "worker lease expired", job.LastError)
	assert.Nil(t, job.ClaimedAt)

	// And it is claimable again.
	claimed, err = svc.ClaimDue(ctx, now.Add(lease+2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestCompleteAndFailRequireRunning(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	eventID := domain.PublishEventID(svc.genID.Generate())
	_, err := svc.Enqueue(ctx, &domain.Job{
		ExternalEventID: eventID,
		Type:            domain.TypePublishPost,
		RunAt:           now.Add(-time.Minute),
	})
	require.NoError(t, err)

	job, err := svc.GetByEventID(ctx, eventID)
	require.NoError(t, err)

	// Pending jobs cannot be completed.
	err = svc.Complete(ctx, job.ID, nil)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	claimed, err := svc.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, svc.Complete(ctx, job.ID, nil))

	job, err = svc.GetByEventID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
}

func TestCancelByEventID(t *testing.T) {
	db := setupJobDB(t)
	svc := newQueue(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	eventID := domain.PublishEventID(svc.genID.Generate())
	_, err := svc.Enqueue(ctx, &domain.Job{
		ExternalEventID: eventID,
		Type:            domain.TypePublishPost,
		RunAt:           now.Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelByEventID(ctx, eventID))
	// Cancelling again is a no-op.
	require.NoError(t, svc.CancelByEventID(ctx, eventID))

	job, err := svc.GetByEventID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status)

	err = svc.CancelByEventID(ctx, "publish:missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	previous := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		delay := domain.Backoff(attempt)
		assert.GreaterOrEqual(t, delay, previous)
		assert.LessOrEqual(t, delay, time.Hour)
		previous = delay
	}
	assert.Equal(t, time.Minute, domain.Backoff(0))
	assert.Equal(t, 2*time.Minute, domain.Backoff(1))
	assert.Equal(t, time.Hour, domain.Backoff(9))
}
