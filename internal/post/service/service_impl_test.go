package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountservice "github.com/smallbiznis/publica/internal/account/service"
	"github.com/smallbiznis/publica/internal/clock"
	"github.com/smallbiznis/publica/internal/config"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	creditservice "github.com/smallbiznis/publica/internal/credit/service"
	"github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/internal/post/repository"
	"github.com/smallbiznis/publica/internal/quota"
	"github.com/smallbiznis/publica/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type postFixture struct {
	db      *gorm.DB
	svc     *Service
	credits creditdomain.Service
	node    *snowflake.Node
	clk     *clock.FakeClock
	userID  snowflake.ID
}

func setupPostFixture(t *testing.T, balance int64, quotaCfg config.QuotaConfig) *postFixture {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// Create tables manually to match production schema
	db.Exec(`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		email TEXT NOT NULL,
		handle TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'free',
		credit_balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS posts (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		platform TEXT NOT NULL,
		content TEXT NOT NULL,
		media_urls TEXT,
		status TEXT NOT NULL,
		credit_cost BIGINT NOT NULL DEFAULT 1,
		scheduled_at TIMESTAMP,
		published_at TIMESTAMP,
		external_post_id TEXT,
		permalink_url TEXT,
		failure_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS credit_reservations (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		post_id BIGINT NOT NULL,
		credits BIGINT NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS credit_transactions (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		source TEXT NOT NULL,
		reference TEXT,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	credits := creditservice.NewService(creditservice.Params{DB: db, Log: logger, GenID: node})
	accounts := accountservice.NewService(accountservice.Params{DB: db, Log: logger, GenID: node})

	userID := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO users (id, email, handle, tier, credit_balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, "demo@example.com", "demo", "free", balance, now, now,
	).Error)

	svc := &Service{
		db:             db,
		log:            logger,
		genID:          node,
		clock:          clk,
		repo:           repository.Provide(),
		quota:          quota.NewEvaluator(quota.Params{Quotas: config.NewStaticQuotaHolder(quotaCfg), Log: logger}),
		accounts:       accounts,
		credits:        credits,
		reservationTTL: 72 * time.Hour,
	}

	return &postFixture{db: db, svc: svc, credits: credits, node: node, clk: clk, userID: userID}
}

func draftInput() domain.CreateInput {
	return domain.CreateInput{Platform: "twitter", Content: "hello world"}
}

func TestScheduleReservesCredits(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, post.Status)

	scheduledAt := f.clk.Now().Add(2 * time.Hour)
	scheduled, err := f.svc.Schedule(ctx, f.userID, post.ID, scheduledAt)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, scheduled.Status)
	require.NotNil(t, scheduled.ScheduledAt)

	reservation, err := f.credits.PendingReservation(ctx, post.ID)
	require.NoError(t, err)
	require.NotNil(t, reservation)
	assert.Equal(t, creditdomain.ReservationStatusPending, reservation.Status)
	assert.Equal(t, int64(1), reservation.Credits)

	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), available)
}

func TestScheduleInsufficientCreditsRollsBack(t *testing.T) {
	f := setupPostFixture(t, 0, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)

	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	// The whole transaction rolled back, the post is still a draft.
	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, reloaded.Status)
}

func TestScheduleQuotaExceeded(t *testing.T) {
	cfg := config.QuotaConfig{Tiers: map[string]config.TierLimits{
		"free": {DailyGenerations: 5, DailyPostsPerSite: 3, MaxScheduledQueue: 1, AdvanceDays: 7},
	}}
	f := setupPostFixture(t, 10, cfg)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, first.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	second, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, second.ID, f.clk.Now().Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// No hold leaked for the denied post.
	reservation, err := f.credits.PendingReservation(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, reservation)
}

func TestScheduleRejectsPastTime(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)

	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)
}

func TestScheduleBeyondAdvanceWindow(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)

	// Free tier allows 7 days ahead.
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(10*24*time.Hour))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestCancelScheduledReleasesHold(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, f.userID, post.ID))

	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, reloaded.Status)

	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)

	// Cancelling twice is rejected.
	err = f.svc.Cancel(ctx, f.userID, post.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelDraft(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, f.userID, post.ID))

	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, reloaded.Status)
}

func TestBeginPublishingClaimsOnce(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	claimed, err := f.svc.BeginPublishing(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublishing, claimed.Status)

	_, err = f.svc.BeginPublishing(ctx, post.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCompletePublished(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.svc.BeginPublishing(ctx, post.ID)
	require.NoError(t, err)

	publishedAt := time.Now().UTC()
	require.NoError(t, f.svc.CompletePublished(ctx, post.ID, "ext-1", "https://example.com/p/1", publishedAt))

	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, reloaded.Status)
	assert.Equal(t, "ext-1", reloaded.ExternalPostID)
	require.NotNil(t, reloaded.PublishedAt)
}

func TestMarkFailedIsIdempotent(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.svc.BeginPublishing(ctx, post.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkFailed(ctx, post.ID, "platform rejected the post"))
	require.NoError(t, f.svc.MarkFailed(ctx, post.ID, "platform rejected the post"))

	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, reloaded.Status)
	assert.Equal(t, "platform rejected the post", reloaded.FailureReason)
}

func TestScheduleRejectsFailedPost(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.svc.BeginPublishing(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkFailed(ctx, post.ID, "boom"))
	require.NoError(t, f.credits.ReleaseByPost(ctx, post.ID))

	// Failed is terminal: scheduling it again is rejected and the post
	// has to be recreated.
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	reloaded, err := f.svc.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, reloaded.Status)
	assert.Equal(t, "boom", reloaded.FailureReason)

	// The rejected attempt took no new hold and locked no credits.
	reservation, err := f.credits.PendingReservation(ctx, post.ID)
	require.NoError(t, err)
	assert.Nil(t, reservation)

	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestScheduleRejectsAlreadyScheduledPost(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	post, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = f.svc.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestListDueOrdersByScheduledAt(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	late, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	early, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	future, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)

	_, err = f.svc.Schedule(ctx, f.userID, late.ID, f.clk.Now().Add(2*time.Hour))
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, early.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, f.userID, future.ID, f.clk.Now().Add(48*time.Hour))
	require.NoError(t, err)

	due, err := f.svc.ListDue(ctx, f.clk.Now().Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
}

func TestListFiltersAndOwnership(t *testing.T) {
	f := setupPostFixture(t, 10, config.DefaultQuotaConfig())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.userID, draftInput())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.userID, domain.CreateInput{Platform: "linkedin", Content: "another"})
	require.NoError(t, err)

	posts, err := f.svc.List(ctx, f.userID, domain.ListFilter{Platform: "linkedin"}, pagination.Pagination{})
	require.NoError(t, err)
	assert.Len(t, posts, 1)

	// Another user cannot read the post.
	otherUser := f.node.Generate()
	_, err = f.svc.Get(ctx, otherUser, posts[0].ID)
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}
