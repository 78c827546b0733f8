package publication

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountservice "github.com/smallbiznis/publica/internal/account/service"
	"github.com/smallbiznis/publica/internal/clock"
	"github.com/smallbiznis/publica/internal/config"
	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	connservice "github.com/smallbiznis/publica/internal/connection/service"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	creditservice "github.com/smallbiznis/publica/internal/credit/service"
	jobdomain "github.com/smallbiznis/publica/internal/jobqueue/domain"
	jobservice "github.com/smallbiznis/publica/internal/jobqueue/service"
	notifdomain "github.com/smallbiznis/publica/internal/notification/domain"
	notifservice "github.com/smallbiznis/publica/internal/notification/service"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	postrepository "github.com/smallbiznis/publica/internal/post/repository"
	postservice "github.com/smallbiznis/publica/internal/post/service"
	"github.com/smallbiznis/publica/internal/publisher/adapters"
	pubdomain "github.com/smallbiznis/publica/internal/publisher/domain"
	"github.com/smallbiznis/publica/internal/quota"
	usagedomain "github.com/smallbiznis/publica/internal/usage/domain"
	usageservice "github.com/smallbiznis/publica/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	platform    string
	publishFn   func(req pubdomain.PublishRequest) (*pubdomain.PublishResult, error)
	publishHits int
}

func (f *fakeAdapter) Platform() string { return f.platform }
func (f *fakeAdapter) Publish(ctx context.Context, req pubdomain.PublishRequest) (*pubdomain.PublishResult, error) {
	f.publishHits++
	return f.publishFn(req)
}
func (f *fakeAdapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*pubdomain.Profile, error) {
	return &pubdomain.Profile{}, nil
}
func (f *fakeAdapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*pubdomain.TokenPair, error) {
	return &pubdomain.TokenPair{}, nil
}
func (f *fakeAdapter) Revoke(ctx context.Context, cred conndomain.Credential) error { return nil }

type denyAllPacer struct{}

func (denyAllPacer) Allow(ctx context.Context, platform string) (bool, error) { return false, nil }

type executorFixture struct {
	db         *gorm.DB
	clk        *clock.FakeClock
	node       *snowflake.Node
	userID     snowflake.ID
	adapter    *fakeAdapter
	executor   *Executor
	dispatcher *Dispatcher
	posts      postdomain.Service
	jobs       jobdomain.Service
	credits    creditdomain.Service
	notifs     notifdomain.Service
	usage      usagedomain.Service
}

func setupExecutorFixture(t *testing.T, balance int64) *executorFixture {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// Create tables manually to match production schema
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL,
			handle TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'free',
			credit_balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
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
		)`,
		`CREATE TABLE IF NOT EXISTS credit_reservations (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			post_id BIGINT NOT NULL,
			credits BIGINT NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			source TEXT NOT NULL,
			reference TEXT,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
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
		)`,
		`CREATE TABLE IF NOT EXISTS social_connections (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			platform TEXT NOT NULL,
			external_account_id TEXT NOT NULL,
			display_name TEXT,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_expires_at TIMESTAMP,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_usage_counters (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			day TEXT NOT NULL,
			metric TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			post_id BIGINT,
			read_at TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_external_event_id ON jobs(external_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_social_connections_user_platform ON social_connections(user_id, platform)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_daily_usage ON daily_usage_counters(user_id, day, metric, platform)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	credits := creditservice.NewService(creditservice.Params{DB: db, Log: logger, GenID: node})
	accounts := accountservice.NewService(accountservice.Params{DB: db, Log: logger, GenID: node})
	connections := connservice.NewService(connservice.Params{DB: db, Log: logger, GenID: node})
	usage := usageservice.NewService(usageservice.Params{DB: db, Log: logger, GenID: node})
	notifs := notifservice.NewService(notifservice.Params{DB: db, Log: logger, GenID: node})
	jobs := jobservice.NewService(jobservice.Params{DB: db, Log: logger, GenID: node})

	evaluator := quota.NewEvaluator(quota.Params{Quotas: config.NewStaticQuotaHolder(config.DefaultQuotaConfig()), Log: logger})

	posts := postservice.NewService(postservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		Clock:    clk,
		Config:   config.Config{ReservationTTL: 72 * time.Hour},
		Repo:     postrepository.Provide(),
		Quota:    evaluator,
		Accounts: accounts,
		Credits:  credits,
	})

	userID := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO users (id, email, handle, tier, credit_balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, "demo@example.com", "demo", "pro", balance, now, now,
	).Error)
	require.NoError(t, connections.Upsert(context.Background(), &conndomain.SocialConnection{
		UserID:            userID,
		Platform:          "twitter",
		ExternalAccountID: "tw-1",
		AccessToken:       "tok",
	}))

	adapter := &fakeAdapter{
		platform: "twitter",
		publishFn: func(req pubdomain.PublishRequest) (*pubdomain.PublishResult, error) {
			return &pubdomain.PublishResult{
				ExternalPostID: "ext-1",
				PermalinkURL:   "https://twitter.com/i/web/status/ext-1",
				PublishedAt:    time.Now().UTC(),
			}, nil
		},
	}

	executor := NewExecutor(Params{
		Log:           logger,
		Clock:         clk,
		Posts:         posts,
		Jobs:          jobs,
		Credits:       credits,
		Accounts:      accounts,
		Connections:   connections,
		Registry:      adapters.NewRegistry(adapter),
		Quota:         evaluator,
		Usage:         usage,
		Notifications: notifs,
	})
	dispatcher := NewDispatcher(DispatcherParams{Log: logger, Clock: clk, Posts: posts, Jobs: jobs})

	return &executorFixture{
		db:         db,
		clk:        clk,
		node:       node,
		userID:     userID,
		adapter:    adapter,
		executor:   executor,
		dispatcher: dispatcher,
		posts:      posts,
		jobs:       jobs,
		credits:    credits,
		notifs:     notifs,
		usage:      usage,
	}
}

// schedulePost creates and schedules a post one hour out, then advances the
// clock past the scheduled time and dispatches the publish job.
func (f *executorFixture) schedulePost(t *testing.T) *postdomain.Post {
	ctx := context.Background()
	post, err := f.posts.Create(ctx, f.userID, postdomain.CreateInput{Platform: "twitter", Content: "hello"})
	require.NoError(t, err)
	_, err = f.posts.Schedule(ctx, f.userID, post.ID, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	f.clk.Advance(61 * time.Minute)
	created, err := f.dispatcher.EnqueueDuePosts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	return post
}

func TestPublishHappyPath(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()
	post := f.schedulePost(t)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.adapter.publishHits)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusPosted, reloaded.Status)
	assert.Equal(t, "ext-1", reloaded.ExternalPostID)

	// Hold consumed, balance down by the cost.
	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), available)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusCompleted, job.Status)

	count, err := f.usage.Count(ctx, f.userID, usagedomain.MetricPost, "twitter", f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()
	f.schedulePost(t)

	// A second dispatcher pass finds the same due post but no new job.
	created, err := f.dispatcher.EnqueueDuePosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRetryThenExhaustion(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()

	f.adapter.publishFn = func(req pubdomain.PublishRequest) (*pubdomain.PublishResult, error) {
		return nil, pubdomain.NewPublishError("twitter", 503, "unavailable", "upstream down")
	}
	post := f.schedulePost(t)

	// Initial attempt plus MaxRetries rescheduled attempts.
	for attempt := 0; attempt <= jobdomain.MaxRetries; attempt++ {
		processed, err := f.executor.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, processed, "attempt %d", attempt)
		f.clk.Advance(jobdomain.Backoff(attempt) + time.Second)
	}
	assert.Equal(t, jobdomain.MaxRetries+1, f.adapter.publishHits)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.FailureReason, "retries exhausted")

	// Hold released, full balance available again.
	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)

	notifications, err := f.notifs.List(ctx, f.userID, false, 0)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, notifdomain.TypePublishFailed, notifications[0].Type)

	// Nothing left to run.
	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestSkipWhenCreditsGone(t *testing.T) {
	f := setupExecutorFixture(t, 1)
	ctx := context.Background()
	post := f.schedulePost(t)

	// Simulate the hold being swept and the balance drained before the run.
	require.NoError(t, f.credits.ReleaseByPost(ctx, post.ID))
	require.NoError(t, f.db.Exec(`UPDATE users SET credit_balance = 0 WHERE id = ?`, f.userID).Error)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// Skip is terminal and never reaches the platform.
	assert.Equal(t, 0, f.adapter.publishHits)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusFailed, reloaded.Status)
	assert.Equal(t, "insufficient credits", reloaded.FailureReason)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)
	assert.Equal(t, "insufficient_credits", job.LastError)

	notifications, err := f.notifs.List(ctx, f.userID, false, 0)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, notifdomain.TypePublishSkipped, notifications[0].Type)
}

func TestPermanentPlatformErrorFailsImmediately(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()

	f.adapter.publishFn = func(req pubdomain.PublishRequest) (*pubdomain.PublishResult, error) {
		return nil, pubdomain.NewPublishError("twitter", 403, "forbidden", "duplicate content")
	}
	post := f.schedulePost(t)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.adapter.publishHits)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusFailed, reloaded.Status)

	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestStaleJobCompletesWithoutPublishing(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()
	post := f.schedulePost(t)

	require.NoError(t, f.posts.Cancel(ctx, f.userID, post.ID))

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, f.adapter.publishHits)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusCompleted, job.Status)
}

func TestNotConnectedIsTerminal(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()
	post := f.schedulePost(t)

	require.NoError(t, f.db.Exec(
		`UPDATE social_connections SET status = 'revoked' WHERE user_id = ?`, f.userID,
	).Error)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, f.adapter.publishHits)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusFailed, reloaded.Status)
	assert.Equal(t, "platform not connected", reloaded.FailureReason)
}

func TestCrashedWorkerJobIsRequeuedAndResumed(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()
	post := f.schedulePost(t)

	// Simulate a worker that claimed the job and moved the post into
	// publishing, then died before settling anything.
	claimed, err := f.jobs.ClaimDue(ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = f.posts.BeginPublishing(ctx, post.ID)
	require.NoError(t, err)

	// While the lease is fresh the job stays with its (dead) worker.
	f.clk.Advance(time.Minute)
	requeued, err := f.executor.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	f.clk.Advance(jobLeaseTimeout)
	requeued, err = f.executor.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusScheduled, reloaded.Status)

	// The next pass picks the job up again and publishes.
	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.adapter.publishHits)

	reloaded, err = f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusPosted, reloaded.Status)

	available, err := f.credits.Available(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), available)
}

func TestDailyPlatformCapDefersToNextDay(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	ctx := context.Background()

	// Free tier allows three posts per platform per day; fill the counter.
	require.NoError(t, f.db.Exec(`UPDATE users SET tier = 'free' WHERE id = ?`, f.userID).Error)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.usage.Increment(ctx, f.userID, usagedomain.MetricPost, "twitter", f.clk.Now()))
	}
	post := f.schedulePost(t)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, f.adapter.publishHits)

	// Deferred past the UTC day boundary where the counter resets, with no
	// retry spent.
	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.False(t, job.RunAt.Before(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusScheduled, reloaded.Status)

	// On the new day the cap is clear and the publish goes out.
	f.clk.Advance(24 * time.Hour)
	processed, err = f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.adapter.publishHits)
}

func TestPacerDefersWithoutBurningRetries(t *testing.T) {
	f := setupExecutorFixture(t, 10)
	f.executor.pacer = denyAllPacer{}
	ctx := context.Background()
	post := f.schedulePost(t)

	processed, err := f.executor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, f.adapter.publishHits)

	job, err := f.jobs.GetByEventID(ctx, jobdomain.PublishEventID(post.ID))
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.RunAt.After(f.clk.Now()))

	// The post is back in the queue for the next pass.
	reloaded, err := f.posts.Get(ctx, f.userID, post.ID)
	require.NoError(t, err)
	assert.Equal(t, postdomain.StatusScheduled, reloaded.Status)
}
