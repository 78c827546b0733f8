// Package publication runs scheduled posts through their platform adapters.
//
// The executor claims durable jobs, moves the post scheduled -> publishing,
// settles credits on success and decides between retry and terminal failure
// on error. Skips for missing credits are terminal immediately: retrying
// cannot conjure credits and would burn attempts for nothing.
package publication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	"github.com/smallbiznis/publica/internal/clock"
	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	jobdomain "github.com/smallbiznis/publica/internal/jobqueue/domain"
	notifdomain "github.com/smallbiznis/publica/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/publica/internal/observability/metrics"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/internal/publisher/adapters"
	pubdomain "github.com/smallbiznis/publica/internal/publisher/domain"
	"github.com/smallbiznis/publica/internal/quota"
	usagedomain "github.com/smallbiznis/publica/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	claimBatchSize = 50
	pacerDeferral  = 30 * time.Second
	publishTimeout = 60 * time.Second

	// jobLeaseTimeout is how long a claimed job may sit in running before
	// its worker is presumed dead. Well above publishTimeout so a slow
	// attempt is never reclaimed from under a live worker.
	jobLeaseTimeout = 10 * time.Minute
)

// Pacer throttles outbound publishes per platform. A nil pacer admits
// everything.
type Pacer interface {
	Allow(ctx context.Context, platform string) (bool, error)
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Posts         postdomain.Service
	Jobs          jobdomain.Service
	Credits       creditdomain.Service
	Accounts      accountdomain.Service
	Connections   conndomain.Service
	Registry      *adapters.Registry
	Quota         *quota.Evaluator
	Usage         usagedomain.Service
	Notifications notifdomain.Service
	Pacer         Pacer               `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Executor struct {
	log           *zap.Logger
	clock         clock.Clock
	posts         postdomain.Service
	jobs          jobdomain.Service
	credits       creditdomain.Service
	accounts      accountdomain.Service
	connections   conndomain.Service
	registry      *adapters.Registry
	quota         *quota.Evaluator
	usage         usagedomain.Service
	notifications notifdomain.Service
	pacer         Pacer
	obsMetrics    *obsmetrics.Metrics
}

func NewExecutor(p Params) *Executor {
	return &Executor{
		log:           p.Log.Named("publication.executor"),
		clock:         p.Clock,
		posts:         p.Posts,
		jobs:          p.Jobs,
		credits:       p.Credits,
		accounts:      p.Accounts,
		connections:   p.Connections,
		registry:      p.Registry,
		quota:         p.Quota,
		usage:         p.Usage,
		notifications: p.Notifications,
		pacer:         p.Pacer,
		obsMetrics:    p.ObsMetrics,
	}
}

// RunOnce claims a batch of due jobs and processes them sequentially.
// Per job failures are joined, not fatal: one bad post must not stall
// the rest of the queue.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	now := e.clock.Now().UTC()
	jobs, err := e.jobs.ClaimDue(ctx, now, claimBatchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	for i := range jobs {
		if err := e.process(ctx, &jobs[i]); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jobs[i].ExternalEventID, err))
		}
	}
	return len(jobs), errors.Join(errs...)
}

func (e *Executor) process(ctx context.Context, job *jobdomain.Job) error {
	var payload jobdomain.PublishPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.PostID == 0 {
		e.log.Error("malformed publish payload", zap.String("event_id", job.ExternalEventID))
		return e.jobs.Fail(ctx, job.ID, "malformed_payload")
	}

	log := e.log.With(
		zap.String("post_id", payload.PostID.String()),
		zap.String("event_id", job.ExternalEventID),
		zap.Int("retry_count", job.RetryCount),
	)

	post, err := e.posts.BeginPublishing(ctx, payload.PostID)
	if err != nil {
		if errors.Is(err, postdomain.ErrInvalidTransition) {
			// Cancelled, already posted or failed elsewhere. The job has
			// nothing left to do.
			log.Info("post no longer scheduled, completing job")
			return e.jobs.Complete(ctx, job.ID, mustJSON(map[string]string{"outcome": "stale"}))
		}
		if errors.Is(err, postdomain.ErrPostNotFound) {
			return e.jobs.Fail(ctx, job.ID, "post_not_found")
		}
		return err
	}

	// Credits are verified at execution time: the balance may have drained
	// since scheduling.
	hold, err := e.credits.PendingReservation(ctx, post.ID)
	if err != nil {
		return e.retryOrFail(ctx, job, post, err)
	}
	if hold == nil {
		available, err := e.credits.Available(ctx, post.UserID)
		if err != nil {
			return e.retryOrFail(ctx, job, post, err)
		}
		if available < post.CreditCost {
			return e.skip(ctx, job, post)
		}
	}

	// Daily platform cap, read fresh at the moment of admission. A full
	// counter is not a failure: it resets at the next UTC midnight, so the
	// job waits it out without spending retries.
	user, err := e.accounts.GetByID(ctx, post.UserID)
	if err != nil {
		return e.retryOrFail(ctx, job, post, err)
	}
	postedToday, err := e.usage.Count(ctx, post.UserID, usagedomain.MetricPost, post.Platform, e.clock.Now())
	if err != nil {
		return e.retryOrFail(ctx, job, post, err)
	}
	if decision := e.quota.CanPost(string(user.Tier), post.Platform, int(postedToday)); !decision.Allowed {
		log.Info("daily platform cap reached, deferring job", zap.String("reason", decision.Message))
		if err := e.posts.RequeueForRetry(ctx, post.ID); err != nil {
			return err
		}
		return e.jobs.Defer(ctx, job.ID, nextUTCDay(e.clock.Now()))
	}

	cred, err := e.connections.GetCredential(ctx, post.UserID, post.Platform)
	if err != nil {
		if errors.Is(err, conndomain.ErrNotConnected) {
			return e.failTerminal(ctx, job, post, "platform not connected")
		}
		return e.retryOrFail(ctx, job, post, err)
	}

	adapter, err := e.registry.Adapter(post.Platform)
	if err != nil {
		return e.failTerminal(ctx, job, post, "unsupported platform")
	}

	if e.pacer != nil {
		allowed, err := e.pacer.Allow(ctx, post.Platform)
		if err != nil {
			log.Warn("pacer unavailable, proceeding", zap.Error(err))
		} else if !allowed {
			log.Info("platform pacing, deferring job")
			if err := e.posts.RequeueForRetry(ctx, post.ID); err != nil {
				return err
			}
			return e.jobs.Defer(ctx, job.ID, e.clock.Now().UTC().Add(pacerDeferral))
		}
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var media []string
	if len(post.MediaURLs) > 0 {
		_ = json.Unmarshal(post.MediaURLs, &media)
	}

	result, err := adapter.Publish(publishCtx, pubdomain.PublishRequest{
		PostID:     post.ID,
		Text:       post.Content,
		MediaURLs:  media,
		Credential: *cred,
	})
	if err != nil {
		e.obsMetrics.RecordPublishAttempt(ctx, post.Platform, "error")
		if pubdomain.IsPermanent(err) {
			return e.failTerminal(ctx, job, post, err.Error())
		}
		return e.retryOrFail(ctx, job, post, err)
	}

	e.obsMetrics.RecordPublishAttempt(ctx, post.Platform, "success")
	return e.settle(ctx, job, post, hold != nil, result)
}

// settle records success: the hold is consumed (or the cost deducted
// directly when no hold survived), the post becomes posted and usage is
// counted. Credit settlement runs first so a crash between steps can only
// leave a consumed hold with a publishing post, which the terminal handler
// tolerates.
func (e *Executor) settle(ctx context.Context, job *jobdomain.Job, post *postdomain.Post, held bool, result *pubdomain.PublishResult) error {
	if held {
		if err := e.credits.ConsumeByPost(ctx, post.ID); err != nil {
			return err
		}
	} else {
		if err := e.credits.DirectDeduct(ctx, post.UserID, post.CreditCost, "post:"+post.ID.String()); err != nil {
			return err
		}
	}

	if err := e.posts.CompletePublished(ctx, post.ID, result.ExternalPostID, result.PermalinkURL, result.PublishedAt); err != nil {
		return err
	}

	if err := e.usage.Increment(ctx, post.UserID, usagedomain.MetricPost, post.Platform, e.clock.Now()); err != nil {
		// Usage counters are advisory, the publish already happened.
		e.log.Warn("usage increment failed", zap.Error(err), zap.String("post_id", post.ID.String()))
	}

	e.log.Info("post published",
		zap.String("post_id", post.ID.String()),
		zap.String("platform", post.Platform),
		zap.String("external_post_id", result.ExternalPostID),
	)
	return e.jobs.Complete(ctx, job.ID, mustJSON(map[string]string{
		"outcome":        "published",
		"externalPostId": result.ExternalPostID,
		"permalinkUrl":   result.PermalinkURL,
	}))
}

// skip handles insufficient credits at execution time. No retry: the post
// fails now and the user is told why.
func (e *Executor) skip(ctx context.Context, job *jobdomain.Job, post *postdomain.Post) error {
	e.obsMetrics.RecordPublishAttempt(ctx, post.Platform, "skipped")
	e.log.Info("publish skipped, insufficient credits",
		zap.String("post_id", post.ID.String()),
		zap.String("user_id", post.UserID.String()),
	)

	if err := e.posts.MarkFailed(ctx, post.ID, "insufficient credits"); err != nil {
		return err
	}
	if err := e.notifications.Notify(ctx, post.UserID, notifdomain.TypePublishSkipped,
		"Post skipped", "Your scheduled post was skipped because you ran out of credits.", post.ID); err != nil {
		e.log.Warn("skip notification failed", zap.Error(err))
	}
	return e.jobs.Fail(ctx, job.ID, "insufficient_credits")
}

// retryOrFail reschedules a retryable failure with backoff, or hands off to
// the terminal handler once retries are exhausted.
func (e *Executor) retryOrFail(ctx context.Context, job *jobdomain.Job, post *postdomain.Post, cause error) error {
	if job.RetryCount >= jobdomain.MaxRetries {
		return e.failTerminal(ctx, job, post, fmt.Sprintf("retries exhausted: %v", cause))
	}

	if metrics := obsmetrics.Executor(); metrics != nil {
		metrics.IncAttemptRetry(post.Platform)
	}
	delay := jobdomain.Backoff(job.RetryCount)
	e.log.Warn("publish attempt failed, retrying",
		zap.String("post_id", post.ID.String()),
		zap.Int("retry_count", job.RetryCount),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	if err := e.posts.RequeueForRetry(ctx, post.ID); err != nil {
		return err
	}
	return e.jobs.RetryLater(ctx, job.ID, e.clock.Now().UTC().Add(delay), cause.Error())
}

// failTerminal is the terminal failure handler: release the hold, fail the
// post, notify the user, fail the job. Every step is idempotent so a crash
// mid way is safe to replay.
func (e *Executor) failTerminal(ctx context.Context, job *jobdomain.Job, post *postdomain.Post, reason string) error {
	e.log.Warn("publish failed terminally",
		zap.String("post_id", post.ID.String()),
		zap.String("reason", reason),
	)

	if err := e.credits.ReleaseByPost(ctx, post.ID); err != nil &&
		!errors.Is(err, creditdomain.ErrReservationNotFound) &&
		!errors.Is(err, creditdomain.ErrReservationNotPending) {
		return err
	}
	if err := e.posts.MarkFailed(ctx, post.ID, reason); err != nil {
		return err
	}
	if err := e.notifications.Notify(ctx, post.UserID, notifdomain.TypePublishFailed,
		"Post failed", "Your scheduled post could not be published: "+reason, post.ID); err != nil {
		e.log.Warn("failure notification failed", zap.Error(err))
	}
	return e.jobs.Fail(ctx, job.ID, reason)
}

// RequeueStalled reclaims jobs whose worker died mid attempt: running rows
// with an expired lease go back to pending with a spent retry, and their
// posts return from publishing to scheduled so the next run resumes them.
// Posts already settled terminally are left alone.
func (e *Executor) RequeueStalled(ctx context.Context) (int, error) {
	now := e.clock.Now().UTC()
	requeued, err := e.jobs.RequeueStale(ctx, now, jobLeaseTimeout, claimBatchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	for i := range requeued {
		var payload jobdomain.PublishPayload
		if err := json.Unmarshal(requeued[i].Payload, &payload); err != nil || payload.PostID == 0 {
			continue
		}
		if err := e.posts.RequeueForRetry(ctx, payload.PostID); err != nil &&
			!errors.Is(err, postdomain.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("post %s: %w", payload.PostID, err))
		}
	}
	if len(requeued) > 0 {
		e.log.Warn("requeued stalled jobs", zap.Int("count", len(requeued)))
	}
	return len(requeued), errors.Join(errs...)
}

func nextUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
