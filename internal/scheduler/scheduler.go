// Package scheduler drives the periodic background work of the system: it
// dispatches due posts into the job queue, runs claimed publish jobs,
// requeues jobs stranded by dead workers, sweeps expired credit
// reservations, replays failed webhook events, and purges old
// notifications. Each job takes a distributed lease so only one worker
// instance runs it at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/publica/internal/clock"
	obsmetrics "github.com/smallbiznis/publica/internal/observability/metrics"
	"github.com/smallbiznis/publica/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler missing required dependency")

// Narrow views over the services each job calls. Keeping these local makes
// the scheduler testable with plain stubs.
type (
	DispatchSource interface {
		EnqueueDuePosts(ctx context.Context) (int, error)
	}
	PublishRunner interface {
		RunOnce(ctx context.Context) (int, error)
	}
	StalledJobRequeuer interface {
		RequeueStalled(ctx context.Context) (int, error)
	}
	ReservationSweeper interface {
		SweepExpired(ctx context.Context, now time.Time) (int, error)
	}
	WebhookReconciler interface {
		ReprocessFailed(ctx context.Context, limit int) (int, error)
	}
	NotificationPurger interface {
		PurgeExpired(ctx context.Context, now time.Time) (int, error)
	}
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Dispatcher    DispatchSource
	Executor      PublishRunner
	Stalled       StalledJobRequeuer
	Credits       ReservationSweeper
	Webhooks      WebhookReconciler
	Notifications NotificationPurger
	Locker        *ratelimit.Locker `optional:"true"`
	Config        Config            `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	dispatcher    DispatchSource
	executor      PublishRunner
	stalled       StalledJobRequeuer
	credits       ReservationSweeper
	webhooks      WebhookReconciler
	notifications NotificationPurger
	locker        *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Dispatcher == nil || p.Executor == nil || p.Stalled == nil || p.Credits == nil || p.Webhooks == nil || p.Notifications == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler"),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		dispatcher:    p.Dispatcher,
		executor:      p.Executor,
		stalled:       p.Stalled,
		credits:       p.Credits,
		webhooks:      p.Webhooks,
		notifications: p.Notifications,
		locker:        p.Locker,
	}, nil
}

// RunOnce executes every enabled job once. Job failures are joined so one
// broken job never starves the rest of the table.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) (int, error)
	}{
		{"dispatch_due_posts", s.dispatcher.EnqueueDuePosts},
		{"run_publish_jobs", s.executor.RunOnce},
		{"requeue_stalled_jobs", s.stalled.RequeueStalled},
		{"sweep_reservations", func(ctx context.Context) (int, error) {
			return s.credits.SweepExpired(ctx, s.clock.Now())
		}},
		{"webhook_reconcile", func(ctx context.Context) (int, error) {
			return s.webhooks.ReprocessFailed(ctx, s.cfg.WebhookBatch)
		}},
		{"purge_notifications", func(ctx context.Context) (int, error) {
			return s.notifications.PurgeExpired(ctx, s.clock.Now())
		}},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	execMetrics := obsmetrics.Executor()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			execMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	lockKey := "publica:jobs:" + name
	token, acquired, err := s.locker.TryLock(parent, lockKey, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("job lock unavailable, running without lease",
			zap.String("job", name),
			zap.Error(err),
		)
	} else if !acquired {
		return nil
	}
	defer func() {
		if releaseErr := s.locker.Release(parent, lockKey, token); releaseErr != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(releaseErr))
		}
	}()

	start := s.clock.Now()
	runID := s.genID.Generate().String()
	log := s.log.With(zap.String("job", name), zap.String("run_id", runID))

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	execMetrics := obsmetrics.Executor()
	execMetrics.IncJobRun(name)

	processed, err := fn(ctx)
	execMetrics.ObserveJobDuration(name, time.Since(start))
	if processed > 0 {
		execMetrics.AddBatchProcessed(name, processed)
		log.Info("job finished",
			zap.Int("processed_count", processed),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	if err == nil {
		return nil
	}

	execMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout. The next tick picks up where this run stopped.
		execMetrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == name {
			return true
		}
	}
	return false
}
