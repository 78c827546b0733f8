package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/publica/internal/jobqueue/domain"
	"github.com/smallbiznis/publica/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) jobdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("jobqueue.service"),
		genID: p.GenID,
	}
}

func (s *Service) Enqueue(ctx context.Context, job *jobdomain.Job) (bool, error) {
	if strings.TrimSpace(job.ExternalEventID) == "" || job.Type == "" {
		return false, jobdomain.ErrInvalidJob
	}
	if job.ID == 0 {
		job.ID = s.genID.Generate()
	}
	if job.Status == "" {
		job.Status = jobdomain.StatusPending
	}
	now := time.Now().UTC()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO jobs (id, external_event_id, type, status, retry_count, run_at, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		job.ID, job.ExternalEventID, string(job.Type), string(job.Status),
		job.RetryCount, job.RunAt, job.Payload, job.CreatedAt, job.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) ClaimDue(ctx context.Context, now time.Time, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var candidates []jobdomain.Job
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, external_event_id, type, status, retry_count, run_at, claimed_at, payload, result, last_error, created_at, updated_at
		 FROM jobs
		 WHERE status = ? AND run_at <= ?
		 ORDER BY run_at ASC
		 LIMIT ?`+db.LockSuffix(s.db),
		jobdomain.StatusPending, now.UTC(), limit,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimedAt := now.UTC()
	claimed := make([]jobdomain.Job, 0, len(candidates))
	for _, job := range candidates {
		result := s.db.WithContext(ctx).Exec(
			`UPDATE jobs SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			jobdomain.StatusRunning, claimedAt, time.Now().UTC(), job.ID, jobdomain.StatusPending,
		)
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			// Another worker claimed it between select and update.
			continue
		}
		job.Status = jobdomain.StatusRunning
		job.ClaimedAt = &claimedAt
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// RequeueStale reclaims running jobs whose worker died mid attempt: the
// lease marker is older than lease, so nothing live is behind the row. A
// retry is spent on each so a crash-looping job still exhausts its budget.
func (s *Service) RequeueStale(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := now.UTC().Add(-lease)

	var stale []jobdomain.Job
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, external_event_id, type, status, retry_count, run_at, claimed_at, payload, result, last_error, created_at, updated_at
		 FROM jobs
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?
		 ORDER BY claimed_at ASC
		 LIMIT ?`,
		jobdomain.StatusRunning, cutoff, limit,
	).Scan(&stale).Error
	if err != nil {
		return nil, err
	}

	requeued := make([]jobdomain.Job, 0, len(stale))
	for _, job := range stale {
		result := s.db.WithContext(ctx).Exec(
			`UPDATE jobs SET status = ?, retry_count = retry_count + 1, run_at = ?, claimed_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			jobdomain.StatusPending, now.UTC(), "worker lease expired", time.Now().UTC(),
			job.ID, jobdomain.StatusRunning,
		)
		if result.Error != nil {
			return requeued, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		job.Status = jobdomain.StatusPending
		job.RetryCount++
		job.ClaimedAt = nil
		requeued = append(requeued, job)
	}
	if len(requeued) > 0 {
		s.log.Warn("requeued stale jobs", zap.Int("count", len(requeued)))
	}
	return requeued, nil
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID, result datatypes.JSON) error {
	return s.finish(ctx, id, jobdomain.StatusCompleted, result, "")
}

func (s *Service) Fail(ctx context.Context, id snowflake.ID, lastError string) error {
	return s.finish(ctx, id, jobdomain.StatusFailed, nil, lastError)
}

func (s *Service) finish(ctx context.Context, id snowflake.ID, status jobdomain.Status, result datatypes.JSON, lastError string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, result = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), result, lastError, time.Now().UTC(), id, jobdomain.StatusRunning,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrJobNotFound
	}
	return nil
}

func (s *Service) RetryLater(ctx context.Context, id snowflake.ID, runAt time.Time, lastError string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, retry_count = retry_count + 1, run_at = ?, claimed_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		jobdomain.StatusPending, runAt.UTC(), lastError, time.Now().UTC(), id, jobdomain.StatusRunning,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrJobNotFound
	}
	return nil
}

func (s *Service) Defer(ctx context.Context, id snowflake.ID, runAt time.Time) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, run_at = ?, claimed_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		jobdomain.StatusPending, runAt.UTC(), time.Now().UTC(), id, jobdomain.StatusRunning,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrJobNotFound
	}
	return nil
}

func (s *Service) CancelByEventID(ctx context.Context, externalEventID string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE external_event_id = ? AND status = ?`,
		jobdomain.StatusCancelled, time.Now().UTC(), externalEventID, jobdomain.StatusPending,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		job, err := s.GetByEventID(ctx, externalEventID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}
		if job.Status != jobdomain.StatusCancelled {
			return jobdomain.ErrJobNotPending
		}
	}
	return nil
}

func (s *Service) GetByEventID(ctx context.Context, externalEventID string) (*jobdomain.Job, error) {
	var jobs []jobdomain.Job
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, external_event_id, type, status, retry_count, run_at, claimed_at, payload, result, last_error, created_at, updated_at
		 FROM jobs WHERE external_event_id = ?`,
		externalEventID,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}
