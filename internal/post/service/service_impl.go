package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	"github.com/smallbiznis/publica/internal/clock"
	"github.com/smallbiznis/publica/internal/config"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/internal/post/repository"
	"github.com/smallbiznis/publica/internal/quota"
	"github.com/smallbiznis/publica/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxContentLength = 10000

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     repository.Repository
	Quota    *quota.Evaluator
	Accounts accountdomain.Service
	Credits  creditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     repository.Repository
	quota    *quota.Evaluator
	accounts accountdomain.Service
	credits  creditdomain.Service

	reservationTTL time.Duration
}

func NewService(p Params) postdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("post.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		quota:          p.Quota,
		accounts:       p.Accounts,
		credits:        p.Credits,
		reservationTTL: p.Config.ReservationTTL,
	}
}

func (s *Service) Create(ctx context.Context, userID snowflake.ID, input postdomain.CreateInput) (*postdomain.Post, error) {
	post, err := s.buildDraft(userID, input)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, s.db, post); err != nil {
		return nil, err
	}
	return post, nil
}

func (s *Service) Get(ctx context.Context, userID, postID snowflake.ID) (*postdomain.Post, error) {
	post, err := s.repo.FindByID(ctx, s.db, postID)
	if err != nil {
		return nil, err
	}
	if post == nil || post.UserID != userID {
		return nil, postdomain.ErrPostNotFound
	}
	return post, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, filter postdomain.ListFilter, page pagination.Pagination) ([]*postdomain.Post, error) {
	return s.repo.List(ctx, s.db, userID, filter, page)
}

func (s *Service) UpdateDraft(ctx context.Context, userID, postID snowflake.ID, input postdomain.CreateInput) (*postdomain.Post, error) {
	post, err := s.Get(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != postdomain.StatusDraft {
		return nil, postdomain.ErrInvalidTransition
	}

	draft, err := s.buildDraft(userID, input)
	if err != nil {
		return nil, err
	}
	post.Platform = draft.Platform
	post.Content = draft.Content
	post.MediaURLs = draft.MediaURLs
	post.CreditCost = draft.CreditCost

	if err := s.repo.UpdateContent(ctx, s.db, post); err != nil {
		return nil, err
	}
	return post, nil
}

func (s *Service) Schedule(ctx context.Context, userID, postID snowflake.ID, scheduledAt time.Time) (*postdomain.Post, error) {
	now := s.clock.Now().UTC()
	scheduledAt = scheduledAt.UTC()
	if !scheduledAt.After(now) {
		return nil, postdomain.ErrInvalidSchedule
	}

	user, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var scheduled *postdomain.Post
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := s.repo.FindByIDForUpdate(ctx, tx, postID)
		if err != nil {
			return err
		}
		if post == nil || post.UserID != userID {
			return postdomain.ErrPostNotFound
		}
		// Only drafts can be scheduled. Failed is terminal; the post must
		// be recreated, never moved back into the queue.
		if post.Status != postdomain.StatusDraft {
			return postdomain.ErrInvalidTransition
		}

		queued, err := s.repo.CountByStatus(ctx, tx, userID, postdomain.StatusScheduled)
		if err != nil {
			return err
		}
		decision := s.quota.CanSchedule(string(user.Tier), int(queued), scheduledAt, now)
		if !decision.Allowed {
			return fmt.Errorf("%w: %s", postdomain.ErrQuotaExceeded, decision.Message)
		}

		ok, err := s.repo.Transition(ctx, tx, postID, postdomain.StatusDraft, postdomain.StatusScheduled, map[string]any{
			"scheduled_at": scheduledAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			return postdomain.ErrInvalidTransition
		}

		// The hold must outlive the scheduled time so the executor can
		// still consume it after retries.
		ttl := scheduledAt.Sub(now) + s.reservationTTL
		if _, err := s.credits.ReserveTx(ctx, tx, userID, postID, post.CreditCost, ttl); err != nil {
			return err
		}

		post.Status = postdomain.StatusScheduled
		post.ScheduledAt = &scheduledAt
		scheduled = post
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("post scheduled",
		zap.String("post_id", postID.String()),
		zap.String("user_id", userID.String()),
		zap.Time("scheduled_at", scheduledAt),
	)
	return scheduled, nil
}

func (s *Service) Cancel(ctx context.Context, userID, postID snowflake.ID) error {
	post, err := s.Get(ctx, userID, postID)
	if err != nil {
		return err
	}

	var from postdomain.Status
	switch post.Status {
	case postdomain.StatusDraft, postdomain.StatusScheduled:
		from = post.Status
	default:
		return postdomain.ErrInvalidTransition
	}

	ok, err := s.repo.Transition(ctx, s.db, postID, from, postdomain.StatusCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return postdomain.ErrInvalidTransition
	}

	if from == postdomain.StatusScheduled {
		if err := s.credits.ReleaseByPost(ctx, postID); err != nil &&
			!errors.Is(err, creditdomain.ErrReservationNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) CountScheduled(ctx context.Context, userID snowflake.ID) (int64, error) {
	return s.repo.CountByStatus(ctx, s.db, userID, postdomain.StatusScheduled)
}

func (s *Service) BeginPublishing(ctx context.Context, postID snowflake.ID) (*postdomain.Post, error) {
	post, err := s.repo.FindByID(ctx, s.db, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, postdomain.ErrPostNotFound
	}

	ok, err := s.repo.Transition(ctx, s.db, postID, postdomain.StatusScheduled, postdomain.StatusPublishing, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, postdomain.ErrInvalidTransition
	}
	post.Status = postdomain.StatusPublishing
	return post, nil
}

func (s *Service) CompletePublished(ctx context.Context, postID snowflake.ID, externalPostID, permalinkURL string, publishedAt time.Time) error {
	ok, err := s.repo.Transition(ctx, s.db, postID, postdomain.StatusPublishing, postdomain.StatusPosted, map[string]any{
		"external_post_id": externalPostID,
		"permalink_url":    permalinkURL,
		"published_at":     publishedAt.UTC(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return postdomain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, postID snowflake.ID, reason string) error {
	for _, from := range []postdomain.Status{postdomain.StatusPublishing, postdomain.StatusScheduled} {
		ok, err := s.repo.Transition(ctx, s.db, postID, from, postdomain.StatusFailed, map[string]any{
			"failure_reason": reason,
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	// Already terminal, the failure handler ran before.
	post, err := s.repo.FindByID(ctx, s.db, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return postdomain.ErrPostNotFound
	}
	if post.Status == postdomain.StatusFailed {
		return nil
	}
	return postdomain.ErrInvalidTransition
}

func (s *Service) RequeueForRetry(ctx context.Context, postID snowflake.ID) error {
	ok, err := s.repo.Transition(ctx, s.db, postID, postdomain.StatusPublishing, postdomain.StatusScheduled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return postdomain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]*postdomain.Post, error) {
	return s.repo.ListDue(ctx, s.db, now, limit)
}

func (s *Service) buildDraft(userID snowflake.ID, input postdomain.CreateInput) (*postdomain.Post, error) {
	platform := strings.ToLower(strings.TrimSpace(input.Platform))
	if platform == "" {
		return nil, postdomain.ErrInvalidPlatform
	}
	content := strings.TrimSpace(input.Content)
	if content == "" || len(content) > maxContentLength {
		return nil, postdomain.ErrInvalidContent
	}
	cost := input.CreditCost
	if cost <= 0 {
		cost = 1
	}

	var media datatypes.JSON
	if len(input.MediaURLs) > 0 {
		encoded, err := json.Marshal(input.MediaURLs)
		if err != nil {
			return nil, err
		}
		media = datatypes.JSON(encoded)
	}

	now := s.clock.Now().UTC()
	return &postdomain.Post{
		ID:         s.genID.Generate(),
		UserID:     userID,
		Platform:   platform,
		Content:    content,
		MediaURLs:  media,
		Status:     postdomain.StatusDraft,
		CreditCost: cost,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
