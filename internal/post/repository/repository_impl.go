package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/pkg/db"
	"github.com/smallbiznis/publica/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, post *domain.Post) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Post, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Post, error)
	List(ctx context.Context, db *gorm.DB, userID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Post, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Post, error)
	CountByStatus(ctx context.Context, db *gorm.DB, userID snowflake.ID, status domain.Status) (int64, error)
	UpdateContent(ctx context.Context, db *gorm.DB, post *domain.Post) error

	// Transition flips status from -> to, applying extra column sets, and
	// reports whether the row was in the expected state.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, sets map[string]any) (bool, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, post *domain.Post) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO posts (id, user_id, platform, content, media_urls, status, credit_cost, scheduled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID,
		post.UserID,
		post.Platform,
		post.Content,
		post.MediaURLs,
		post.Status,
		post.CreditCost,
		post.ScheduledAt,
		post.CreatedAt,
		post.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Post, error) {
	return r.find(ctx, tx, id, "")
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Post, error) {
	return r.find(ctx, tx, id, db.ForUpdate(tx))
}

func (r *repo) find(ctx context.Context, tx *gorm.DB, id snowflake.ID, suffix string) (*domain.Post, error) {
	var posts []domain.Post
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, platform, content, media_urls, status, credit_cost, scheduled_at,
		        published_at, external_post_id, permalink_url, failure_reason, created_at, updated_at
		 FROM posts WHERE id = ?`+suffix,
		id,
	).Scan(&posts).Error
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}

func (r *repo) List(ctx context.Context, tx *gorm.DB, userID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Post, error) {
	stmt := tx.WithContext(ctx).
		Model(&domain.Post{}).
		Where("user_id = ?", userID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Platform != "" {
		stmt = stmt.Where("platform = ?", filter.Platform)
	}

	size := page.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err == nil && cursor.CreatedAt != "" {
			stmt = stmt.Where("created_at < ?", cursor.CreatedAt)
		}
	}

	var posts []*domain.Post
	err := stmt.
		Order("created_at desc, id desc").
		Limit(size).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *repo) ListDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*domain.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	var posts []*domain.Post
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, platform, content, media_urls, status, credit_cost, scheduled_at,
		        published_at, external_post_id, permalink_url, failure_reason, created_at, updated_at
		 FROM posts
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?`,
		domain.StatusScheduled, now, limit,
	).Scan(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *repo) CountByStatus(ctx context.Context, tx *gorm.DB, userID snowflake.ID, status domain.Status) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM posts WHERE user_id = ? AND status = ?`,
		userID, status,
	).Scan(&count).Error
	return count, err
}

func (r *repo) UpdateContent(ctx context.Context, tx *gorm.DB, post *domain.Post) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE posts SET platform = ?, content = ?, media_urls = ?, credit_cost = ?, updated_at = ?
		 WHERE id = ?`,
		post.Platform, post.Content, post.MediaURLs, post.CreditCost, time.Now().UTC(), post.ID,
	).Error
}

func (r *repo) Transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to domain.Status, sets map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for column, value := range sets {
		updates[column] = value
	}
	result := tx.WithContext(ctx).
		Model(&domain.Post{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
