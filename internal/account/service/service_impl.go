package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, user *accountdomain.User) error {
	if user.ID == 0 {
		user.ID = s.genID.Generate()
	}
	if user.Tier == "" {
		user.Tier = accountdomain.TierFree
	}
	tier, err := accountdomain.NormalizeTier(string(user.Tier))
	if err != nil {
		return err
	}
	user.Tier = tier

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	return s.db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, handle, tier, credit_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.Handle,
		string(user.Tier), user.CreditBalance, user.CreatedAt, user.UpdatedAt,
	).Error
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.User, error) {
	var users []accountdomain.User
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, email, handle, tier, credit_balance, created_at, updated_at FROM users WHERE id = ?`,
		id,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, accountdomain.ErrUserNotFound
	}
	return &users[0], nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*accountdomain.User, error) {
	var users []accountdomain.User
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, email, handle, tier, credit_balance, created_at, updated_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, accountdomain.ErrUserNotFound
	}
	return &users[0], nil
}

func (s *Service) UpdateTier(ctx context.Context, id snowflake.ID, tier accountdomain.Tier) error {
	normalized, err := accountdomain.NormalizeTier(string(tier))
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`,
		string(normalized), time.Now().UTC(), id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrUserNotFound
	}
	return nil
}
