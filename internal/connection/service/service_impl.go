package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
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

func NewService(p Params) conndomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("connection.service"),
		genID: p.GenID,
	}
}

func (s *Service) Upsert(ctx context.Context, conn *conndomain.SocialConnection) error {
	conn.Platform = strings.ToLower(strings.TrimSpace(conn.Platform))
	if conn.Platform == "" {
		return conndomain.ErrInvalidPlatform
	}
	if conn.ID == 0 {
		conn.ID = s.genID.Generate()
	}
	if conn.Status == "" {
		conn.Status = conndomain.StatusActive
	}
	now := time.Now().UTC()
	conn.UpdatedAt = now
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}

	return s.db.WithContext(ctx).Exec(
		`INSERT INTO social_connections
		 (id, user_id, platform, external_account_id, display_name, access_token, refresh_token, token_expires_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, platform) DO UPDATE SET
		   external_account_id = ?,
		   display_name = ?,
		   access_token = ?,
		   refresh_token = ?,
		   token_expires_at = ?,
		   status = ?,
		   updated_at = ?`,
		conn.ID, conn.UserID, conn.Platform, conn.ExternalAccountID, conn.DisplayName,
		conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt, string(conn.Status),
		conn.CreatedAt, conn.UpdatedAt,
		conn.ExternalAccountID, conn.DisplayName, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiresAt, string(conn.Status), conn.UpdatedAt,
	).Error
}

func (s *Service) GetCredential(ctx context.Context, userID snowflake.ID, platform string) (*conndomain.Credential, error) {
	conn, err := s.load(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != conndomain.StatusActive {
		return nil, conndomain.ErrNotConnected
	}
	return &conndomain.Credential{
		AccessToken:       conn.AccessToken,
		RefreshToken:      conn.RefreshToken,
		ExternalAccountID: conn.ExternalAccountID,
	}, nil
}

func (s *Service) UpdateTokens(ctx context.Context, userID snowflake.ID, platform, accessToken, refreshToken string, expiresAt *time.Time) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE social_connections
		 SET access_token = ?, refresh_token = ?, token_expires_at = ?, status = ?, updated_at = ?
		 WHERE user_id = ? AND platform = ?`,
		accessToken, refreshToken, expiresAt, string(conndomain.StatusActive),
		time.Now().UTC(), userID, normalizePlatform(platform),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return conndomain.ErrConnectionNotFound
	}
	return nil
}

func (s *Service) MarkExpired(ctx context.Context, userID snowflake.ID, platform string) error {
	return s.setStatus(ctx, userID, platform, conndomain.StatusExpired)
}

func (s *Service) Revoke(ctx context.Context, userID snowflake.ID, platform string) error {
	return s.setStatus(ctx, userID, platform, conndomain.StatusRevoked)
}

func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]conndomain.SocialConnection, error) {
	var connections []conndomain.SocialConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("platform").
		Find(&connections).Error
	if err != nil {
		return nil, err
	}
	return connections, nil
}

func (s *Service) setStatus(ctx context.Context, userID snowflake.ID, platform string, status conndomain.Status) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE social_connections SET status = ?, updated_at = ? WHERE user_id = ? AND platform = ?`,
		string(status), time.Now().UTC(), userID, normalizePlatform(platform),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return conndomain.ErrConnectionNotFound
	}
	return nil
}

func (s *Service) load(ctx context.Context, userID snowflake.ID, platform string) (*conndomain.SocialConnection, error) {
	var rows []conndomain.SocialConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, normalizePlatform(platform)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
