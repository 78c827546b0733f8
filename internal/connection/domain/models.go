// Package domain contains the social connection models. A connection holds
// the OAuth credential for one user on one platform.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status tracks the usability of a connection.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

var (
	ErrNotConnected       = errors.New("platform_not_connected")
	ErrConnectionNotFound = errors.New("connection_not_found")
	ErrInvalidPlatform    = errors.New("invalid_platform")
)

// SocialConnection links a user to an external platform account. At most one
// connection exists per (user, platform).
type SocialConnection struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	UserID            snowflake.ID `gorm:"not null;uniqueIndex:ux_social_connections_user_platform,priority:1"`
	Platform          string       `gorm:"type:text;not null;uniqueIndex:ux_social_connections_user_platform,priority:2"`
	ExternalAccountID string       `gorm:"type:text;not null"`
	DisplayName       string       `gorm:"type:text"`
	AccessToken       string       `gorm:"type:text;not null"`
	RefreshToken      string       `gorm:"type:text"`
	TokenExpiresAt    *time.Time
	Status            Status    `gorm:"type:text;not null;default:'active'"`
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SocialConnection) TableName() string { return "social_connections" }

// Credential is what adapters need to call a platform on the user's behalf.
type Credential struct {
	AccessToken       string
	RefreshToken      string
	ExternalAccountID string
}

// Service stores and serves platform credentials.
type Service interface {
	// Upsert creates or replaces the user's connection for a platform.
	Upsert(ctx context.Context, conn *SocialConnection) error

	// GetCredential returns the active credential for a platform. Fails with
	// ErrNotConnected when the connection is absent, expired or revoked.
	GetCredential(ctx context.Context, userID snowflake.ID, platform string) (*Credential, error)

	// UpdateTokens stores a refreshed token pair on an existing connection.
	UpdateTokens(ctx context.Context, userID snowflake.ID, platform, accessToken, refreshToken string, expiresAt *time.Time) error

	// MarkExpired flags a connection whose token the platform rejected.
	MarkExpired(ctx context.Context, userID snowflake.ID, platform string) error

	// Revoke disables the connection.
	Revoke(ctx context.Context, userID snowflake.ID, platform string) error

	// List returns all of the user's connections.
	List(ctx context.Context, userID snowflake.ID) ([]SocialConnection, error)
}
