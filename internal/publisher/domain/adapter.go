// Package domain defines the contract between the publication executor and
// the platform adapters.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bwmarrin/snowflake"
	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
)

var (
	ErrPlatformNotFound = errors.New("platform_not_found")
	ErrInvalidConfig    = errors.New("invalid_adapter_config")
)

// PublishRequest carries everything an adapter needs to post content.
type PublishRequest struct {
	PostID     snowflake.ID
	Text       string
	MediaURLs  []string
	Credential conndomain.Credential
}

// PublishResult is the platform's acknowledgement of a successful post.
type PublishResult struct {
	ExternalPostID string
	PermalinkURL   string
	PublishedAt    time.Time
}

// Profile is the connected account as the platform sees it.
type Profile struct {
	ExternalAccountID string
	DisplayName       string
	Handle            string
	AvatarURL         string
}

// TokenPair is a refreshed credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Adapter is one platform integration.
type Adapter interface {
	Platform() string
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
	GetProfile(ctx context.Context, cred conndomain.Credential) (*Profile, error)
	RefreshToken(ctx context.Context, cred conndomain.Credential) (*TokenPair, error)
	Revoke(ctx context.Context, cred conndomain.Credential) error
}

// PublishError is a platform rejection with enough detail to decide whether
// the attempt should be retried.
type PublishError struct {
	Platform   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish failed (status=%d code=%s): %s", e.Platform, e.StatusCode, e.Code, e.Message)
}

// NewPublishError classifies a platform HTTP status. Rate limits and server
// side failures are retryable, other client errors are permanent.
func NewPublishError(platform string, status int, code, message string) *PublishError {
	return &PublishError{
		Platform:   platform,
		StatusCode: status,
		Code:       code,
		Message:    message,
		Retryable:  status == 429 || status >= 500,
	}
}

// IsRetryable reports whether a publish failure is worth another attempt.
// Network level failures and timeouts are retryable; anything unknown
// defaults to retryable so transient faults are not turned permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var publishErr *PublishError
	if errors.As(err, &publishErr) {
		return publishErr.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// IsPermanent is the inverse of IsRetryable for readability at call sites.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}
