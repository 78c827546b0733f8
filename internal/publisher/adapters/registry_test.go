package adapters

import (
	"context"
	"testing"

	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	"github.com/smallbiznis/publica/internal/publisher/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	platform string
}

func (s *stubAdapter) Platform() string { return s.platform }
func (s *stubAdapter) Publish(ctx context.Context, req domain.PublishRequest) (*domain.PublishResult, error) {
	return &domain.PublishResult{ExternalPostID: "ext-1"}, nil
}
func (s *stubAdapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*domain.Profile, error) {
	return &domain.Profile{}, nil
}
func (s *stubAdapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*domain.TokenPair, error) {
	return &domain.TokenPair{}, nil
}
func (s *stubAdapter) Revoke(ctx context.Context, cred conndomain.Credential) error { return nil }

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry(&stubAdapter{platform: "Twitter"}, &stubAdapter{platform: " linkedin "}, nil)

	assert.True(t, registry.PlatformExists("twitter"))
	assert.True(t, registry.PlatformExists("TWITTER"))
	assert.True(t, registry.PlatformExists("linkedin"))
	assert.False(t, registry.PlatformExists("tiktok"))

	adapter, err := registry.Adapter("twitter")
	require.NoError(t, err)
	assert.Equal(t, "Twitter", adapter.Platform())

	_, err = registry.Adapter("tiktok")
	assert.ErrorIs(t, err, domain.ErrPlatformNotFound)

	assert.Len(t, registry.Platforms(), 2)
}

func TestNilRegistry(t *testing.T) {
	var registry *Registry

	assert.False(t, registry.PlatformExists("twitter"))
	_, err := registry.Adapter("twitter")
	assert.ErrorIs(t, err, domain.ErrPlatformNotFound)
}
