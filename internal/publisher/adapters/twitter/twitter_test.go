package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	"github.com/smallbiznis/publica/internal/publisher/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1690","text":"hello"}}`))
	}))
	defer server.Close()

	adapter := New(Config{BaseURL: server.URL}, server.Client())

	result, err := adapter.Publish(context.Background(), domain.PublishRequest{
		Text:       "hello",
		Credential: conndomain.Credential{AccessToken: "tok-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1690", result.ExternalPostID)
	assert.Contains(t, result.PermalinkURL, "1690")
}

func TestPublishRateLimitedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests","detail":"rate limit exceeded"}`))
	}))
	defer server.Close()

	adapter := New(Config{BaseURL: server.URL}, server.Client())

	_, err := adapter.Publish(context.Background(), domain.PublishRequest{Text: "x"})
	require.Error(t, err)

	var publishErr *domain.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, http.StatusTooManyRequests, publishErr.StatusCode)
	assert.True(t, domain.IsRetryable(err))
}

func TestPublishForbiddenIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"title":"Forbidden","detail":"duplicate content"}`))
	}))
	defer server.Close()

	adapter := New(Config{BaseURL: server.URL}, server.Client())

	_, err := adapter.Publish(context.Background(), domain.PublishRequest{Text: "x"})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	var publishErr *domain.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, "duplicate content", publishErr.Message)
}

func TestGetProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/me", r.URL.Path)
		w.Write([]byte(`{"data":{"id":"42","name":"Demo","username":"demo"}}`))
	}))
	defer server.Close()

	adapter := New(Config{BaseURL: server.URL}, server.Client())

	profile, err := adapter.GetProfile(context.Background(), conndomain.Credential{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "42", profile.ExternalAccountID)
	assert.Equal(t, "demo", profile.Handle)
}

func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":7200}`))
	}))
	defer server.Close()

	adapter := New(Config{BaseURL: server.URL, ClientID: "cid", ClientSecret: "sec"}, server.Client())

	pair, err := adapter.RefreshToken(context.Background(), conndomain.Credential{RefreshToken: "old-refresh"})
	require.NoError(t, err)
	assert.Equal(t, "new-access", pair.AccessToken)
	assert.Equal(t, "new-refresh", pair.RefreshToken)
	assert.False(t, pair.ExpiresAt.IsZero())
}
