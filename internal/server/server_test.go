package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	webhookdomain "github.com/smallbiznis/publica/internal/billingwebhook/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/internal/publisher/adapters"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Stubs embed their interface so only the methods a test exercises need
// overriding. Calling anything else panics, which is what we want.
type stubPostSvc struct {
	postdomain.Service
	scheduleErr error
	getPost     *postdomain.Post
	getErr      error
}

func (s *stubPostSvc) Schedule(context.Context, snowflake.ID, snowflake.ID, time.Time) (*postdomain.Post, error) {
	if s.scheduleErr != nil {
		return nil, s.scheduleErr
	}
	return &postdomain.Post{Status: postdomain.StatusScheduled}, nil
}

func (s *stubPostSvc) Get(context.Context, snowflake.ID, snowflake.ID) (*postdomain.Post, error) {
	return s.getPost, s.getErr
}

type stubAccountSvc struct {
	accountdomain.Service
	user *accountdomain.User
}

func (s *stubAccountSvc) GetByID(context.Context, snowflake.ID) (*accountdomain.User, error) {
	if s.user == nil {
		return nil, accountdomain.ErrUserNotFound
	}
	return s.user, nil
}

type stubCreditSvc struct {
	creditdomain.Service
	available int64
}

func (s *stubCreditSvc) Available(context.Context, snowflake.ID) (int64, error) {
	return s.available, nil
}

type stubWebhookSvc struct {
	webhookdomain.Service
	result *webhookdomain.ProcessResult
	err    error
}

func (s *stubWebhookSvc) ProcessEvent(context.Context, string, []byte) (*webhookdomain.ProcessResult, error) {
	return s.result, s.err
}

type serverFixture struct {
	server   *Server
	posts    *stubPostSvc
	accounts *stubAccountSvc
	credits  *stubCreditSvc
	webhooks *stubWebhookSvc
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &serverFixture{
		posts:    &stubPostSvc{},
		accounts: &stubAccountSvc{},
		credits:  &stubCreditSvc{},
		webhooks: &stubWebhookSvc{},
	}
	f.server = NewServer(ServerParams{
		Gin:        NewEngine(zap.NewNop()),
		Log:        zap.NewNop(),
		GenID:      node,
		AccountSvc: f.accounts,
		PostSvc:    f.posts,
		CreditSvc:  f.credits,
		WebhookSvc: f.webhooks,
		Registry:   adapters.NewRegistry(),
	})
	return f
}

func (f *serverFixture) do(method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func TestMissingUserHeaderIsUnauthorized(t *testing.T) {
	f := setupServer(t)

	rec := f.do(http.MethodGet, "/v1/posts/123", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/v1/posts/123", "not-a-snowflake", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetPostNotFoundMapsTo404(t *testing.T) {
	f := setupServer(t)
	f.posts.getErr = postdomain.ErrPostNotFound

	rec := f.do(http.MethodGet, "/v1/posts/123", "42", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not_found")
}

func TestScheduleQuotaExceededMapsTo429(t *testing.T) {
	f := setupServer(t)
	f.posts.scheduleErr = fmt.Errorf("%w: queue full", postdomain.ErrQuotaExceeded)

	body := `{"scheduled_at":"2026-09-01T10:00:00Z"}`
	rec := f.do(http.MethodPost, "/v1/posts/123/schedule", "42", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "quota_exceeded")
}

func TestScheduleInsufficientCreditsMapsTo402(t *testing.T) {
	f := setupServer(t)
	f.posts.scheduleErr = creditdomain.ErrInsufficientCredits

	body := `{"scheduled_at":"2026-09-01T10:00:00Z"}`
	rec := f.do(http.MethodPost, "/v1/posts/123/schedule", "42", body)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Contains(t, rec.Body.String(), "insufficient_credits")
}

func TestScheduleRejectsMissingTime(t *testing.T) {
	f := setupServer(t)

	rec := f.do(http.MethodPost, "/v1/posts/123/schedule", "42", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCreditBalance(t *testing.T) {
	f := setupServer(t)
	f.accounts.user = &accountdomain.User{
		Tier:          accountdomain.TierPro,
		CreditBalance: 10,
	}
	f.credits.available = 7

	rec := f.do(http.MethodGet, "/v1/credits/balance", "42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balance":10`)
	require.Contains(t, rec.Body.String(), `"available":7`)
	require.Contains(t, rec.Body.String(), `"reserved":3`)
}

func TestWebhookDuplicateReturns200(t *testing.T) {
	f := setupServer(t)
	f.webhooks.result = &webhookdomain.ProcessResult{Duplicate: true, Status: webhookdomain.StatusProcessed}

	rec := f.do(http.MethodPost, "/v1/webhooks/payments/stripe", "", `{"id":"evt_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")
}

func TestWebhookMalformedPayloadMapsTo400(t *testing.T) {
	f := setupServer(t)
	f.webhooks.err = webhookdomain.ErrInvalidPayload

	rec := f.do(http.MethodPost, "/v1/webhooks/payments/stripe", "", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
