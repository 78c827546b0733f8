package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	"github.com/smallbiznis/publica/internal/publisher/domain"
)

const defaultBaseURL = "https://api.linkedin.com"

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

type Adapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func New(cfg Config, httpClient *http.Client) *Adapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
	}
}

func (a *Adapter) Platform() string { return "linkedin" }

type sharePayload struct {
	Author     string `json:"author"`
	Commentary string `json:"commentary"`
	Visibility string `json:"visibility"`
	Lifecycle  string `json:"lifecycleState"`
}

func (a *Adapter) Publish(ctx context.Context, req domain.PublishRequest) (*domain.PublishResult, error) {
	body, err := json.Marshal(sharePayload{
		Author:     "urn:li:person:" + req.Credential.ExternalAccountID,
		Commentary: req.Text,
		Visibility: "PUBLIC",
		Lifecycle:  "PUBLISHED",
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/rest/posts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("LinkedIn-Version", "202401")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, a.asPublishError(resp)
	}

	// LinkedIn returns the new post URN in a header, not the body.
	postURN := resp.Header.Get("x-restli-id")
	return &domain.PublishResult{
		ExternalPostID: postURN,
		PermalinkURL:   "https://www.linkedin.com/feed/update/" + url.PathEscape(postURN),
		PublishedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*domain.Profile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.asPublishError(resp)
	}

	var payload struct {
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.Profile{
		ExternalAccountID: payload.Sub,
		DisplayName:       payload.Name,
		AvatarURL:         payload.Picture,
	}, nil
}

func (a *Adapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*domain.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/oauth/v2/accessToken", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.asPublishError(resp)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// Revoke is a no-op: LinkedIn tokens are invalidated from the member's
// settings page, there is no programmatic revocation endpoint.
func (a *Adapter) Revoke(ctx context.Context, cred conndomain.Credential) error {
	return nil
}

func (a *Adapter) asPublishError(resp *http.Response) *domain.PublishError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
		Code    string `json:"serviceErrorCode"`
	}
	_ = json.Unmarshal(body, &apiErr)

	message := apiErr.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return domain.NewPublishError(a.Platform(), resp.StatusCode, apiErr.Code, message)
}
