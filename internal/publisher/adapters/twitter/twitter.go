package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	conndomain "github.com/smallbiznis/publica/internal/connection/domain"
	"github.com/smallbiznis/publica/internal/publisher/domain"
)

const defaultBaseURL = "https://api.twitter.com"

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

func (a *Adapter) Platform() string { return "twitter" }

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (a *Adapter) Publish(ctx context.Context, req domain.PublishRequest) (*domain.PublishResult, error) {
	body, err := json.Marshal(tweetRequest{Text: req.Text})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, a.asPublishError(resp)
	}

	var tweet tweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&tweet); err != nil {
		return nil, err
	}
	return &domain.PublishResult{
		ExternalPostID: tweet.Data.ID,
		PermalinkURL:   fmt.Sprintf("https://twitter.com/i/web/status/%s", tweet.Data.ID),
		PublishedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*domain.Profile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/2/users/me?user.fields=profile_image_url", nil)
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
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.Profile{
		ExternalAccountID: payload.Data.ID,
		DisplayName:       payload.Data.Name,
		Handle:            payload.Data.Username,
		AvatarURL:         payload.Data.ProfileImageURL,
	}, nil
}

func (a *Adapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*domain.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", a.clientID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(a.clientID, a.clientSecret)

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

func (a *Adapter) Revoke(ctx context.Context, cred conndomain.Credential) error {
	form := url.Values{}
	form.Set("token", cred.AccessToken)
	form.Set("client_id", a.clientID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/2/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(a.clientID, a.clientSecret)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.asPublishError(resp)
	}
	return nil
}

func (a *Adapter) asPublishError(resp *http.Response) *domain.PublishError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	message := apiErr.Detail
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return domain.NewPublishError(a.Platform(), resp.StatusCode, apiErr.Title, message)
}
