package facebook

import (
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

const defaultBaseURL = "https://graph.facebook.com/v19.0"

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

func (a *Adapter) Platform() string { return "facebook" }

func (a *Adapter) Publish(ctx context.Context, req domain.PublishRequest) (*domain.PublishResult, error) {
	form := url.Values{}
	form.Set("message", req.Text)
	form.Set("access_token", req.Credential.AccessToken)
	if len(req.MediaURLs) > 0 {
		form.Set("link", req.MediaURLs[0])
	}

	endpoint := a.baseURL + "/" + url.PathEscape(req.Credential.ExternalAccountID) + "/feed"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
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
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.PublishResult{
		ExternalPostID: payload.ID,
		PermalinkURL:   "https://www.facebook.com/" + payload.ID,
		PublishedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*domain.Profile, error) {
	endpoint := a.baseURL + "/me?fields=id,name,picture&access_token=" + url.QueryEscape(cred.AccessToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.asPublishError(resp)
	}

	var payload struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.Profile{
		ExternalAccountID: payload.ID,
		DisplayName:       payload.Name,
		AvatarURL:         payload.Picture.Data.URL,
	}, nil
}

// RefreshToken exchanges the current long lived token for a new one.
// Facebook has no refresh tokens; the access token itself is exchanged.
func (a *Adapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*domain.TokenPair, error) {
	endpoint := a.baseURL + "/oauth/access_token?grant_type=fb_exchange_token" +
		"&client_id=" + url.QueryEscape(a.clientID) +
		"&client_secret=" + url.QueryEscape(a.clientSecret) +
		"&fb_exchange_token=" + url.QueryEscape(cred.AccessToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.asPublishError(resp)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		AccessToken: payload.AccessToken,
		ExpiresAt:   time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

func (a *Adapter) Revoke(ctx context.Context, cred conndomain.Credential) error {
	endpoint := a.baseURL + "/me/permissions?access_token=" + url.QueryEscape(cred.AccessToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}

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
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	message := payload.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return domain.NewPublishError(a.Platform(), resp.StatusCode, payload.Error.Type, message)
}
