package instagram

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
	BaseURL string
}

type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config, httpClient *http.Client) *Adapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{baseURL: baseURL, httpClient: httpClient}
}

func (a *Adapter) Platform() string { return "instagram" }

// Publish is the two step container flow: create a media container, then
// publish it. Instagram requires media, text only posts are rejected.
func (a *Adapter) Publish(ctx context.Context, req domain.PublishRequest) (*domain.PublishResult, error) {
	if len(req.MediaURLs) == 0 {
		return nil, domain.NewPublishError(a.Platform(), http.StatusBadRequest, "media_required",
			"instagram posts require at least one image")
	}

	containerID, err := a.createContainer(ctx, req)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", req.Credential.AccessToken)

	endpoint := a.baseURL + "/" + url.PathEscape(req.Credential.ExternalAccountID) + "/media_publish"
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
		PublishedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) createContainer(ctx context.Context, req domain.PublishRequest) (string, error) {
	form := url.Values{}
	form.Set("image_url", req.MediaURLs[0])
	form.Set("caption", req.Text)
	form.Set("access_token", req.Credential.AccessToken)

	endpoint := a.baseURL + "/" + url.PathEscape(req.Credential.ExternalAccountID) + "/media"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", a.asPublishError(resp)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.ID, nil
}

func (a *Adapter) GetProfile(ctx context.Context, cred conndomain.Credential) (*domain.Profile, error) {
	endpoint := a.baseURL + "/" + url.PathEscape(cred.ExternalAccountID) +
		"?fields=id,username,profile_picture_url&access_token=" + url.QueryEscape(cred.AccessToken)
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
		ID                string `json:"id"`
		Username          string `json:"username"`
		ProfilePictureURL string `json:"profile_picture_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.Profile{
		ExternalAccountID: payload.ID,
		Handle:            payload.Username,
		AvatarURL:         payload.ProfilePictureURL,
	}, nil
}

// RefreshToken extends a long lived token before it expires.
func (a *Adapter) RefreshToken(ctx context.Context, cred conndomain.Credential) (*domain.TokenPair, error) {
	endpoint := a.baseURL + "/refresh_access_token?grant_type=ig_refresh_token" +
		"&access_token=" + url.QueryEscape(cred.AccessToken)
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

// Revoke is a no-op: Instagram access is removed by revoking the linked
// Facebook permission, which the facebook adapter handles.
func (a *Adapter) Revoke(ctx context.Context, cred conndomain.Credential) error {
	return nil
}

func (a *Adapter) asPublishError(resp *http.Response) *domain.PublishError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	message := payload.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return domain.NewPublishError(a.Platform(), resp.StatusCode, payload.Error.Type, message)
}
