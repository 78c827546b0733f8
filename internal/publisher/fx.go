package publisher

import (
	"net/http"
	"os"
	"time"

	"github.com/smallbiznis/publica/internal/publisher/adapters"
	"github.com/smallbiznis/publica/internal/publisher/adapters/facebook"
	"github.com/smallbiznis/publica/internal/publisher/adapters/instagram"
	"github.com/smallbiznis/publica/internal/publisher/adapters/linkedin"
	"github.com/smallbiznis/publica/internal/publisher/adapters/twitter"
	"go.uber.org/fx"
)

func NewRegistry() *adapters.Registry {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	return adapters.NewRegistry(
		twitter.New(twitter.Config{
			BaseURL:      os.Getenv("TWITTER_API_BASE_URL"),
			ClientID:     os.Getenv("TWITTER_CLIENT_ID"),
			ClientSecret: os.Getenv("TWITTER_CLIENT_SECRET"),
		}, httpClient),
		linkedin.New(linkedin.Config{
			BaseURL:      os.Getenv("LINKEDIN_API_BASE_URL"),
			ClientID:     os.Getenv("LINKEDIN_CLIENT_ID"),
			ClientSecret: os.Getenv("LINKEDIN_CLIENT_SECRET"),
		}, httpClient),
		facebook.New(facebook.Config{
			BaseURL:      os.Getenv("FACEBOOK_API_BASE_URL"),
			ClientID:     os.Getenv("FACEBOOK_CLIENT_ID"),
			ClientSecret: os.Getenv("FACEBOOK_CLIENT_SECRET"),
		}, httpClient),
		instagram.New(instagram.Config{
			BaseURL: os.Getenv("INSTAGRAM_API_BASE_URL"),
		}, httpClient),
	)
}

var Module = fx.Module("publisher",
	fx.Provide(NewRegistry),
)
