package backend

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/scraper"
)

// ProxyAPIBackend delegates scraping to a hosted proxy service that manages
// its own account rotation. It has its own balance/rate-limit error
// vocabulary, translated here into the shared taxonomy so nothing above
// this boundary depends on it.
type ProxyAPIBackend struct {
	http    *resty.Client
	baseURL string
	log     *logger.Logger
}

// NewProxyAPIBackend creates the proxy-service-backed scraper.
func NewProxyAPIBackend(baseURL, apiKey string, log *logger.Logger) *ProxyAPIBackend {
	client := resty.New()
	client.SetHeader("X-API-Key", apiKey)
	client.SetTimeout(60 * time.Second)

	return &ProxyAPIBackend{
		http:    client,
		baseURL: baseURL,
		log:     log,
	}
}

type proxyProfilePayload struct {
	Handle     string `json:"handle"`
	Name       string `json:"name"`
	About      string `json:"about"`
	Followers  int64  `json:"followers"`
	Following  int64  `json:"following"`
	PostsCount int64  `json:"posts_count"`
	AvatarURL  string `json:"avatar_url"`
	Private    bool   `json:"private"`
}

type proxyErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type proxySearchPayload struct {
	Results []proxyProfilePayload `json:"results"`
}

// FetchProfile retrieves a subject's profile via the proxy service.
func (b *ProxyAPIBackend) FetchProfile(ctx context.Context, platform, username string) (*scraper.ProfileData, error) {
	var payload proxyProfilePayload
	var apiErr proxyErrorPayload
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("platform", platform).
		SetQueryParam("username", username).
		SetResult(&payload).
		SetError(&apiErr).
		Get(b.baseURL + "/v1/profile")
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "proxy transport error: %v", err)
	}
	if resp.IsError() {
		return nil, b.classify(resp.StatusCode(), apiErr)
	}
	if payload.Private {
		return nil, scraper.NewError(scraper.KindHardStop, scraper.ErrProfilePrivate)
	}

	return &scraper.ProfileData{
		Platform:    platform,
		Username:    payload.Handle,
		DisplayName: payload.Name,
		Bio:         payload.About,
		Followers:   payload.Followers,
		Following:   payload.Following,
		Posts:       payload.PostsCount,
		AvatarURL:   payload.AvatarURL,
		IsPrivate:   payload.Private,
	}, nil
}

// Discover searches for candidate profiles via the proxy service.
func (b *ProxyAPIBackend) Discover(ctx context.Context, query string, minFollowers int) ([]scraper.ProfileData, error) {
	var payload proxySearchPayload
	var apiErr proxyErrorPayload
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("min_followers", strconv.Itoa(minFollowers)).
		SetResult(&payload).
		SetError(&apiErr).
		Get(b.baseURL + "/v1/search")
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "proxy transport error: %v", err)
	}
	if resp.IsError() {
		return nil, b.classify(resp.StatusCode(), apiErr)
	}

	results := make([]scraper.ProfileData, 0, len(payload.Results))
	for _, p := range payload.Results {
		if p.Followers < int64(minFollowers) || p.Private {
			continue
		}
		results = append(results, scraper.ProfileData{
			Username:    p.Handle,
			DisplayName: p.Name,
			Followers:   p.Followers,
			AvatarURL:   p.AvatarURL,
		})
	}
	return results, nil
}

// classify maps the proxy service's error vocabulary into the taxonomy.
// The service reports exhausted balance as 402/insufficient_balance, which
// is a budget stop: retrying would spend money without changing anything.
func (b *ProxyAPIBackend) classify(status int, e proxyErrorPayload) error {
	switch {
	case status == 402 || e.Code == "insufficient_balance":
		return scraper.Errorf(scraper.KindBudget, "proxy balance exhausted: %s", e.Error)
	case status == 404 || e.Code == "not_found":
		return scraper.NewError(scraper.KindHardStop, scraper.ErrProfileNotFound)
	case status == 403 && strings.Contains(e.Code, "private"):
		return scraper.NewError(scraper.KindHardStop, scraper.ErrProfilePrivate)
	case status == 429 || e.Code == "rate_limited":
		return scraper.Errorf(scraper.KindRateLimited, "proxy rate limited: %s", e.Error)
	case status >= 500:
		return scraper.Errorf(scraper.KindNetwork, "proxy upstream error (HTTP %d)", status)
	default:
		return scraper.Errorf(scraper.KindUnknown, "proxy error (HTTP %d, code %s): %s", status, e.Code, e.Error)
	}
}
