package backend

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/clicktronix/scout/internal/accountpool"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/scraper"
)

// SessionBackend drives the platform's private web API through a pool of
// logged-in accounts. Every call goes through pool.Execute so rate limits,
// challenges, and expired sessions rotate accounts automatically.
type SessionBackend struct {
	pool    *accountpool.Pool
	http    *resty.Client
	baseURL string
	log     *logger.Logger
}

// NewSessionBackend creates the account-backed scraper and installs its
// login routine as the pool's re-authentication hook.
// Parameters:
//   - pool: account pool to rotate through.
//   - baseURL: platform API base URL.
//   - log: structured logger.
// Returns:
//   - *SessionBackend: initialized backend.
func NewSessionBackend(pool *accountpool.Pool, baseURL string, log *logger.Logger) *SessionBackend {
	client := resty.New()
	client.SetTimeout(30 * time.Second)

	b := &SessionBackend{
		pool:    pool,
		http:    client,
		baseURL: baseURL,
		log:     log,
	}
	pool.SetReauth(b.login)
	return b
}

type sessionProfilePayload struct {
	User struct {
		Username      string `json:"username"`
		FullName      string `json:"full_name"`
		Biography     string `json:"biography"`
		FollowerCount int64  `json:"follower_count"`
		FollowingCount int64 `json:"following_count"`
		MediaCount    int64  `json:"media_count"`
		ProfilePicURL string `json:"profile_pic_url"`
		IsPrivate     bool   `json:"is_private"`
	} `json:"user"`
	Status string `json:"status"`
}

type sessionSearchPayload struct {
	Users []struct {
		Username      string `json:"username"`
		FullName      string `json:"full_name"`
		FollowerCount int64  `json:"follower_count"`
		ProfilePicURL string `json:"profile_pic_url"`
		IsPrivate     bool   `json:"is_private"`
	} `json:"users"`
}

type loginPayload struct {
	Authenticated bool   `json:"authenticated"`
	Token         string `json:"token"`
	Message       string `json:"message"`
}

// login authenticates one account and returns the fresh session token; the
// pool stores it under its lock. Also used as the in-place re-auth hook.
// Rejections classify through the shared status map so a rate-limited login
// does not draw a challenge cooldown; only an explicit authentication
// refusal counts as a challenge.
func (b *SessionBackend) login(ctx context.Context, acct *accountpool.Account) (string, error) {
	req := b.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"username": acct.Username,
			"password": acct.Password,
		})

	var payload loginPayload
	resp, err := req.SetResult(&payload).Post(b.baseURL + "/accounts/login")
	if err != nil {
		return "", scraper.Errorf(scraper.KindNetwork, "login transport error: %v", err)
	}
	if resp.IsError() {
		return "", classifyStatus(resp)
	}
	if !payload.Authenticated {
		return "", scraper.Errorf(scraper.KindChallenge, "login rejected for account: %s", payload.Message)
	}
	return payload.Token, nil
}

// FetchProfile retrieves a subject's profile through a pool account.
func (b *SessionBackend) FetchProfile(ctx context.Context, platform, username string) (*scraper.ProfileData, error) {
	var data *scraper.ProfileData
	err := b.pool.Execute(ctx, func(ctx context.Context, acct *accountpool.Account) error {
		var payload sessionProfilePayload
		resp, err := b.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+b.pool.Token(acct)).
			SetResult(&payload).
			Get(b.baseURL + "/users/" + url.PathEscape(username) + "/info")
		if err != nil {
			return scraper.Errorf(scraper.KindNetwork, "profile fetch transport error: %v", err)
		}
		if err := classifyStatus(resp); err != nil {
			return err
		}
		if payload.User.IsPrivate {
			return scraper.NewError(scraper.KindHardStop, scraper.ErrProfilePrivate)
		}

		u := payload.User
		data = &scraper.ProfileData{
			Platform:    platform,
			Username:    u.Username,
			DisplayName: u.FullName,
			Bio:         u.Biography,
			Followers:   u.FollowerCount,
			Following:   u.FollowingCount,
			Posts:       u.MediaCount,
			AvatarURL:   u.ProfilePicURL,
			IsPrivate:   u.IsPrivate,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Discover searches for candidate profiles matching a query.
func (b *SessionBackend) Discover(ctx context.Context, query string, minFollowers int) ([]scraper.ProfileData, error) {
	var results []scraper.ProfileData
	err := b.pool.Execute(ctx, func(ctx context.Context, acct *accountpool.Account) error {
		var payload sessionSearchPayload
		resp, err := b.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+b.pool.Token(acct)).
			SetQueryParams(map[string]string{
				"q":     query,
				"count": strconv.Itoa(50),
			}).
			SetResult(&payload).
			Get(b.baseURL + "/users/search")
		if err != nil {
			return scraper.Errorf(scraper.KindNetwork, "search transport error: %v", err)
		}
		if err := classifyStatus(resp); err != nil {
			return err
		}

		results = results[:0]
		for _, u := range payload.Users {
			if u.FollowerCount < int64(minFollowers) || u.IsPrivate {
				continue
			}
			results = append(results, scraper.ProfileData{
				Username:    u.Username,
				DisplayName: u.FullName,
				Followers:   u.FollowerCount,
				AvatarURL:   u.ProfilePicURL,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// classifyStatus maps the platform's HTTP vocabulary into the retry taxonomy.
func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401:
		return scraper.Errorf(scraper.KindAuthExpired, "session rejected (HTTP 401)")
	case code == 404:
		return scraper.NewError(scraper.KindHardStop, scraper.ErrProfileNotFound)
	case code == 429:
		return scraper.Errorf(scraper.KindRateLimited, "rate limited (HTTP 429)")
	case code == 403:
		// The platform answers 403 with a challenge body when it wants
		// identity verification from the account.
		return scraper.Errorf(scraper.KindChallenge, "challenge demanded (HTTP 403): %s", truncate(resp.String(), 200))
	case code >= 500:
		return scraper.Errorf(scraper.KindNetwork, "upstream error (HTTP %d)", code)
	default:
		return fmt.Errorf("unexpected HTTP %d: %s", code, truncate(resp.String(), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
