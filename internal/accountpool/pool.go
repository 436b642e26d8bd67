package accountpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/scraper"
)

// Account is one rate-limited external identity available for rotation.
// All fields except credentials are owned by the pool and must only be
// touched under the pool's lock.
type Account struct {
	Name     string
	Username string
	Password string
	Proxy    string

	// AuthToken is the session token from the last successful login,
	// restored from persisted session state at startup. Once the pool is
	// running it is read and written only through Token and SetToken, since
	// Acquire can hand the same account to concurrent callers.
	AuthToken string

	CooldownUntil    time.Time
	RequestsThisHour int
	HourStartedAt    time.Time
}

// SessionSaver persists per-account session state so cooldowns and auth
// tokens survive a restart. Write failures are logged, never fatal.
type SessionSaver interface {
	Save(ctx context.Context, session *domain.AccountSession) error
}

// ReauthFunc re-authenticates an account after its session expired and
// returns the fresh token. The pool stores the token under its lock so the
// hook never races a concurrent reader.
type ReauthFunc func(ctx context.Context, acct *Account) (string, error)

// Config holds pool tuning parameters.
type Config struct {
	// HourlyQuota is the per-account request cap within a rolling hour.
	HourlyQuota int
	// Cooldown is the penalty window applied on a rate limit; an identity
	// challenge applies twice this window.
	Cooldown time.Duration
	// MaxAttempts bounds how many accounts Execute rotates through before
	// giving up with a pool-exhausted error.
	MaxAttempts int
}

// Pool manages a fixed set of rate-limited accounts and hands out exclusive,
// quota-respecting access to one of them at a time. The account list is the
// only hot shared mutable state in the process; the select-and-increment
// sequence runs under a single lock and the external call itself does not.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	last     int

	quota       int
	cooldown    time.Duration
	maxAttempts int

	reauth   ReauthFunc
	sessions SessionSaver
	log      *logger.Logger

	// injectable for tests
	now    func() time.Time
	jitter func() time.Duration
}

// ErrNoAccounts is returned by Acquire when every account is cooling down
// or at its hourly cap. Callers decide whether that is temporary or fatal.
var ErrNoAccounts = errors.New("no account available")

// New creates a Pool over the given accounts.
func New(accounts []*Account, cfg Config, log *logger.Logger) *Pool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	p := &Pool{
		accounts:    accounts,
		last:        -1,
		quota:       cfg.HourlyQuota,
		cooldown:    cfg.Cooldown,
		maxAttempts: cfg.MaxAttempts,
		log:         log,
		now:         time.Now,
	}
	p.jitter = func() time.Duration {
		return 500*time.Millisecond + time.Duration(rand.Int63n(int64(1500*time.Millisecond)))
	}
	return p
}

// SetReauth installs the in-place re-authentication hook. The session
// backend wires this after construction because login needs its HTTP client.
func (p *Pool) SetReauth(fn ReauthFunc) {
	p.reauth = fn
}

// SetSessionSaver installs the persistence hook for session state.
func (p *Pool) SetSessionSaver(s SessionSaver) {
	p.sessions = s
}

// SetJitter overrides the post-success delay. Tests set it to zero.
func (p *Pool) SetJitter(fn func() time.Duration) {
	p.jitter = fn
}

// Size returns the number of accounts in the pool.
func (p *Pool) Size() int {
	return len(p.accounts)
}

// Token reads an account's session token under the pool lock.
func (p *Pool) Token(acct *Account) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return acct.AuthToken
}

// SetToken stores an account's session token under the pool lock.
func (p *Pool) SetToken(acct *Account, token string) {
	p.mu.Lock()
	acct.AuthToken = token
	p.mu.Unlock()
}

// Acquire selects the next eligible account round-robin, starting after the
// last-returned index, and consumes one unit of its hourly quota. The whole
// check-and-increment runs under one critical section so concurrent callers
// never share the same slot. Returns ErrNoAccounts when every account is
// ineligible.
func (p *Pool) Acquire() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		idx := (p.last + 1 + i) % n
		acct := p.accounts[idx]

		if now.Sub(acct.HourStartedAt) >= time.Hour {
			acct.RequestsThisHour = 0
			acct.HourStartedAt = now
		}
		if now.Before(acct.CooldownUntil) {
			continue
		}
		if p.quota > 0 && acct.RequestsThisHour >= p.quota {
			continue
		}

		acct.RequestsThisHour++
		p.last = idx
		return acct, nil
	}
	return nil, ErrNoAccounts
}

// MarkRateLimited puts an account on cooldown after it hit an external
// rate limit. Only the offending account is penalized, never the pool.
func (p *Pool) MarkRateLimited(acct *Account) {
	p.setCooldown(acct, p.cooldown)
}

// MarkChallenge puts an account on a doubled cooldown after the backend
// demanded identity verification, a stronger signal than a rate limit.
func (p *Pool) MarkChallenge(acct *Account) {
	p.setCooldown(acct, 2*p.cooldown)
}

func (p *Pool) setCooldown(acct *Account, d time.Duration) {
	p.mu.Lock()
	acct.CooldownUntil = p.now().Add(d)
	until := acct.CooldownUntil
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		logger.FieldAccount: acct.Name,
		"cooldown_until":    until.Format(time.RFC3339),
	}).Warn("Account placed on cooldown")
	p.persistSession(acct)
}

// persistSession writes the account's session state best-effort.
func (p *Pool) persistSession(acct *Account) {
	if p.sessions == nil {
		return
	}
	p.mu.Lock()
	sess := &domain.AccountSession{
		AccountName: acct.Name,
		AuthToken:   acct.AuthToken,
	}
	if !acct.CooldownUntil.IsZero() {
		t := acct.CooldownUntil
		sess.CooldownUntil = &t
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sessions.Save(ctx, sess); err != nil {
		p.log.WithField(logger.FieldAccount, acct.Name).WithError(err).Warn("Failed to persist account session")
	}
}

// Execute is the primary entry point for callers. It acquires an account,
// invokes fn with it, and classifies the outcome against the retry taxonomy,
// rotating to a different account up to the configured budget. Hard-stop
// errors propagate immediately without consuming a retry or penalizing the
// account. Exhausting the budget yields a pool-exhausted error so the caller
// can reschedule rather than permanently fail.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, acct *Account) error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		acct, err := p.Acquire()
		if err != nil {
			return scraper.Errorf(scraper.KindPoolExhausted, "all %d accounts unavailable", len(p.accounts))
		}

		err = fn(ctx, acct)
		if err == nil {
			p.sleepJitter(ctx)
			return nil
		}
		lastErr = err

		switch scraper.KindOf(err) {
		case scraper.KindHardStop:
			return err

		case scraper.KindRateLimited, scraper.KindNetwork:
			p.MarkRateLimited(acct)

		case scraper.KindChallenge:
			p.MarkChallenge(acct)

		case scraper.KindAuthExpired:
			retryErr := p.retryAfterReauth(ctx, acct, fn)
			if retryErr == nil {
				p.sleepJitter(ctx)
				return nil
			}
			if scraper.KindOf(retryErr) == scraper.KindHardStop {
				return retryErr
			}
			lastErr = retryErr
			p.MarkRateLimited(acct)

		default:
			return fmt.Errorf("backend call failed: %w", err)
		}

		p.log.WithFields(logger.Fields{
			logger.FieldAccount: acct.Name,
			"attempt":           attempt + 1,
			"kind":              scraper.KindOf(lastErr).String(),
		}).Warn("Rotating to next account")
	}

	return scraper.Errorf(scraper.KindPoolExhausted, "retry budget exhausted after %d attempts: %v",
		p.maxAttempts, scraper.SanitizeError(lastErr))
}

// retryAfterReauth attempts one in-place re-authentication and, on success,
// repeats the original call once on the same account.
func (p *Pool) retryAfterReauth(ctx context.Context, acct *Account, fn func(ctx context.Context, acct *Account) error) error {
	if p.reauth == nil {
		return scraper.Errorf(scraper.KindAuthExpired, "no re-auth hook configured")
	}
	p.log.WithField(logger.FieldAccount, acct.Name).Info("Session expired, re-authenticating in place")
	token, err := p.reauth(ctx, acct)
	if err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	p.SetToken(acct, token)
	p.persistSession(acct)
	return fn(ctx, acct)
}

// sleepJitter inserts a small randomized delay after a successful call to
// avoid bursty request patterns against the external service.
func (p *Pool) sleepJitter(ctx context.Context) {
	d := p.jitter()
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
