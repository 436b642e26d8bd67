package accountpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/scraper"
)

func newTestPool(t *testing.T, names []string, cfg Config) *Pool {
	t.Helper()
	accounts := make([]*Account, 0, len(names))
	for _, name := range names {
		accounts = append(accounts, &Account{Name: name, Username: name, Password: "pw"})
	}
	p := New(accounts, cfg, logger.NewDefault())
	p.jitter = func() time.Duration { return 0 }
	return p
}

func TestAcquire_RoundRobin(t *testing.T) {
	p := newTestPool(t, []string{"a", "b", "c"}, Config{HourlyQuota: 10})

	var got []string
	for i := 0; i < 6; i++ {
		acct, err := p.Acquire()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, acct.Name)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acquisition %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAcquire_SkipsCooldown(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, Config{HourlyQuota: 10, Cooldown: time.Hour})

	acct, err := p.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.MarkRateLimited(acct)

	for i := 0; i < 3; i++ {
		next, err := p.Acquire()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.Name == acct.Name {
			t.Fatalf("acquired cooled-down account %s", acct.Name)
		}
	}
}

func TestAcquire_CooldownExpires(t *testing.T) {
	base := time.Now()
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 10, Cooldown: 30 * time.Minute})
	p.now = func() time.Time { return base }

	acct, _ := p.Acquire()
	p.MarkRateLimited(acct)

	if _, err := p.Acquire(); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts during cooldown, got %v", err)
	}

	p.now = func() time.Time { return base.Add(31 * time.Minute) }
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("expected account back after cooldown, got %v", err)
	}
}

func TestAcquire_QuotaResetsAfterHour(t *testing.T) {
	base := time.Now()
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 2})
	p.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("acquisition %d failed: %v", i, err)
		}
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected quota exhaustion, got %v", err)
	}

	p.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("expected quota reset after an hour, got %v", err)
	}
}

func TestMarkChallenge_DoublesCooldown(t *testing.T) {
	base := time.Now()
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 10, Cooldown: 30 * time.Minute})
	p.now = func() time.Time { return base }

	acct, _ := p.Acquire()
	p.MarkChallenge(acct)

	// Still cooling after the single window.
	p.now = func() time.Time { return base.Add(45 * time.Minute) }
	if _, err := p.Acquire(); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected account still cooling at 45m, got %v", err)
	}

	p.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("expected account back after doubled cooldown, got %v", err)
	}
}

func TestExecute_HardStopPropagatesImmediately(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, Config{HourlyQuota: 10, MaxAttempts: 3})

	calls := 0
	sentinel := scraper.NewError(scraper.KindHardStop, errors.New("profile deleted"))
	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		calls++
		return sentinel
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if scraper.KindOf(err) != scraper.KindHardStop {
		t.Errorf("expected hard-stop kind, got %v", scraper.KindOf(err))
	}
}

func TestExecute_RotatesOnRateLimit(t *testing.T) {
	p := newTestPool(t, []string{"a", "b", "c"}, Config{HourlyQuota: 10, Cooldown: time.Hour, MaxAttempts: 3})

	var used []string
	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		used = append(used, acct.Name)
		if acct.Name == "a" {
			return scraper.NewError(scraper.KindRateLimited, errors.New("429"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(used) != 2 || used[0] != "a" || used[1] != "b" {
		t.Errorf("expected rotation a then b, got %v", used)
	}
}

func TestExecute_BudgetExhausted(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, Config{HourlyQuota: 10, Cooldown: time.Hour, MaxAttempts: 2})

	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		return scraper.NewError(scraper.KindNetwork, errors.New("connection reset"))
	})

	if scraper.KindOf(err) != scraper.KindPoolExhausted {
		t.Fatalf("expected pool-exhausted kind, got %v: %v", scraper.KindOf(err), err)
	}
}

func TestExecute_AllAccountsUnavailable(t *testing.T) {
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 10, Cooldown: time.Hour, MaxAttempts: 3})

	acct, _ := p.Acquire()
	p.MarkRateLimited(acct)

	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		t.Fatal("fn must not run when no account is available")
		return nil
	})
	if scraper.KindOf(err) != scraper.KindPoolExhausted {
		t.Fatalf("expected pool-exhausted kind, got %v", scraper.KindOf(err))
	}
}

func TestExecute_ReauthRecoversExpiredSession(t *testing.T) {
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 10, MaxAttempts: 3})

	reauths := 0
	p.SetReauth(func(ctx context.Context, acct *Account) (string, error) {
		reauths++
		return "fresh", nil
	})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		calls++
		if p.Token(acct) == "" {
			return scraper.NewError(scraper.KindAuthExpired, errors.New("401"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reauths != 1 {
		t.Errorf("expected 1 re-auth, got %d", reauths)
	}
	if calls != 2 {
		t.Errorf("expected original call plus one repeat, got %d", calls)
	}
	if got := p.Token(p.accounts[0]); got != "fresh" {
		t.Errorf("expected stored token %q, got %q", "fresh", got)
	}
}

func TestExecute_ConcurrentReauthAndReads(t *testing.T) {
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 100, MaxAttempts: 3})

	p.SetReauth(func(ctx context.Context, acct *Account) (string, error) {
		return "fresh", nil
	})

	// One account shared by every caller: each call reads the token the way
	// a backend builds its auth header, and expired sessions re-auth in
	// place while the others keep reading.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
				if p.Token(acct) == "" {
					return scraper.NewError(scraper.KindAuthExpired, errors.New("401"))
				}
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := p.Token(p.accounts[0]); got != "fresh" {
		t.Errorf("expected stored token %q, got %q", "fresh", got)
	}
}

func TestExecute_UnknownErrorDoesNotRetry(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, Config{HourlyQuota: 10, MaxAttempts: 3})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, acct *Account) error {
		calls++
		return errors.New("unexpected payload shape")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected no rotation on unknown error, got %d calls", calls)
	}
}

type fakeSaver struct {
	saved []*domain.AccountSession
}

func (f *fakeSaver) Save(ctx context.Context, s *domain.AccountSession) error {
	f.saved = append(f.saved, s)
	return nil
}

func TestMarkRateLimited_PersistsSession(t *testing.T) {
	p := newTestPool(t, []string{"a"}, Config{HourlyQuota: 10, Cooldown: time.Hour})
	saver := &fakeSaver{}
	p.SetSessionSaver(saver)

	acct, _ := p.Acquire()
	p.SetToken(acct, "tok")
	p.MarkRateLimited(acct)

	if len(saver.saved) != 1 {
		t.Fatalf("expected 1 persisted session, got %d", len(saver.saved))
	}
	sess := saver.saved[0]
	if sess.AccountName != "a" || sess.AuthToken != "tok" {
		t.Errorf("unexpected session contents: %+v", sess)
	}
	if sess.CooldownUntil == nil {
		t.Error("expected cooldown to be persisted")
	}
}
