package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/scraper"
)

func TestProxyClassify(t *testing.T) {
	b := NewProxyAPIBackend("http://unused", "key", logger.NewDefault())

	tests := []struct {
		name     string
		status   int
		payload  proxyErrorPayload
		wantKind scraper.Kind
	}{
		{"exhausted balance", 402, proxyErrorPayload{Code: "insufficient_balance"}, scraper.KindBudget},
		{"balance code without 402", 400, proxyErrorPayload{Code: "insufficient_balance"}, scraper.KindBudget},
		{"not found", 404, proxyErrorPayload{}, scraper.KindHardStop},
		{"private profile", 403, proxyErrorPayload{Code: "profile_private"}, scraper.KindHardStop},
		{"rate limited", 429, proxyErrorPayload{}, scraper.KindRateLimited},
		{"upstream error", 502, proxyErrorPayload{}, scraper.KindNetwork},
		{"unmapped", 418, proxyErrorPayload{Code: "weird"}, scraper.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.classify(tt.status, tt.payload)
			if got := scraper.KindOf(err); got != tt.wantKind {
				t.Errorf("classify(%d, %q): got kind %v, want %v", tt.status, tt.payload.Code, got, tt.wantKind)
			}
		})
	}
}

func TestProxyFetchProfile_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"handle":      r.URL.Query().Get("username"),
			"name":        "Full Name",
			"about":       "a bio",
			"followers":   4200,
			"following":   10,
			"posts_count": 5,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := NewProxyAPIBackend(srv.URL, "key", logger.NewDefault())
	data, err := b.FetchProfile(context.Background(), "instagram", "jdoe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Username != "jdoe" || data.Followers != 4200 || data.Platform != "instagram" {
		t.Errorf("unexpected profile data: %+v", data)
	}
}

func TestProxyFetchProfile_BudgetStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "balance exhausted",
			"code":  "insufficient_balance",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := NewProxyAPIBackend(srv.URL, "key", logger.NewDefault())
	_, err := b.FetchProfile(context.Background(), "instagram", "jdoe")
	if scraper.KindOf(err) != scraper.KindBudget {
		t.Fatalf("expected budget kind, got %v: %v", scraper.KindOf(err), err)
	}
	if scraper.IsRetryable(err) {
		t.Error("budget errors must not be retryable")
	}
}

func TestProxyFetchProfile_NotFoundIsHardStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "not_found"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := NewProxyAPIBackend(srv.URL, "key", logger.NewDefault())
	_, err := b.FetchProfile(context.Background(), "instagram", "jdoe")
	if !errors.Is(err, scraper.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}
