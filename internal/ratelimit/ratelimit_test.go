package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func push(rl *RateLimiter, group string) (bool, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/items", nil)
	return rl.Limit(rec, req, group), rec
}

func TestLimitPerGroup(t *testing.T) {
	rl := New(2)

	for i := 0; i < 2; i++ {
		if limited, _ := push(rl, "a"); limited {
			t.Fatalf("push %d should pass", i)
		}
	}
	limited, rec := push(rl, "a")
	if !limited {
		t.Fatalf("third push in the window should be limited")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if limited, _ := push(rl, "b"); limited {
		t.Fatalf("groups must not share a budget")
	}
}

func TestDisabledLimiter(t *testing.T) {
	rl := New(0)
	if rl != nil {
		t.Fatalf("New(0) = %v, want nil", rl)
	}
	for i := 0; i < 100; i++ {
		if limited, _ := push(rl, "g"); limited {
			t.Fatalf("disabled limiter rejected push %d", i)
		}
	}
	if rl.PerMinute() != 0 {
		t.Fatalf("PerMinute on nil limiter = %d", rl.PerMinute())
	}
}
