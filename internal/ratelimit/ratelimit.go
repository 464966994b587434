// Package ratelimit caps pushes per consumer group. The group comes from the
// request body, so the limit is checked inside the handler instead of as
// router middleware.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// Window is the quota period.
const Window = time.Minute

// RateLimiter caps pushes per group over a sliding one-minute window
type RateLimiter struct {
	limiter   *httprate.RateLimiter
	perMinute int
}

// New creates a RateLimiter allowing perMinute pushes per group.
// A non-positive limit returns nil, which allows everything.
func New(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limiter:   httprate.NewRateLimiter(perMinute, Window),
		perMinute: perMinute,
	}
}

// Limit counts one push for group and reports whether it is over quota.
// It sets the X-RateLimit-* headers on w, plus Retry-After when limited;
// writing the rejection is left to the caller.
func (rl *RateLimiter) Limit(w http.ResponseWriter, r *http.Request, group string) bool {
	if rl == nil {
		return false
	}
	return rl.limiter.OnLimit(w, r, "group:"+group)
}

// PerMinute returns the configured quota, or zero when limiting is off.
func (rl *RateLimiter) PerMinute() int {
	if rl == nil {
		return 0
	}
	return rl.perMinute
}
