package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/audit"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/httputil"
	"github.com/openclaw/autoconnect/internal/util"
)

const (
	maxTrackedOwners = 10000
	entryTTL         = 5 * time.Minute
	windowDuration   = time.Minute

	defaultLimitPerMin = 10
)

// Limiter is a sliding one-minute window keyed by caller.
type Limiter interface {
	Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64)
}

// RateLimiter is the in-process Limiter used when no redis is configured.
// Idle owners age out of the LRU after entryTTL.
type RateLimiter struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, []time.Time]
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: expirable.NewLRU[string, []time.Time](maxTrackedOwners, nil, entryTTL),
	}
}

func (rl *RateLimiter) Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-windowDuration)

	previous, _ := rl.windows.Get(key)
	hits := make([]time.Time, 0, len(previous)+1)
	for _, ts := range previous {
		if ts.After(windowStart) {
			hits = append(hits, ts)
		}
	}

	resetAt = now.Add(windowDuration).Unix()
	if len(hits) > 0 {
		resetAt = hits[0].Add(windowDuration).Unix()
	}

	if len(hits) >= limit {
		rl.windows.Add(key, hits)
		return false, 0, resetAt
	}

	hits = append(hits, now)
	rl.windows.Add(key, hits)
	return true, limit - len(hits), resetAt
}

// RateLimitMiddleware limits requests per owner key. Requests without an
// owner key pass through.
type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
}

func NewRateLimitMiddleware(limiter Limiter, limitPerMin int) *RateLimitMiddleware {
	if limitPerMin <= 0 {
		limitPerMin = defaultLimitPerMin
	}
	return &RateLimitMiddleware{limiter: limiter, limit: limitPerMin}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerKey := GetOwnerKey(r.Context())
		if ownerKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt := m.limiter.Check(r.Context(), ownerKey, m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("ownerKey", util.ShortKey(ownerKey)).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:     audit.EventRateLimitExceed,
				OwnerKey: ownerKey,
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(windowDuration.Seconds())))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
