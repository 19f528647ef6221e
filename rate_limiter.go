// rate_limiter.go
// ----------------
// RateLimiter keeps the most recent rate limit info reported by the backend
// (X-RateLimit-* and Retry-After headers) and, optionally, a client-side token
// bucket. Before each request the client waits until both allow it.
package restbridge

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/opengovern/restbridge/internal"
	"golang.org/x/time/rate"
)

type RateLimiter struct {
	mu     sync.Mutex
	info   *NormalizedRateLimitInfo
	bucket *rate.Limiter
	now    func() time.Time
}

// NewRateLimiter returns a limiter. rps <= 0 disables the client-side bucket.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	r := &RateLimiter{now: time.Now}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.bucket = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return r
}

// ParseRateLimitInfo reads the conventional rate limit headers. headers must
// have lower-cased keys. It returns nil when no header is present.
func ParseRateLimitInfo(headers map[string]string, now time.Time) *NormalizedRateLimitInfo {
	parseInt := func(key string) *int {
		if val, ok := headers[key]; ok {
			if i, err := strconv.Atoi(val); err == nil {
				return &i
			}
		}
		return nil
	}

	info := &NormalizedRateLimitInfo{
		MaxRequests:       parseInt("x-ratelimit-limit"),
		RemainingRequests: parseInt("x-ratelimit-remaining"),
	}
	if val, ok := headers["x-ratelimit-reset"]; ok {
		if ms, ok := internal.ParseResetAt(val, now); ok {
			info.ResetRequestsAt = &ms
		}
	}

	// retry-after is only present when rate-limited
	if d := internal.ParseRetryAfter(headers["retry-after"], now); d > 0 {
		future := now.Add(d).UnixMilli()
		info.GlobalResetAt = &future
		if info.ResetRequestsAt == nil || future > *info.ResetRequestsAt {
			info.ResetRequestsAt = &future
		}
		if info.RemainingRequests == nil {
			zero := 0
			info.RemainingRequests = &zero
		}
	}

	if info.MaxRequests == nil && info.RemainingRequests == nil && info.ResetRequestsAt == nil {
		return nil
	}
	return info
}

// UpdateRateLimits stores the latest info, applying the config override when
// provider limits are not used as-is.
func (r *RateLimiter) UpdateRateLimits(info *NormalizedRateLimitInfo, config ClientConfig) {
	if info == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !config.UseProviderLimits && config.MaxRequestsOverride != nil {
		info.MaxRequests = config.MaxRequestsOverride
		if info.RemainingRequests == nil || *info.RemainingRequests > *info.MaxRequests {
			newRem := *info.MaxRequests
			info.RemainingRequests = &newRem
		}
	}
	r.info = info
}

// delayBeforeNextRequest returns how long the backend asked us to hold off.
func (r *RateLimiter) delayBeforeNextRequest() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.info
	if info == nil || info.RemainingRequests == nil || *info.RemainingRequests > 0 || info.ResetRequestsAt == nil {
		return 0
	}
	now := r.now()
	if !internal.IsInFuture(*info.ResetRequestsAt, now) {
		return 0
	}
	return time.Duration(*info.ResetRequestsAt-now.UnixMilli()) * time.Millisecond
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if delay := r.delayBeforeNextRequest(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if r.bucket != nil {
		return r.bucket.Wait(ctx)
	}
	return nil
}

// Info returns a copy of the last known rate limit info.
func (r *RateLimiter) Info() *NormalizedRateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return nil
	}
	copyInfo := *r.info
	return &copyInfo
}
