// Package internal holds helpers shared by the transport and the adapters:
// time arithmetic for rate-limit headers and readers for decoded JSON values.
package internal

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads a Retry-After header given either as delay seconds or
// as an HTTP date. Unparseable or past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ParseResetAt reads an X-RateLimit-Reset header. Values that look like unix
// timestamps are taken as absolute seconds, small values as a delay from now.
// The result is in unix milliseconds.
func ParseResetAt(value string, now time.Time) (int64, bool) {
	ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	// anything below ~2001-09 is a relative delay
	if ts < 1_000_000_000 {
		return now.UnixMilli() + ts*1000, true
	}
	return UnixToMs(ts), true
}

// UnixToMs converts a UNIX timestamp in seconds to milliseconds.
func UnixToMs(timestamp int64) int64 {
	return timestamp * 1000
}

// IsInFuture checks if a timestamp (in ms) is after now.
func IsInFuture(ms int64, now time.Time) bool {
	return ms > now.UnixMilli()
}
