// config.go
// ----------
// ClientConfig carries the per-client knobs of the transport: timeouts,
// retries/backoff for idempotent calls, provider-reported rate limits and an
// optional client-side request rate.
package restbridge

import (
	"net/http"
	"time"

	"github.com/opengovern/restbridge/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// ClientConfig allows per-client customization of retries, limits and wiring.
type ClientConfig struct {
	Timeout time.Duration // Per-request timeout of the default http.Client

	// Retries apply only to idempotent methods, on network errors, 429 and 5xx.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Reported X-RateLimit-* / Retry-After waits are always honoured. When
	// UseProviderLimits is false, MaxRequestsOverride replaces the reported
	// limit and caps the reported remaining count.
	UseProviderLimits   bool
	MaxRequestsOverride *int

	RequestsPerSecond float64 // Client-side throttle; 0 disables
	Burst             int

	Origin    string // Sent as the Origin header when set
	UserAgent string

	HTTPClient *http.Client // Used as-is when set; a cookie jar is added if missing
	Logger     *zerolog.Logger
	Metrics    *metrics.ClientMetrics
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "restbridge"
	}
	return c
}
