package restbridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RequestExecutor handles retry logic, backoff, and consulting the RateLimiter.
type RequestExecutor struct {
	client *Client
}

func NewRequestExecutor(client *Client) *RequestExecutor {
	return &RequestExecutor{client: client}
}

type retryableStatusError struct {
	status int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.status)
}

// ExecuteWithRetry runs operation until it yields a final response. Only
// idempotent methods are retried; the last response of an exhausted retry
// budget is returned as-is so the adapter can classify it.
func (re *RequestExecutor) ExecuteWithRetry(ctx context.Context, method string, operation func(context.Context) (*NormalizedResponse, error)) (*NormalizedResponse, error) {
	cfg := re.client.config
	log := re.client.log.With().Str("method", method).Logger()
	retryable := cfg.MaxRetries > 0 && isIdempotent(method)

	var (
		last     *NormalizedResponse
		attempts int
	)
	op := func() error {
		if err := re.client.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		resp, err := operation(ctx)
		if err != nil {
			if !retryable || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		last = resp

		if info := ParseRateLimitInfo(resp.Headers, time.Now()); info != nil {
			re.client.limiter.UpdateRateLimits(info, cfg)
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			return &retryableStatusError{status: resp.StatusCode}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		re.client.metrics.IncRetry(re.client.adapter.name, method)
		log.Debug().Err(err).Dur("wait", wait).Int("attempt", attempts).Msg("retrying request")
	}

	err := backoff.RetryNotify(op, re.newBackOff(ctx), notify)
	if err != nil {
		if _, ok := err.(*retryableStatusError); ok && last != nil {
			log.Debug().Int("status", last.StatusCode).Int("attempts", attempts).Msg("max retries reached")
			return last, nil
		}
		return nil, err
	}
	if attempts > 1 {
		log.Debug().Int("attempts", attempts).Msg("request succeeded after retries")
	}
	return last, nil
}

func (re *RequestExecutor) newBackOff(ctx context.Context) backoff.BackOff {
	cfg := re.client.config
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)), ctx)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
