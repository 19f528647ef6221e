// client.go
// ---------
// Client is the single choke point for outbound HTTP. It owns exactly one
// adapter, attaches auth headers for the current token pair, runs requests
// through the RequestExecutor (rate limits, retries) and normalizes every
// outcome into a RawEnvelope or an *APIError.
package restbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opengovern/restbridge/logger"
	"github.com/opengovern/restbridge/metrics"
	"github.com/rs/zerolog"
)

// Tokens is the access/refresh pair. It is always replaced as a whole.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (t Tokens) IsZero() bool {
	return t.Access == "" && t.Refresh == ""
}

type Client struct {
	adapter    *resolvedAdapter
	baseURL    string
	config     ClientConfig
	httpClient *http.Client
	limiter    *RateLimiter
	executor   *RequestExecutor
	log        zerolog.Logger
	metrics    *metrics.ClientMetrics

	mu     sync.RWMutex
	tokens *Tokens
}

// NewClient binds a client to one adapter. Swapping adapters means building
// a new client.
func NewClient(adapter Adapter, config ClientConfig) (*Client, error) {
	if adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	config = config.withDefaults()

	resolved := withDefaults(adapter)
	baseURL, err := NormalizeBaseURL(resolved.baseURL)
	if err != nil {
		return nil, err
	}
	resolved.baseURL = baseURL

	httpClient, err := newHTTPClient(config)
	if err != nil {
		return nil, err
	}

	c := &Client{
		adapter:    resolved,
		baseURL:    baseURL,
		config:     config,
		httpClient: httpClient,
		limiter:    NewRateLimiter(config.RequestsPerSecond, config.Burst),
		log:        logger.OrNop(config.Logger).With().Str("adapter", resolved.name).Logger(),
		metrics:    config.Metrics,
	}
	c.executor = NewRequestExecutor(c)

	c.log.Debug().Str("baseURL", baseURL).Int("maxRetries", config.MaxRetries).Msg("client created")
	return c, nil
}

func newHTTPClient(config ClientConfig) (*http.Client, error) {
	if config.HTTPClient != nil {
		if config.HTTPClient.Jar != nil {
			return config.HTTPClient, nil
		}
		clone := *config.HTTPClient
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		clone.Jar = jar
		return &clone, nil
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &http.Client{Timeout: config.Timeout, Jar: jar}, nil
}

// NormalizeBaseURL trims trailing slashes and rewrites loopback IP literals
// to "localhost" so cookies and credentials are scoped to one origin.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", raw)
	}
	if host := u.Hostname(); host == "127.0.0.1" || host == "::1" {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort("localhost", port)
		} else {
			u.Host = "localhost"
		}
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func (c *Client) BaseURL() string     { return c.baseURL }
func (c *Client) AdapterName() string { return c.adapter.name }

// SetTokens installs the pair used for auth headers. nil clears it.
func (c *Client) SetTokens(tokens *Tokens) {
	var copied *Tokens
	if tokens != nil && !tokens.IsZero() {
		t := *tokens
		copied = &t
	}
	c.mu.Lock()
	c.tokens = copied
	c.mu.Unlock()
}

func (c *Client) ClearTokens() {
	c.SetTokens(nil)
}

// Tokens returns a copy of the current pair, or nil.
func (c *Client) Tokens() *Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return nil
	}
	t := *c.tokens
	return &t
}

// RateLimitInfo returns the last rate limit info reported by the backend.
func (c *Client) RateLimitInfo() *NormalizedRateLimitInfo {
	return c.limiter.Info()
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, headers map[string]string) (*RawEnvelope, error) {
	return c.Request(ctx, NormalizedRequest{Method: http.MethodGet, Endpoint: path, Query: query, Headers: headers})
}

func (c *Client) Post(ctx context.Context, path string, body any, headers map[string]string) (*RawEnvelope, error) {
	return c.Request(ctx, NormalizedRequest{Method: http.MethodPost, Endpoint: path, Body: body, Headers: headers})
}

func (c *Client) Put(ctx context.Context, path string, body any, headers map[string]string) (*RawEnvelope, error) {
	return c.Request(ctx, NormalizedRequest{Method: http.MethodPut, Endpoint: path, Body: body, Headers: headers})
}

func (c *Client) Patch(ctx context.Context, path string, body any, headers map[string]string) (*RawEnvelope, error) {
	return c.Request(ctx, NormalizedRequest{Method: http.MethodPatch, Endpoint: path, Body: body, Headers: headers})
}

func (c *Client) Delete(ctx context.Context, path string, body any, headers map[string]string) (*RawEnvelope, error) {
	return c.Request(ctx, NormalizedRequest{Method: http.MethodDelete, Endpoint: path, Body: body, Headers: headers})
}

// Request performs one call. Every failure is returned as an *APIError.
func (c *Client) Request(ctx context.Context, req NormalizedRequest) (*RawEnvelope, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	requestID := uuid.NewString()
	fullURL := c.buildURL(req.Endpoint, req.Query)
	log := c.log.With().
		Str("method", req.Method).
		Str("path", req.Endpoint).
		Str("requestId", requestID).
		Logger()

	start := time.Now()
	finish := func(status int, apiErr *APIError) {
		code := ""
		if apiErr != nil {
			code = string(apiErr.Code)
		}
		c.metrics.ObserveRequest(c.adapter.name, req.Method, status, code, time.Since(start))
	}

	var payload []byte
	if req.Body != nil {
		body, err := c.adapter.transformRequest(req.Body)
		if err != nil {
			apiErr := NewAPIError(CodeUnknown, 0, "Failed to encode request body").WithCause(err)
			finish(0, apiErr)
			return nil, apiErr
		}
		payload, err = json.Marshal(body)
		if err != nil {
			apiErr := NewAPIError(CodeUnknown, 0, "Failed to encode request body").WithCause(err)
			finish(0, apiErr)
			return nil, apiErr
		}
	}
	headers := c.buildHeaders(req.Headers, requestID)

	resp, err := c.executor.ExecuteWithRetry(ctx, req.Method, func(ctx context.Context) (*NormalizedResponse, error) {
		return c.do(ctx, req.Method, fullURL, headers, payload)
	})
	if err != nil {
		apiErr := c.classify(&RawError{Status: 0, URL: c.baseURL, Cause: err})
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("request failed before a response was received")
		finish(0, apiErr)
		return nil, apiErr
	}

	body := decodeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := c.classify(&RawError{Status: resp.StatusCode, Body: body, Headers: resp.Headers, URL: fullURL})
		log.Debug().Int("status", resp.StatusCode).Str("code", string(apiErr.Code)).Dur("duration", time.Since(start)).Msg("request returned an error status")
		finish(resp.StatusCode, apiErr)
		return nil, apiErr
	}

	env, err := c.adapter.transformResponse(body, resp.StatusCode)
	if err != nil {
		apiErr := NewAPIError(CodeUnknown, resp.StatusCode, "Failed to read response").WithCause(err)
		finish(resp.StatusCode, apiErr)
		return nil, apiErr
	}
	if env == nil {
		env = &RawEnvelope{Data: body}
	}
	// the envelope describes this HTTP exchange, which succeeded
	if env.Status == 0 {
		env.Status = resp.StatusCode
	}
	env.Success = true

	log.Debug().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("request completed")
	finish(resp.StatusCode, nil)
	return env, nil
}

func (c *Client) classify(raw *RawError) *APIError {
	if apiErr := c.adapter.transformError(raw); apiErr != nil {
		return apiErr
	}
	return DefaultTransformError(raw)
}

func (c *Client) buildURL(path string, query url.Values) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full := c.baseURL + path
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + query.Encode()
	}
	return full
}

// buildHeaders merges defaults, adapter auth headers and caller headers, in
// that order of increasing precedence.
func (c *Client) buildHeaders(extra map[string]string, requestID string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", c.config.UserAgent)
	h.Set("X-Request-ID", requestID)
	if c.config.Origin != "" {
		h.Set("Origin", c.config.Origin)
	}
	if tokens := c.Tokens(); tokens != nil {
		for k, v := range c.adapter.authHeaders(tokens) {
			h.Set(k, v)
		}
	}
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, fullURL string, headers http.Header, payload []byte) (*NormalizedResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers.Clone()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &NormalizedResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Data:       data,
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}
	return headers
}

// decodeBody parses JSON bodies into a tree (numbers kept as json.Number),
// returns other bodies as text and empty bodies as nil.
func decodeBody(resp *NormalizedResponse) any {
	if len(bytes.TrimSpace(resp.Data)) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(resp.Headers["content-type"]), "json") {
		dec := json.NewDecoder(bytes.NewReader(resp.Data))
		dec.UseNumber()
		var tree any
		if err := dec.Decode(&tree); err == nil {
			return tree
		}
	}
	return string(resp.Data)
}
