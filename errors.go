package restbridge

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/opengovern/restbridge/internal"
)

type ErrorCode string

const (
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	CodePermission     ErrorCode = "PERMISSION_ERROR"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeNetwork        ErrorCode = "NETWORK_ERROR"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeNoRefreshToken ErrorCode = "NO_REFRESH_TOKEN"
	CodeUnknown        ErrorCode = "UNKNOWN_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[ErrorCode]Metadata{
	CodeValidation: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "Validation failed",
	},
	CodeAuthentication: {
		HTTPStatus:    http.StatusUnauthorized,
		PublicMessage: "Authentication required",
	},
	CodePermission: {
		HTTPStatus:    http.StatusForbidden,
		PublicMessage: "Permission denied",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "Resource not found",
	},
	CodeNetwork: {
		HTTPStatus:    0,
		Retryable:     true,
		PublicMessage: "Network error: unable to reach the server",
	},
	CodeRateLimited: {
		HTTPStatus:    http.StatusTooManyRequests,
		Retryable:     true,
		PublicMessage: "Too many requests",
	},
	CodeNoRefreshToken: {
		HTTPStatus:    http.StatusUnauthorized,
		PublicMessage: "No refresh token available",
	},
	CodeUnknown: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "An unexpected error occurred",
	},
}

func MetadataFor(code ErrorCode) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeUnknown]
}

// APIError is the only error type that crosses the transport boundary.
// Callers branch on Code and Status; Message is for display.
type APIError struct {
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Code    ErrorCode      `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func NewAPIError(code ErrorCode, status int, message string) *APIError {
	if message == "" {
		message = MetadataFor(code).PublicMessage
	}
	return &APIError{Code: code, Status: status, Message: message}
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// WithCause records the underlying error for errors.Is / errors.As.
func (e *APIError) WithCause(err error) *APIError {
	if e != nil {
		e.cause = err
	}
	return e
}

func (e *APIError) WithDetail(key string, value any) *APIError {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// FieldErrors returns the field → messages map of a validation error.
func (e *APIError) FieldErrors() map[string][]string {
	out := map[string][]string{}
	if e == nil {
		return out
	}
	for k, v := range e.Details {
		if msgs, ok := v.([]string); ok {
			out[k] = msgs
		}
	}
	return out
}

func (e *APIError) Retryable() bool {
	return MetadataFor(e.Code).Retryable
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsCode(err error, code ErrorCode) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// RawError is what the transport knows about a failed call before the
// adapter classifies it. Status 0 means no HTTP response was received.
type RawError struct {
	Status  int
	Body    any
	Headers map[string]string
	URL     string
	Cause   error
}

// generalErrorKeys are checked in order when picking the headline message of
// a validation error.
var generalErrorKeys = []string{"non_field_errors", "detail", "message", "error", "__all__"}

// DefaultTransformError classifies a failure by HTTP status.
func DefaultTransformError(raw *RawError) *APIError {
	if raw == nil {
		return NewAPIError(CodeUnknown, 0, "")
	}
	switch {
	case raw.Status == 0:
		return NetworkError(raw.URL, raw.Cause)
	case raw.Status == http.StatusBadRequest || raw.Status == http.StatusUnprocessableEntity:
		return ValidationError(raw.Status, raw.Body)
	case raw.Status == http.StatusUnauthorized:
		return withServerDetail(NewAPIError(CodeAuthentication, raw.Status, ""), raw.Body)
	case raw.Status == http.StatusForbidden:
		return withServerDetail(NewAPIError(CodePermission, raw.Status, ""), raw.Body)
	case raw.Status == http.StatusNotFound:
		return NewAPIError(CodeNotFound, raw.Status, "")
	case raw.Status == http.StatusTooManyRequests:
		e := NewAPIError(CodeRateLimited, raw.Status, "")
		if ra := raw.Headers["retry-after"]; ra != "" {
			e.WithDetail("retryAfter", ra)
		}
		return e
	}
	msg := firstGeneralMessage(raw.Body)
	if msg == "" {
		msg = fmt.Sprintf("Request failed with status %d", raw.Status)
	}
	e := NewAPIError(CodeUnknown, raw.Status, msg)
	if m, ok := raw.Body.(map[string]any); ok {
		for k, v := range m {
			e.WithDetail(k, v)
		}
	} else if raw.Body != nil {
		e.WithDetail("body", raw.Body)
	}
	return e
}

// NetworkError builds the status-0 error for calls that never got a response.
func NetworkError(url string, cause error) *APIError {
	e := NewAPIError(CodeNetwork, 0, "")
	hint := "Check that the API server is running and reachable, and that TLS and CORS settings allow this origin."
	if url != "" {
		hint = fmt.Sprintf("Check that the API server at %s is running and reachable, and that TLS and CORS settings allow this origin.", url)
	}
	e.WithDetail("hint", hint)
	if cause != nil {
		e.WithDetail("cause", cause.Error())
	}
	return e.WithCause(cause)
}

// ValidationError collects per-field message arrays out of a 400/422 body.
// The headline message prefers a general (non-field) error.
func ValidationError(status int, body any) *APIError {
	fields := CollectFieldErrors(body)
	msg := firstGeneralMessage(body)
	if msg == "" {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(fields[k]) > 0 {
				msg = fields[k][0]
				break
			}
		}
	}
	if msg == "" {
		if s, ok := body.(string); ok && strings.TrimSpace(s) != "" {
			msg = s
		}
	}
	e := NewAPIError(CodeValidation, status, msg)
	for k, v := range fields {
		e.WithDetail(k, v)
	}
	return e
}

// CollectFieldErrors flattens an error body into field → messages. Nested
// objects produce dotted keys; an "errors" object is merged at top level.
func CollectFieldErrors(body any) map[string][]string {
	out := map[string][]string{}
	m, ok := body.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if k == "errors" {
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range CollectFieldErrors(nested) {
					out[nk] = append(out[nk], nv...)
				}
				continue
			}
		}
		collectInto(out, k, v)
	}
	return out
}

func collectInto(out map[string][]string, key string, v any) {
	switch val := v.(type) {
	case nil:
	case []any:
		for i, item := range val {
			switch item.(type) {
			case map[string]any, []any:
				collectInto(out, fmt.Sprintf("%s.%d", key, i), item)
			default:
				if s, ok := internal.String(item); ok {
					out[key] = append(out[key], s)
				}
			}
		}
	case map[string]any:
		for k, nested := range val {
			collectInto(out, key+"."+k, nested)
		}
	default:
		if s, ok := internal.String(val); ok {
			out[key] = append(out[key], s)
		}
	}
}

func withServerDetail(e *APIError, body any) *APIError {
	if d := firstGeneralMessage(body); d != "" {
		e.WithDetail("detail", d)
	}
	return e
}

func firstGeneralMessage(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range generalErrorKeys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}
