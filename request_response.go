package restbridge

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"

	"github.com/opengovern/restbridge/internal"
)

// NormalizedRequest is a backend-neutral description of one call. Body is the
// caller's value before the adapter's request transform and serialization.
type NormalizedRequest struct {
	Method   string
	Endpoint string
	Query    url.Values
	Headers  map[string]string
	Body     any
}

// NormalizedResponse is the raw HTTP result before any adapter transform.
type NormalizedResponse struct {
	StatusCode int
	Headers    map[string]string
	Data       []byte
}

type NormalizedRateLimitInfo struct {
	MaxRequests       *int
	RemainingRequests *int
	ResetRequestsAt   *int64

	GlobalResetAt *int64
}

// Pagination is the uniform page descriptor attached to list responses.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// NewPagination derives TotalPages, HasNext and HasPrev from page, limit and
// total. A page below 1 is treated as page 1.
func NewPagination(page, limit, total int) Pagination {
	if page < 1 {
		page = 1
	}
	totalPages := 0
	if limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// SinglePage describes an unpaginated array of n items as one page.
func SinglePage(n int) Pagination {
	return Pagination{Page: 1, Limit: n, Total: n, TotalPages: 1}
}

// RawEnvelope is the untyped uniform envelope produced by the transport.
// Data holds a decoded JSON tree. Extra keeps any keys of an already-enveloped
// body that the envelope has no field for, so re-enveloping is lossless.
type RawEnvelope struct {
	Data       any            `json:"data"`
	Status     int            `json:"status"`
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	Pagination *Pagination    `json:"pagination,omitempty"`
	Extra      map[string]any `json:"-"`
}

// Tree renders the envelope back into the JSON tree shape a backend would
// have sent for an enveloped response.
func (e *RawEnvelope) Tree() map[string]any {
	out := make(map[string]any, len(e.Extra)+5)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["data"] = e.Data
	out["status"] = e.Status
	out["success"] = e.Success
	if e.Message != "" {
		out["message"] = e.Message
	}
	if e.Pagination != nil {
		p := *e.Pagination
		out["pagination"] = map[string]any{
			"page":       p.Page,
			"limit":      p.Limit,
			"total":      p.Total,
			"totalPages": p.TotalPages,
			"hasNext":    p.HasNext,
			"hasPrev":    p.HasPrev,
		}
	}
	return out
}

// Envelope is the typed uniform response.
type Envelope[T any] struct {
	Data    T      `json:"data"`
	Status  int    `json:"status"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PaginatedEnvelope is the typed uniform response of list calls.
type PaginatedEnvelope[T any] struct {
	Envelope[[]T]
	Pagination Pagination `json:"pagination"`
}

// DecodeData converts the JSON tree held by a raw envelope into T.
func DecodeData[T any](data any) (T, error) {
	var out T
	if data == nil {
		return out, nil
	}
	if typed, ok := data.(T); ok {
		return typed, nil
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("encoding envelope data: %w", err)
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return out, fmt.Errorf("decoding envelope data into %T: %w", out, err)
	}
	return out, nil
}

// DecodeEnvelope converts a raw envelope into a typed one.
func DecodeEnvelope[T any](raw *RawEnvelope) (*Envelope[T], error) {
	data, err := DecodeData[T](raw.Data)
	if err != nil {
		return nil, err
	}
	return &Envelope[T]{
		Data:    data,
		Status:  raw.Status,
		Success: raw.Success,
		Message: raw.Message,
	}, nil
}

// EnvelopeFromTree reads an already-enveloped body (an object with a "data"
// key). Fields missing from the body are filled from the HTTP status.
func EnvelopeFromTree(m map[string]any, status int) *RawEnvelope {
	env := &RawEnvelope{
		Data:    m["data"],
		Status:  status,
		Success: status >= 200 && status < 300,
	}
	if s, ok := internal.Int(m["status"]); ok {
		env.Status = s
	}
	if b, ok := m["success"].(bool); ok {
		env.Success = b
	}
	if msg, ok := m["message"].(string); ok {
		env.Message = msg
	}
	if pm, ok := m["pagination"].(map[string]any); ok {
		p := PaginationFromTree(pm)
		env.Pagination = &p
	}
	for k, v := range m {
		switch k {
		case "data", "status", "success", "message", "pagination":
			continue
		}
		if env.Extra == nil {
			env.Extra = make(map[string]any)
		}
		env.Extra[k] = v
	}
	return env
}

// PaginationFromTree reads a pagination object. Explicit totalPages, hasNext
// and hasPrev values win over derived ones so pass-through stays unchanged.
func PaginationFromTree(m map[string]any) Pagination {
	page, _ := internal.Int(m["page"])
	limit, _ := internal.Int(m["limit"])
	total, _ := internal.Int(m["total"])
	p := NewPagination(page, limit, total)
	if tp, ok := internal.Int(m["totalPages"]); ok {
		p.TotalPages = tp
	}
	if b, ok := m["hasNext"].(bool); ok {
		p.HasNext = b
	}
	if b, ok := m["hasPrev"].(bool); ok {
		p.HasPrev = b
	}
	return p
}

// DefaultTransformResponse passes enveloped bodies through and wraps anything
// else as {data, success: true, status}.
func DefaultTransformResponse(raw any, status int) (*RawEnvelope, error) {
	if m, ok := raw.(map[string]any); ok {
		if _, enveloped := m["data"]; enveloped {
			return EnvelopeFromTree(m, status), nil
		}
	}
	return &RawEnvelope{Data: raw, Status: status, Success: true}, nil
}
