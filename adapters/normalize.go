package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/internal"
)

// NormalizeResponse detects the shape of a decoded 2xx body and converts it
// into the uniform envelope. Detection order: enveloped ("data" key), DRF
// page ("results" array), items/total page, bare value.
func NormalizeResponse(raw any, status int) (*restbridge.RawEnvelope, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return bare(raw, status), nil
	}
	if _, enveloped := m["data"]; enveloped {
		return restbridge.EnvelopeFromTree(m, status), nil
	}
	if results, ok := m["results"].([]any); ok {
		return drfPage(m, results, status), nil
	}
	if items, ok := m["items"].([]any); ok {
		if _, hasTotal := m["total"]; hasTotal {
			return itemsPage(m, items, status), nil
		}
	}
	return bare(raw, status), nil
}

func bare(raw any, status int) *restbridge.RawEnvelope {
	return &restbridge.RawEnvelope{Data: raw, Status: status, Success: true}
}

func drfPage(m map[string]any, results []any, status int) *restbridge.RawEnvelope {
	total, ok := internal.Int(m["count"])
	if !ok {
		total = len(results)
	}
	limit, ok := internal.Int(m["page_size"])
	if !ok {
		limit = len(results)
	}

	next, prev, hasLinks := drfLinks(m)
	page, ok := internal.Int(m["page"])
	if !ok {
		page = PageFromPrevious(prev)
	}

	p := restbridge.NewPagination(page, limit, total)
	if hasLinks {
		p.HasNext = next != ""
		p.HasPrev = prev != ""
	}
	return &restbridge.RawEnvelope{
		Data:       results,
		Status:     status,
		Success:    true,
		Pagination: &p,
	}
}

// drfLinks reads next/previous from a "links" object, falling back to the
// top-level keys stock DRF pagination uses.
func drfLinks(m map[string]any) (next, prev string, found bool) {
	src := m
	if links, ok := m["links"].(map[string]any); ok {
		src = links
	}
	_, hasNext := src["next"]
	_, hasPrev := src["previous"]
	next, _ = src["next"].(string)
	prev, _ = src["previous"].(string)
	return next, prev, hasNext || hasPrev
}

// PageFromPrevious derives the current page number from a DRF "previous"
// link: its page parameter plus one. No link means page 1; a link without a
// page parameter points at the first page, so the current page is 2.
func PageFromPrevious(previous string) int {
	if previous == "" {
		return 1
	}
	u, err := url.Parse(previous)
	if err != nil {
		return 2
	}
	raw := u.Query().Get("page")
	if raw == "" {
		return 2
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 2
	}
	return n + 1
}

func itemsPage(m map[string]any, items []any, status int) *restbridge.RawEnvelope {
	total, _ := internal.Int(m["total"])
	page, ok := internal.Int(m["page"])
	if !ok {
		page = 1
	}
	limit, ok := internal.Int(m["size"])
	if !ok {
		limit = len(items)
	}

	p := restbridge.NewPagination(page, limit, total)
	if pages, ok := internal.Int(m["pages"]); ok {
		p.TotalPages = pages
		p.HasNext = p.Page < pages
	}
	return &restbridge.RawEnvelope{
		Data:       items,
		Status:     status,
		Success:    true,
		Pagination: &p,
	}
}

// ToSnakeKeys rewrites every object key of body from camelCase to
// snake_case. Structs are converted to a JSON tree first.
func ToSnakeKeys(body any) (any, error) {
	switch body.(type) {
	case nil, string, bool, json.Number, float64, int, int64:
		return body, nil
	case map[string]any, []any:
		return snakeTree(body), nil
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}
	return snakeTree(tree), nil
}

func snakeTree(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[CamelToSnake(k)] = snakeTree(nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = snakeTree(nested)
		}
		return out
	}
	return v
}

// CamelToSnake converts "firstName" to "first_name" and "userID" to
// "user_id". Keys that are already snake_case are returned unchanged.
func CamelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
