// Package mock is an in-memory fake REST backend for tests. It serves
// collections in one of several response conventions, a JWT login/refresh
// flow and optional provider-style rate limiting.
package mock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Style selects how list and item responses are shaped.
type Style int

const (
	StyleDRF Style = iota
	StyleEnvelope
	StyleFastAPI
	StyleBare
)

const (
	DefaultPageSize        = 20
	MockDefaultMaxRequests = 100
	MockDefaultWindowSecs  = 60
)

// RecordedRequest is one request as the backend received it.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type forcedResponse struct {
	status int
	body   any
}

type Backend struct {
	style       Style
	requireAuth bool
	tokens      *tokenIssuer

	mu          sync.Mutex
	collections map[string]*collection
	required    map[string][]string
	users       map[string]*account
	forced      map[string][]forcedResponse
	requests    []RecordedRequest

	// Rate limiting, 0 disables. After RequestsUntilRateLimit requests in a
	// window every request gets 429 until the window resets.
	RequestsUntilRateLimit int
	ShouldReturn429Always  bool
	MaxRequests            int
	WindowSecs             int64
	currentRequestCount    int
	windowStart            time.Time

	router chi.Router
}

type Option func(*Backend)

// WithAuthRequired makes collection routes demand a valid access token.
func WithAuthRequired() Option {
	return func(b *Backend) { b.requireAuth = true }
}

// WithTokenTTL sets the lifetime of issued access and refresh tokens.
func WithTokenTTL(access, refresh time.Duration) Option {
	return func(b *Backend) {
		b.tokens.accessTTL = access
		b.tokens.refreshTTL = refresh
	}
}

// WithRefreshRotation makes the refresh endpoint issue a new refresh token.
func WithRefreshRotation() Option {
	return func(b *Backend) { b.tokens.rotate = true }
}

func New(style Style, opts ...Option) *Backend {
	b := &Backend{
		style:       style,
		tokens:      newTokenIssuer(),
		collections: make(map[string]*collection),
		required:    make(map[string][]string),
		users:       make(map[string]*account),
		forced:      make(map[string][]forcedResponse),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.router = b.routes()
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Handle registers an extra route, e.g. a custom action. Call before serving.
func (b *Backend) Handle(method, pattern string, h http.HandlerFunc) {
	b.router.Method(method, pattern, h)
}

// SetRateLimitDefaults configures the provider-style rate limit headers.
func (b *Backend) SetRateLimitDefaults(maxRequests int, windowSecs int64) {
	if maxRequests == 0 {
		maxRequests = MockDefaultMaxRequests
	}
	if windowSecs == 0 {
		windowSecs = MockDefaultWindowSecs
	}
	b.mu.Lock()
	b.MaxRequests = maxRequests
	b.WindowSecs = windowSecs
	b.mu.Unlock()
}

// Seed replaces a collection's items. Items without an id get one.
func (b *Backend) Seed(name string, items ...map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := newCollection()
	for _, item := range items {
		c.insert(item)
	}
	b.collections[name] = c
}

// Require marks fields that create and replace must carry.
func (b *Backend) Require(name string, fields ...string) {
	b.mu.Lock()
	b.required[name] = fields
	b.mu.Unlock()
}

// Items returns a snapshot of a collection ordered by id.
func (b *Backend) Items(name string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.collections[name]
	if !ok {
		return nil
	}
	return c.snapshot()
}

// FailNext makes the next request matching method and path return status
// with body. Several calls queue several failures.
func (b *Backend) FailNext(method, path string, status int, body any) {
	b.mu.Lock()
	key := method + " " + path
	b.forced[key] = append(b.forced[key], forcedResponse{status: status, body: body})
	b.mu.Unlock()
}

func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(b.record, b.rateLimit, b.forcedFailures)

	r.Post("/auth/login/", b.handleLogin)
	r.Post("/auth/register/", b.handleRegister)
	r.Post("/auth/token/refresh/", b.handleRefresh)
	r.Post("/auth/logout/", b.handleLogout)
	r.Get("/auth/profile/", b.handleProfile)

	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)
		r.Get("/{collection}", b.handleList)
		r.Post("/{collection}", b.handleCreate)
		r.Post("/{collection}/bulk", b.handleBulkCreate)
		r.Patch("/{collection}/bulk", b.handleBulkUpdate)
		r.Delete("/{collection}/bulk", b.handleBulkDelete)
		r.Get("/{collection}/{id}", b.handleGet)
		r.Patch("/{collection}/{id}", b.handleUpdate)
		r.Put("/{collection}/{id}", b.handleReplace)
		r.Delete("/{collection}/{id}", b.handleDelete)
	})
	return r
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		now := time.Now()
		if b.WindowSecs > 0 && now.Sub(b.windowStart) >= time.Duration(b.WindowSecs)*time.Second {
			b.windowStart = now
			b.currentRequestCount = 0
		}
		b.currentRequestCount++
		limited := b.ShouldReturn429Always ||
			(b.RequestsUntilRateLimit > 0 && b.currentRequestCount > b.RequestsUntilRateLimit)

		if b.MaxRequests > 0 {
			remaining := b.MaxRequests - b.currentRequestCount
			if remaining < 0 {
				remaining = 0
			}
			reset := b.windowStart.Unix() + b.WindowSecs
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(b.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		}
		b.mu.Unlock()

		if limited {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) forcedFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		queue := b.forced[key]
		var forced *forcedResponse
		if len(queue) > 0 {
			forced = &queue[0]
			b.forced[key] = queue[1:]
		}
		b.mu.Unlock()

		if forced != nil {
			if forced.body == nil {
				w.WriteHeader(forced.status)
				return
			}
			writeJSON(w, forced.status, forced.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.requireAuth {
			if _, err := b.tokens.verifyAccess(r.Header.Get("Authorization")); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"detail": "Authentication credentials were not provided.",
					"code":   "not_authenticated",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	q := r.URL.Query()

	b.mu.Lock()
	c := b.collection(name)
	items := c.snapshot()
	b.mu.Unlock()

	items = filterItems(items, q)
	sortItems(items, q.Get("sort"), q.Get("order"))

	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(firstNonEmpty(q.Get("limit"), q.Get("page_size"), q.Get("size")), DefaultPageSize)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	total := len(items)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	pageItems := toAny(items[start:end])
	totalPages := (total + limit - 1) / limit

	switch b.style {
	case StyleDRF:
		writeJSON(w, http.StatusOK, map[string]any{
			"count":     total,
			"page_size": limit,
			"links": map[string]any{
				"next":     pageLink(r, page+1, page < totalPages),
				"previous": previousLink(r, page),
			},
			"results": pageItems,
		})
	case StyleFastAPI:
		writeJSON(w, http.StatusOK, map[string]any{
			"items": pageItems,
			"total": total,
			"page":  page,
			"size":  limit,
			"pages": totalPages,
		})
	case StyleEnvelope:
		writeJSON(w, http.StatusOK, map[string]any{
			"data":    pageItems,
			"status":  http.StatusOK,
			"success": true,
			"pagination": map[string]any{
				"page":       page,
				"limit":      limit,
				"total":      total,
				"totalPages": totalPages,
				"hasNext":    page < totalPages,
				"hasPrev":    page > 1,
			},
		})
	default:
		writeJSON(w, http.StatusOK, toAny(items))
	}
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	item, ok := b.collection(chi.URLParam(r, "collection")).get(chi.URLParam(r, "id"))
	b.mu.Unlock()
	if !ok {
		b.notFound(w)
		return
	}
	b.writeItem(w, http.StatusOK, item)
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	var body map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	if !b.validate(w, name, body) {
		return
	}
	b.mu.Lock()
	item := b.collection(name).insert(body)
	b.mu.Unlock()
	b.writeItem(w, http.StatusCreated, item)
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	b.mu.Lock()
	item, ok := b.collection(chi.URLParam(r, "collection")).merge(chi.URLParam(r, "id"), body)
	b.mu.Unlock()
	if !ok {
		b.notFound(w)
		return
	}
	b.writeItem(w, http.StatusOK, item)
}

func (b *Backend) handleReplace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	var body map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	if !b.validate(w, name, body) {
		return
	}
	b.mu.Lock()
	item, ok := b.collection(name).replace(chi.URLParam(r, "id"), body)
	b.mu.Unlock()
	if !ok {
		b.notFound(w)
		return
	}
	b.writeItem(w, http.StatusOK, item)
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ok := b.collection(chi.URLParam(r, "collection")).remove(chi.URLParam(r, "id"))
	b.mu.Unlock()
	if !ok {
		b.notFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	var body []map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	for _, item := range body {
		if !b.validate(w, name, item) {
			return
		}
	}
	b.mu.Lock()
	c := b.collection(name)
	created := make([]map[string]any, 0, len(body))
	for _, item := range body {
		created = append(created, c.insert(item))
	}
	b.mu.Unlock()
	b.writeData(w, http.StatusCreated, toAny(created))
}

func (b *Backend) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var body []map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	b.mu.Lock()
	c := b.collection(chi.URLParam(r, "collection"))
	updated := make([]map[string]any, 0, len(body))
	for _, patch := range body {
		if item, ok := c.merge(fmt.Sprint(patch["id"]), patch); ok {
			updated = append(updated, item)
		}
	}
	b.mu.Unlock()
	b.writeData(w, http.StatusOK, toAny(updated))
}

func (b *Backend) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []any `json:"ids"`
	}
	if !b.decode(w, r, &body) {
		return
	}
	b.mu.Lock()
	c := b.collection(chi.URLParam(r, "collection"))
	deleted := 0
	for _, id := range body.IDs {
		if c.remove(fmt.Sprint(id)) {
			deleted++
		}
	}
	b.mu.Unlock()
	b.writeData(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// collection must be called with b.mu held.
func (b *Backend) collection(name string) *collection {
	c, ok := b.collections[name]
	if !ok {
		c = newCollection()
		b.collections[name] = c
	}
	return c
}

func (b *Backend) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		b.validationError(w, map[string][]string{"non_field_errors": {"Malformed JSON body."}})
		return false
	}
	return true
}

func (b *Backend) validate(w http.ResponseWriter, name string, body map[string]any) bool {
	b.mu.Lock()
	required := b.required[name]
	b.mu.Unlock()

	missing := map[string][]string{}
	for _, field := range required {
		if v, ok := body[field]; !ok || v == nil || v == "" {
			missing[field] = []string{"This field is required."}
		}
	}
	if len(missing) == 0 {
		return true
	}
	b.validationError(w, missing)
	return false
}

func (b *Backend) validationError(w http.ResponseWriter, fields map[string][]string) {
	if b.style == StyleFastAPI {
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, f)
		}
		sort.Strings(names)
		detail := make([]any, 0, len(fields))
		for _, f := range names {
			for _, msg := range fields[f] {
				detail = append(detail, map[string]any{
					"loc":  []any{"body", f},
					"msg":  msg,
					"type": "value_error.missing",
				})
			}
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": detail})
		return
	}
	writeJSON(w, http.StatusBadRequest, fields)
}

func (b *Backend) notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not found."})
}

func (b *Backend) writeItem(w http.ResponseWriter, status int, item map[string]any) {
	b.writeData(w, status, item)
}

func (b *Backend) writeData(w http.ResponseWriter, status int, data any) {
	if b.style == StyleEnvelope {
		writeJSON(w, status, map[string]any{"data": data, "status": status, "success": true})
		return
	}
	writeJSON(w, status, data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func pageLink(r *http.Request, page int, ok bool) any {
	if !ok {
		return nil
	}
	u := *r.URL
	u.Scheme = "http"
	u.Host = r.Host
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// previousLink mimics DRF: the link to page 1 carries no page parameter.
func previousLink(r *http.Request, page int) any {
	if page <= 1 {
		return nil
	}
	if page == 2 {
		u := *r.URL
		u.Scheme = "http"
		u.Host = r.Host
		q := u.Query()
		q.Del("page")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return pageLink(r, page-1, true)
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func toAny(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

var reservedParams = map[string]bool{
	"page": true, "limit": true, "page_size": true, "size": true,
	"search": true, "sort": true, "order": true,
}

func filterItems(items []map[string]any, q url.Values) []map[string]any {
	search := strings.ToLower(q.Get("search"))
	out := items[:0]
	for _, item := range items {
		if search != "" && !matchesSearch(item, search) {
			continue
		}
		if !matchesFilters(item, q) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func matchesSearch(item map[string]any, search string) bool {
	for _, v := range item {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), search) {
			return true
		}
	}
	return false
}

func matchesFilters(item map[string]any, q url.Values) bool {
	for key, wanted := range q {
		if reservedParams[key] {
			continue
		}
		got := fmt.Sprint(item[key])
		match := false
		for _, w := range wanted {
			if got == w {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func sortItems(items []map[string]any, field, order string) {
	if field == "" {
		return
	}
	desc := strings.EqualFold(order, "desc")
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return lessValue(items[j][field], items[i][field])
		}
		return lessValue(items[i][field], items[j][field])
	})
}

func lessValue(a, b any) bool {
	af, aok := number(a)
	bf, bok := number(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
