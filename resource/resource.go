// Package resource is a typed CRUD façade over one REST collection. Every
// operation maps onto a single transport call against the collection's
// endpoint, its "bulk" sub-path or a custom sub-path.
package resource

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/cache"
	"github.com/opengovern/restbridge/logger"
	"github.com/rs/zerolog"
)

const bulkPath = "bulk"

type options struct {
	cache *cache.Coordinator
	log   *zerolog.Logger
}

type Option func(*options)

// WithCache serves Get and List through the coordinator and lets it react to
// every mutation.
func WithCache(c *cache.Coordinator) Option {
	return func(o *options) { o.cache = c }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Resource is bound to one endpoint, e.g. "/products". An endpoint given with
// a trailing slash keeps one on every derived path, as Django expects.
type Resource[T any] struct {
	client        *restbridge.Client
	endpoint      string
	trailingSlash bool
	cache         *cache.Coordinator
	log           zerolog.Logger
}

func New[T any](client *restbridge.Client, endpoint string, opts ...Option) *Resource[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	trimmed := "/" + strings.Trim(endpoint, "/")
	return &Resource[T]{
		client:        client,
		endpoint:      trimmed,
		trailingSlash: strings.HasSuffix(endpoint, "/") && trimmed != "/",
		cache:         o.cache,
		log:           logger.OrNop(o.log).With().Str("resource", trimmed).Logger(),
	}
}

func (r *Resource[T]) Endpoint() string { return r.endpoint }

func (r *Resource[T]) path(parts ...string) string {
	p := r.endpoint
	for _, part := range parts {
		p += "/" + strings.Trim(part, "/")
	}
	if r.trailingSlash {
		p += "/"
	}
	return p
}

func (r *Resource[T]) itemPath(id any) (string, string) {
	s := formatValue(id)
	return r.path(url.PathEscape(s)), s
}

// List fetches one page. Pagination reported by the adapter is passed
// through; otherwise the result is described as a single page.
func (r *Resource[T]) List(ctx context.Context, params *ListParams) (*restbridge.PaginatedEnvelope[T], error) {
	query := params.Values()
	if r.cache != nil {
		if env, ok := r.cache.GetList(ctx, r.endpoint, query); ok {
			r.log.Debug().Str("query", query.Encode()).Msg("list served from cache")
			return decodePage[T](env)
		}
	}
	env, err := r.client.Get(ctx, r.path(), query, nil)
	if err != nil {
		return nil, err
	}
	page, err := decodePage[T](env)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		p := page.Pagination
		r.cache.PutList(ctx, r.endpoint, query, &restbridge.RawEnvelope{
			Data:       env.Data,
			Status:     env.Status,
			Success:    env.Success,
			Message:    env.Message,
			Pagination: &p,
		})
	}
	return page, nil
}

func (r *Resource[T]) Get(ctx context.Context, id any) (*restbridge.Envelope[T], error) {
	path, key := r.itemPath(id)
	if r.cache != nil {
		if env, ok := r.cache.GetItem(ctx, r.endpoint, key); ok {
			r.log.Debug().Str("id", key).Msg("item served from cache")
			return decode[T](env)
		}
	}
	env, err := r.client.Get(ctx, path, nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decode[T](env)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.PutItem(ctx, r.endpoint, key, env)
	}
	return out, nil
}

func (r *Resource[T]) Create(ctx context.Context, data any) (*restbridge.Envelope[T], error) {
	env, err := r.client.Post(ctx, r.path(), data, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterCreate(ctx, r.endpoint, env)
	}
	return decode[T](env)
}

// Update sends a partial update (PATCH).
func (r *Resource[T]) Update(ctx context.Context, id any, partial any) (*restbridge.Envelope[T], error) {
	path, key := r.itemPath(id)
	env, err := r.client.Patch(ctx, path, partial, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterUpdate(ctx, r.endpoint, key, env)
	}
	return decode[T](env)
}

// Replace sends a full replacement (PUT).
func (r *Resource[T]) Replace(ctx context.Context, id any, full any) (*restbridge.Envelope[T], error) {
	path, key := r.itemPath(id)
	env, err := r.client.Put(ctx, path, full, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterUpdate(ctx, r.endpoint, key, env)
	}
	return decode[T](env)
}

func (r *Resource[T]) Delete(ctx context.Context, id any) error {
	path, key := r.itemPath(id)
	if _, err := r.client.Delete(ctx, path, nil, nil); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.AfterDelete(ctx, r.endpoint, key)
	}
	return nil
}

func (r *Resource[T]) BulkCreate(ctx context.Context, items any) (*restbridge.Envelope[[]T], error) {
	env, err := r.client.Post(ctx, r.path(bulkPath), items, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterBulk(ctx, r.endpoint, nil, env)
	}
	return decode[[]T](env)
}

// BulkUpdate patches several items. Each item must carry its identifier.
func (r *Resource[T]) BulkUpdate(ctx context.Context, items any) (*restbridge.Envelope[[]T], error) {
	env, err := r.client.Patch(ctx, r.path(bulkPath), items, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterBulk(ctx, r.endpoint, requestIDs(items), env)
	}
	return decode[[]T](env)
}

// BulkDelete sends {"ids": [...]} and returns whatever the backend reports.
func (r *Resource[T]) BulkDelete(ctx context.Context, ids []any) (*restbridge.Envelope[json.RawMessage], error) {
	env, err := r.client.Delete(ctx, r.path(bulkPath), map[string]any{"ids": ids}, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		affected := make([]string, 0, len(ids))
		for _, id := range ids {
			affected = append(affected, formatValue(id))
		}
		r.cache.AfterBulk(ctx, r.endpoint, affected, nil)
	}
	return decode[json.RawMessage](env)
}

// CustomGet calls GET {endpoint}/{path}. params are encoded like list
// filters.
func (r *Resource[T]) CustomGet(ctx context.Context, path string, params map[string]any) (*restbridge.Envelope[json.RawMessage], error) {
	q := url.Values{}
	addFilters(q, params)
	env, err := r.client.Get(ctx, r.path(path), q, nil)
	if err != nil {
		return nil, err
	}
	return decode[json.RawMessage](env)
}

func (r *Resource[T]) CustomPost(ctx context.Context, path string, data any) (*restbridge.Envelope[json.RawMessage], error) {
	return r.customMutation(ctx, r.client.Post, path, data)
}

func (r *Resource[T]) CustomPatch(ctx context.Context, path string, data any) (*restbridge.Envelope[json.RawMessage], error) {
	return r.customMutation(ctx, r.client.Patch, path, data)
}

func (r *Resource[T]) CustomDelete(ctx context.Context, path string, data any) (*restbridge.Envelope[json.RawMessage], error) {
	return r.customMutation(ctx, r.client.Delete, path, data)
}

type sendFunc func(ctx context.Context, path string, body any, headers map[string]string) (*restbridge.RawEnvelope, error)

func (r *Resource[T]) customMutation(ctx context.Context, send sendFunc, path string, data any) (*restbridge.Envelope[json.RawMessage], error) {
	env, err := send(ctx, r.path(path), data, nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.AfterCustomMutation(ctx, r.endpoint)
	}
	return decode[json.RawMessage](env)
}

func decode[T any](env *restbridge.RawEnvelope) (*restbridge.Envelope[T], error) {
	out, err := restbridge.DecodeEnvelope[T](env)
	if err != nil {
		return nil, restbridge.NewAPIError(restbridge.CodeUnknown, env.Status, "Failed to decode response data").WithCause(err)
	}
	return out, nil
}

func decodePage[T any](env *restbridge.RawEnvelope) (*restbridge.PaginatedEnvelope[T], error) {
	if env.Data == nil {
		env.Data = []any{}
	}
	items, err := decode[[]T](env)
	if err != nil {
		return nil, err
	}
	if items.Data == nil {
		items.Data = []T{}
	}
	var p restbridge.Pagination
	if env.Pagination != nil {
		p = *env.Pagination
	} else {
		p = restbridge.SinglePage(len(items.Data))
	}
	return &restbridge.PaginatedEnvelope[T]{Envelope: *items, Pagination: p}, nil
}

// requestIDs collects the identifiers named in a bulk request body.
func requestIDs(items any) []string {
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	var tree []any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil
	}
	ids := make([]string, 0, len(tree))
	for _, item := range tree {
		if id, ok := cache.ItemID(item); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
