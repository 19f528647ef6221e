// Package cache decides which cached entries a mutation invalidates or
// seeds. Keys are scoped per endpoint as endpoint/kind/args.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/internal"
	"github.com/opengovern/restbridge/logger"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindList Kind = "list"
	KindItem Kind = "item"
)

type Key struct {
	Endpoint string
	Kind     Kind
	Args     string
}

func (k Key) String() string {
	return normalizeEndpoint(k.Endpoint) + "/" + string(k.Kind) + "/" + k.Args
}

func ListKey(endpoint string, query url.Values) Key {
	return Key{Endpoint: endpoint, Kind: KindList, Args: query.Encode()}
}

func ItemKey(endpoint, id string) Key {
	return Key{Endpoint: endpoint, Kind: KindItem, Args: id}
}

func listPrefix(endpoint string) string {
	return normalizeEndpoint(endpoint) + "/" + string(KindList) + "/"
}

func endpointPrefix(endpoint string) string {
	return normalizeEndpoint(endpoint) + "/"
}

func normalizeEndpoint(endpoint string) string {
	return strings.Trim(endpoint, "/")
}

var idKeys = []string{"id", "pk", "uuid"}

// ItemID returns the identifier an item exposes under "id", "pk" or "uuid".
func ItemID(data any) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	for _, k := range idKeys {
		if s, ok := internal.String(m[k]); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Coordinator applies the invalidation rules after each mutation. It never
// returns errors to the mutation's caller; store failures are logged.
type Coordinator struct {
	store Store
	log   zerolog.Logger
}

func NewCoordinator(store Store, log *zerolog.Logger) *Coordinator {
	if store == nil {
		store = NewMemoryStore(0)
	}
	return &Coordinator{
		store: store,
		log:   logger.OrNop(log).With().Str("component", "cache").Logger(),
	}
}

func (c *Coordinator) Store() Store { return c.store }

// AfterCreate invalidates the endpoint's lists and seeds the created item.
func (c *Coordinator) AfterCreate(ctx context.Context, endpoint string, created *restbridge.RawEnvelope) {
	c.invalidateLists(ctx, endpoint)
	if created == nil {
		return
	}
	if id, ok := ItemID(created.Data); ok {
		c.PutItem(ctx, endpoint, id, created)
	}
}

// AfterUpdate overwrites the item with the response and invalidates lists.
// Replace follows the same rule.
func (c *Coordinator) AfterUpdate(ctx context.Context, endpoint, id string, updated *restbridge.RawEnvelope) {
	if updated != nil {
		c.PutItem(ctx, endpoint, id, updated)
	} else {
		c.remove(ctx, ItemKey(endpoint, id).String())
	}
	c.invalidateLists(ctx, endpoint)
}

func (c *Coordinator) AfterDelete(ctx context.Context, endpoint, id string) {
	c.remove(ctx, ItemKey(endpoint, id).String())
	c.invalidateLists(ctx, endpoint)
}

// AfterBulk removes every affected item, seeds items that the response
// returns with an identifier and invalidates lists.
func (c *Coordinator) AfterBulk(ctx context.Context, endpoint string, affected []string, result *restbridge.RawEnvelope) {
	keys := make([]string, 0, len(affected))
	for _, id := range affected {
		keys = append(keys, ItemKey(endpoint, id).String())
	}
	c.remove(ctx, keys...)

	if result != nil {
		if items, ok := result.Data.([]any); ok {
			for _, item := range items {
				if id, ok := ItemID(item); ok {
					c.PutItem(ctx, endpoint, id, &restbridge.RawEnvelope{
						Data:    item,
						Status:  result.Status,
						Success: result.Success,
					})
				}
			}
		}
	}
	c.invalidateLists(ctx, endpoint)
}

// AfterCustomMutation drops everything cached under the endpoint.
func (c *Coordinator) AfterCustomMutation(ctx context.Context, endpoint string) {
	if err := c.store.DeletePrefix(ctx, endpointPrefix(endpoint)); err != nil {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("cache invalidation failed")
	}
}

func (c *Coordinator) GetItem(ctx context.Context, endpoint, id string) (*restbridge.RawEnvelope, bool) {
	return c.get(ctx, ItemKey(endpoint, id).String())
}

func (c *Coordinator) PutItem(ctx context.Context, endpoint, id string, env *restbridge.RawEnvelope) {
	c.put(ctx, ItemKey(endpoint, id).String(), env)
}

func (c *Coordinator) GetList(ctx context.Context, endpoint string, query url.Values) (*restbridge.RawEnvelope, bool) {
	return c.get(ctx, ListKey(endpoint, query).String())
}

func (c *Coordinator) PutList(ctx context.Context, endpoint string, query url.Values, env *restbridge.RawEnvelope) {
	c.put(ctx, ListKey(endpoint, query).String(), env)
}

func (c *Coordinator) invalidateLists(ctx context.Context, endpoint string) {
	if err := c.store.DeletePrefix(ctx, listPrefix(endpoint)); err != nil {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("list invalidation failed")
	}
}

func (c *Coordinator) remove(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

func (c *Coordinator) put(ctx context.Context, key string, env *restbridge.RawEnvelope) {
	b, err := json.Marshal(env)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("encoding cache entry failed")
		return
	}
	if err := c.store.Set(ctx, key, b); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Coordinator) get(ctx context.Context, key string) (*restbridge.RawEnvelope, bool) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var env restbridge.RawEnvelope
	if err := dec.Decode(&env); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable cache entry")
		c.remove(ctx, key)
		return nil, false
	}
	return &env, true
}
