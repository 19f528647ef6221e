package cache

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCmdable struct {
	data    map[string]string
	ttls    map[string]time.Duration
	scans   int
	matches []string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = value.(string)
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

// Scan serves one matching key per call. Callers delete what they get, so
// the head of the remaining matches is always the next page.
func (m *mockCmdable) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	m.scans++
	m.matches = append(m.matches, match)
	prefix := unescapeGlob(strings.TrimSuffix(match, "*"))
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return redis.NewScanCmdResult(nil, 0, nil)
	}
	var next uint64
	if len(keys) > 1 {
		next = 1
	}
	return redis.NewScanCmdResult(keys[:1], next, nil)
}

func unescapeGlob(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\*`, `*`, `\?`, `?`, `\[`, `[`, `\]`, `]`).Replace(s)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	store := newRedisStore(mock, "app", time.Minute)

	_, err := store.Get(ctx, "products/item/1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "products/item/1", []byte(`{"data":1}`)))
	assert.Equal(t, `{"data":1}`, mock.data["app:products/item/1"])
	assert.Equal(t, time.Minute, mock.ttls["app:products/item/1"])

	got, err := store.Get(ctx, "products/item/1")
	require.NoError(t, err)
	assert.Equal(t, `{"data":1}`, string(got))

	require.NoError(t, store.Delete(ctx, "products/item/1"))
	assert.Empty(t, mock.data)
	require.NoError(t, store.Delete(ctx))
}

func TestRedisStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	store := newRedisStore(mock, "app", 0)

	for _, k := range []string{"products/list/page=1", "products/list/page=2", "products/list/search=a*b", "products/item/1", "orders/list/"} {
		require.NoError(t, store.Set(ctx, k, []byte("{}")))
	}

	require.NoError(t, store.DeletePrefix(ctx, "products/list/"))

	keys := make([]string, 0, len(mock.data))
	for k := range mock.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"app:orders/list/", "app:products/item/1"}, keys)
	assert.Equal(t, "app:products/list/*", mock.matches[0])
	assert.GreaterOrEqual(t, mock.scans, 3)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, escapeGlob(`a*b?c[d]e\f`))
}

func TestCoordinatorOverRedis(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	c := NewCoordinator(newRedisStore(mock, "app", 0), nil)

	c.PutList(ctx, "products", nil, envelope([]any{item(5, "old")}))
	c.AfterUpdate(ctx, "products", "5", envelope(item(5, "x")))

	_, ok := c.GetList(ctx, "products", nil)
	assert.False(t, ok)
	got, ok := c.GetItem(ctx, "products", "5")
	require.True(t, ok)
	assert.Equal(t, "x", got.Data.(map[string]any)["name"])
}
