package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	restbridge "github.com/opengovern/restbridge"
)

// StorageKey is the single key the token pair is stored under.
const StorageKey = "auth_tokens"

var ErrCorruptTokens = errors.New("stored tokens are corrupt")

// Store is durable storage for the token pair. Load returns nil, nil when
// nothing is stored.
type Store interface {
	Load(ctx context.Context) (*restbridge.Tokens, error)
	Save(ctx context.Context, tokens restbridge.Tokens) error
	Clear(ctx context.Context) error
}

func encodeTokens(tokens restbridge.Tokens) ([]byte, error) {
	b, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("encoding tokens: %w", err)
	}
	return b, nil
}

func decodeTokens(b []byte) (*restbridge.Tokens, error) {
	var t restbridge.Tokens
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTokens, err)
	}
	if t.IsZero() {
		return nil, ErrCorruptTokens
	}
	return &t, nil
}

// MemoryStore keeps the serialized pair in memory, like a browser's
// key/value storage. Useful for tests and short-lived processes.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context) (*restbridge.Tokens, error) {
	m.mu.RLock()
	raw, ok := m.data[StorageKey]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeTokens(raw)
}

func (m *MemoryStore) Save(_ context.Context, tokens restbridge.Tokens) error {
	b, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[StorageKey] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	delete(m.data, StorageKey)
	m.mu.Unlock()
	return nil
}

// Raw returns the stored bytes, or nil.
func (m *MemoryStore) Raw() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data[StorageKey]...)
}

// SetRaw replaces the stored bytes verbatim.
func (m *MemoryStore) SetRaw(b []byte) {
	m.mu.Lock()
	m.data[StorageKey] = append([]byte(nil), b...)
	m.mu.Unlock()
}
