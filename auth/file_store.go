package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	restbridge "github.com/opengovern/restbridge"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileStore persists the token pair as a 0600 JSON file. With a seal key the
// file content is encrypted with XChaCha20-Poly1305.
type FileStore struct {
	path    string
	sealKey []byte
}

// NewFileStore returns a store writing to path. sealKey must be empty or
// exactly 32 bytes.
func NewFileStore(path string, sealKey []byte) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	if len(sealKey) != 0 && len(sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(sealKey))
	}
	return &FileStore{path: path, sealKey: append([]byte(nil), sealKey...)}, nil
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) (*restbridge.Tokens, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if len(f.sealKey) > 0 {
		raw, err = f.open(raw)
		if err != nil {
			return nil, err
		}
	}
	return decodeTokens(raw)
}

func (f *FileStore) Save(_ context.Context, tokens restbridge.Tokens) error {
	b, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	if len(f.sealKey) > 0 {
		if b, err = f.seal(b); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

// seal returns nonce || ciphertext.
func (f *FileStore) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(StorageKey)), nil
}

func (f *FileStore) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCorruptTokens
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(StorageKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTokens, err)
	}
	return plain, nil
}
