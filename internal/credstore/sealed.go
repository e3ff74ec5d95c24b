package credstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/esracengel/PetBNB/internal/model"
)

// Argon2id parameters for the at-rest key.
const (
	saltLen = 16
	keyLen  = chacha20poly1305.KeySize

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrSealedCorrupt is returned when a sealed value cannot be opened
// (wrong passphrase, tampering or truncation).
var ErrSealedCorrupt = errors.New("sealed token unreadable")

// Sealed encrypts each token with XChaCha20-Poly1305 under a key derived from
// a passphrase before handing it to the wrapped store. A sealed value is
// base64(salt || nonce || ciphertext); the storage key is bound as AAD so
// the access and refresh values cannot be swapped.
type Sealed struct {
	inner      Store
	passphrase []byte

	// the most recently derived key and its salt
	mu      sync.Mutex
	salt    []byte
	derived []byte
}

// NewSealed wraps inner with passphrase-based encryption.
func NewSealed(inner Store, passphrase string) *Sealed {
	return &Sealed{inner: inner, passphrase: []byte(passphrase)}
}

func (s *Sealed) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.derived != nil && bytes.Equal(s.salt, salt) {
		return s.derived
	}
	k := argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)
	s.salt, s.derived = append([]byte(nil), salt...), k
	return k
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

func (s *Sealed) seal(salt []byte, name, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", err
	}
	nonce, err := randBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(value)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(value), []byte(name))...)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealed) open(name, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", ErrSealedCorrupt
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ct := raw[saltLen+chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", err
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return "", ErrSealedCorrupt
	}
	return string(pt), nil
}

func (s *Sealed) Load(ctx context.Context) (model.Tokens, error) {
	t, err := s.inner.Load(ctx)
	if err != nil {
		return model.Tokens{}, err
	}
	access, err := s.open(KeyAccess, t.AccessToken)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.open(KeyRefresh, t.RefreshToken)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("open refresh token: %w", err)
	}
	return model.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    AccessExpiry(access),
	}, nil
}

func (s *Sealed) Save(ctx context.Context, t model.Tokens) error {
	salt, err := randBytes(saltLen)
	if err != nil {
		return err
	}
	access, err := s.seal(salt, KeyAccess, t.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.seal(salt, KeyRefresh, t.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return s.inner.Save(ctx, model.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    AccessExpiry(t.AccessToken),
	})
}

func (s *Sealed) Clear(ctx context.Context) error { return s.inner.Clear(ctx) }
