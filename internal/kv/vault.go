package kv

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// Vault stores per-venue API credentials encrypted in the shared KV.
// Encryption is AES-256-GCM with a key derived from the configured secret;
// the nonce is prepended to the ciphertext.
type Vault struct {
	store Store
	key   [32]byte
}

// NewVault derives the encryption key from the secret. The secret can be any
// non-empty string; it is stretched through SHA-256.
func NewVault(store Store, secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret must not be empty")
	}
	return &Vault{
		store: store,
		key:   sha256.Sum256([]byte(secret)),
	}, nil
}

// Save encrypts and persists credentials for a venue.
func (v *Vault) Save(ctx context.Context, venue string, creds domain.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	return v.store.Set(ctx, KeyCredentials(venue), sealed, 0)
}

// Load fetches and decrypts credentials for a venue. Returns ErrNotFound
// when no credentials are stored.
func (v *Vault) Load(ctx context.Context, venue string) (domain.Credentials, error) {
	var creds domain.Credentials
	sealed, err := v.store.Get(ctx, KeyCredentials(venue))
	if err != nil {
		return creds, err
	}
	plain, err := v.open(sealed)
	if err != nil {
		return creds, fmt.Errorf("decrypt credentials for %s: %w", venue, err)
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

// Delete removes stored credentials for a venue.
func (v *Vault) Delete(ctx context.Context, venue string) error {
	return v.store.Delete(ctx, KeyCredentials(venue))
}

func (v *Vault) seal(plain []byte) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
