// Package vault provides symmetric authenticated encryption for proxy
// credentials at rest (spec.md §4.A). It is one of two process-wide
// singletons the design allows (the other being the strategy registry);
// callers typically construct one Vault at startup and share it.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

const keySize = 32 // AES-256

// Vault encrypts and decrypts credential secrets with AES-256-GCM.
// The active key is used for all new encryption; an optional previous
// key is tried only on decryption, supporting zero-downtime rotation.
type Vault struct {
	active   cipher.AEAD
	previous cipher.AEAD // nil if no rotation key configured
	ephemeral bool
	log      *zap.Logger
}

// Option configures New.
type Option func(*Vault)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// New builds a Vault from raw key material. activeKey must be exactly
// 32 bytes. previousKey may be nil to disable rotation support.
func New(activeKey, previousKey []byte, opts ...Option) (*Vault, error) {
	if len(activeKey) != keySize {
		return nil, fmt.Errorf("%w: active key must be %d bytes, got %d", proxytypes.ErrInvalidConfig, keySize, len(activeKey))
	}
	active, err := newAEAD(activeKey)
	if err != nil {
		return nil, fmt.Errorf("vault: build active cipher: %w", err)
	}

	v := &Vault{active: active, log: zap.NewNop()}
	for _, o := range opts {
		o(v)
	}

	if len(previousKey) > 0 {
		if len(previousKey) != keySize {
			return nil, fmt.Errorf("%w: previous key must be %d bytes, got %d", proxytypes.ErrInvalidConfig, keySize, len(previousKey))
		}
		prev, err := newAEAD(previousKey)
		if err != nil {
			return nil, fmt.Errorf("vault: build previous cipher: %w", err)
		}
		v.previous = prev
	}
	return v, nil
}

// NewEphemeral generates a random active key at startup. Data encrypted
// with it is unreadable after process restart; this is explicit,
// logged degradation rather than a silent default (spec.md §4.A).
func NewEphemeral(opts ...Option) (*Vault, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
	}
	v, err := New(key, nil, opts...)
	if err != nil {
		return nil, err
	}
	v.ephemeral = true
	v.log.Warn("vault running with an ephemeral encryption key; cached credentials will not survive a restart",
		zap.String("kind", "ephemeral_key_degradation"))
	return v, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Ephemeral reports whether this vault was built with a generated key.
func (v *Vault) Ephemeral() bool { return v.ephemeral }

// Environment variable names recognized for credential-vault key
// material (spec.md §6 "Environment").
const (
	EnvActiveKey   = "PROXYWHIRL_CACHE_ENCRYPTION_KEY"
	EnvPreviousKey = "PROXYWHIRL_CACHE_KEY_PREVIOUS"
)

// NewFromEnv builds a Vault from the environment, base64-decoding
// EnvActiveKey/EnvPreviousKey. Falls back to NewEphemeral (with its
// logged degradation warning) when EnvActiveKey is unset, so a process
// without the env configured still starts rather than refusing at boot.
func NewFromEnv(getenv func(string) string, opts ...Option) (*Vault, error) {
	active := getenv(EnvActiveKey)
	if active == "" {
		return NewEphemeral(opts...)
	}
	activeKey, err := base64.StdEncoding.DecodeString(active)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", proxytypes.ErrInvalidConfig, EnvActiveKey)
	}

	var previousKey []byte
	if prev := getenv(EnvPreviousKey); prev != "" {
		previousKey, err = base64.StdEncoding.DecodeString(prev)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not valid base64", proxytypes.ErrInvalidConfig, EnvPreviousKey)
		}
	}
	return New(activeKey, previousKey, opts...)
}

// Encrypt authenticate-encrypts secret with the active key and returns
// a base64-encoded nonce||ciphertext blob suitable for storage.
func (v *Vault) Encrypt(secret string) (string, error) {
	nonce := make([]byte, v.active.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.active.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It tries the active key first, then the
// previous key (if configured), per the rotation contract in spec.md
// §4.A. DecryptionFailed is returned — never the underlying cipher
// error text, which could leak timing/plaintext-shape information.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext encoding", proxytypes.ErrDecryptionFailed)
	}

	if pt, ok := v.tryOpen(v.active, raw); ok {
		return pt, nil
	}
	if v.previous != nil {
		if pt, ok := v.tryOpen(v.previous, raw); ok {
			return pt, nil
		}
	}
	return "", proxytypes.ErrDecryptionFailed
}

func (v *Vault) tryOpen(aead cipher.AEAD, raw []byte) (string, bool) {
	if aead == nil || len(raw) < aead.NonceSize() {
		return "", false
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}
	return string(pt), true
}
