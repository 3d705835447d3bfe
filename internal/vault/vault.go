// Package vault encrypts OAuth credential blobs at rest.
// Uses AES-256-GCM with a subkey derived from the process master key through HKDF-SHA256.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	blobPrefix = "v1."
	keySize    = 32
	hkdfInfo   = "kiwis-ledger credential vault v1"
)

var (
	// ErrDecryption is returned for tampered, malformed or foreign-key blobs
	ErrDecryption = errors.New("credential decryption failed")
	// ErrInvalidKey is returned when the master key is absent or malformed
	ErrInvalidKey = errors.New("invalid vault key")
)

// Vault seals credential maps. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a raw 32-byte master key
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, keySize, len(masterKey))
	}

	subkey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), subkey); err != nil {
		return nil, fmt.Errorf("failed to derive vault subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromBase64 builds a vault from a standard base64 encoded master key
func NewFromBase64(encoded string) (*Vault, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrInvalidKey)
	}
	return New(key)
}

// Encrypt seals a credential map into an opaque string
func (v *Vault) Encrypt(credentials map[string]string) (string, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(blobPrefix))
	return blobPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure is reported as ErrDecryption.
func (v *Vault) Decrypt(blob string) (map[string]string, error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return nil, fmt.Errorf("%w: unknown blob version", ErrDecryption)
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, blobPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrDecryption)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, []byte(blobPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}

	var credentials map[string]string
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrDecryption)
	}
	return credentials, nil
}

// GenerateKey returns a fresh base64 encoded master key
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
