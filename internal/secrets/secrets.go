// Package secrets seals storage target configuration before it is persisted.
//
// Sealed values are base64(nonce || ciphertext || tag) produced by
// XChaCha20-Poly1305 under a key derived from the master key with
// HKDF-SHA256. The owning record id is bound as additional data, so a sealed
// config copied onto another record fails to open.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyInfo = "storage-target-config"

	// MinKeySize is the minimum master key length in bytes.
	MinKeySize = 32
)

var (
	// ErrDecrypt is returned when a sealed value is malformed, was tampered
	// with, or was sealed under a different key or record.
	ErrDecrypt = errors.New("secrets: unable to open sealed value")

	// ErrNoKey is returned when no master key is configured.
	ErrNoKey = errors.New("secrets: no master key configured")
)

// Sealer encrypts and decrypts key/value configuration.
type Sealer struct {
	aead cipher.AEAD
}

// New derives the sealing key from master.
func New(master []byte) (*Sealer, error) {
	if len(master) == 0 {
		return nil, ErrNoKey
	}
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("secrets: master key must be at least %d bytes, got %d", MinKeySize, len(master))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: failed to derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts cfg, binding it to recordID.
func (s *Sealer) Seal(recordID string, cfg map[string]string) (string, error) {
	if cfg == nil {
		cfg = map[string]string{}
	}
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to encode config: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(recordID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same recordID.
func (s *Sealer) Open(recordID, sealed string) (map[string]string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrDecrypt)
	}
	if len(data) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: value too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(recordID))
	if err != nil {
		return nil, ErrDecrypt
	}

	var cfg map[string]string
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return cfg, nil
}

// LoadKey returns the master key from value (base64) or, when value is empty,
// from the contents of file.
func LoadKey(value, file string) ([]byte, error) {
	if value == "" && file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("secrets: failed to read key file: %w", err)
		}
		value = string(data)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrNoKey
	}

	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		if key, err = base64.RawURLEncoding.DecodeString(value); err != nil {
			return nil, errors.New("secrets: master key is not valid base64")
		}
	}
	return key, nil
}
