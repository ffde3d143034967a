// Package crypto seals backend bearer tokens before they are written into the session cookie.
//
// The cookie store signs but does not encrypt, so the token is sealed with AES-256-GCM
// and bound to the session key it was issued for. NoopSealer is for development only.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrUnsealable is returned when a sealed token is corrupt, tampered with or was sealed
// for a different session.
var ErrUnsealable = errors.New("token cannot be unsealed")

// TokenSealer seals a token for one session and opens it again.
type TokenSealer interface {
	Seal(token, sessionKey string) (string, error)
	Open(sealed, sessionKey string) (string, error)
}

// NoopSealer passes tokens through unchanged.
type NoopSealer struct{}

func (NoopSealer) Seal(token, _ string) (string, error) { return token, nil }
func (NoopSealer) Open(sealed, _ string) (string, error) { return sealed, nil }

type AESGCMSealer struct {
	gcm cipher.AEAD
}

// NewAESGCMSealer takes a 64 character hex key (32 bytes).
func NewAESGCMSealer(hexKey string) (*AESGCMSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMSealer{gcm: gcm}, nil
}

// Seal returns base64url(nonce || ciphertext || tag). sessionKey is authenticated but not stored.
func (s *AESGCMSealer) Seal(token, sessionKey string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.gcm.Seal(nonce, nonce, []byte(token), []byte(sessionKey))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *AESGCMSealer) Open(sealed, sessionKey string) (string, error) {
	buffer, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsealable, err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(buffer) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrUnsealable)
	}

	nonce, cipherBytes := buffer[:nonceSize], buffer[nonceSize:]
	plain, err := s.gcm.Open(nil, nonce, cipherBytes, []byte(sessionKey))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsealable, err)
	}

	return string(plain), nil
}
