// Package crypto decrypts provider credentials stored in the envelope
// format base64(iv).base64(tag).base64(ciphertext), AES-256-GCM with a
// 12-byte IV and 16-byte tag, key derived from a master hex secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

// ErrMalformedCiphertext indicates the ciphertext does not match the
// "base64(iv).base64(tag).base64(ciphertext)" format.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Decryptor decrypts shop provider credentials using a 32-byte master key.
// It is the only caller-facing type from within the L2 indexing worker.
type Decryptor struct {
	key []byte
}

// NewDecryptor derives a Decryptor from a 32-byte hex-encoded master key.
func NewDecryptor(masterHex string) (*Decryptor, error) {
	key, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("op=crypto.NewDecryptor: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("op=crypto.NewDecryptor: key must be 32 bytes, got %d", len(key))
	}
	return &Decryptor{key: key}, nil
}

// Decrypt parses the "base64(iv).base64(tag).base64(ciphertext)" format and
// returns the plaintext. It is idempotent on correct inputs: decrypting the
// same ciphertext twice returns the same plaintext.
func (d *Decryptor) Decrypt(cipherText string) (string, error) {
	parts := strings.Split(cipherText, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("op=crypto.Decrypt: %w: expected 3 dot-separated parts, got %d", ErrMalformedCiphertext, len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: decode iv: %w", err)
	}
	if len(iv) != ivSize {
		return "", fmt.Errorf("op=crypto.Decrypt: iv must be %d bytes, got %d", ivSize, len(iv))
	}

	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: decode tag: %w", err)
	}
	if len(tag) != tagSize {
		return "", fmt.Errorf("op=crypto.Decrypt: tag must be %d bytes, got %d", tagSize, len(tag))
	}

	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: new gcm: %w", err)
	}

	sealed := append(ct, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: open: %w", err)
	}
	return string(plain), nil
}

// Encrypt is provided for round-trip tests; the production system only
// decrypts (credentials are encrypted by a separate upstream system).
func (d *Decryptor) Encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: new gcm: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: rand iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return fmt.Sprintf("%s.%s.%s",
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	), nil
}
