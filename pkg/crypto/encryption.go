// Package crypto provides the AES-256-GCM cipher that protects data-source
// configurations at rest.
//
// Blob layout:
//
//	[2B version][1B algorithm][8B key_id][12B nonce][...ciphertext]
//
// version:   0x01 0x00 (v1.0)
// algorithm: 0x01 = AES-256-GCM
// key_id:    first 8 bytes of SHA-256(key), lets a reader tell a wrong key
//
//	from corrupted data without trying to open the ciphertext
//
// nonce:     12 bytes from crypto/rand, fresh for each encryption
//
// Text form is the blob in standard base64, which is what records store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	headerVersion   = byte(0x01)
	headerVersionLo = byte(0x00)
	algoAES256GCM   = byte(0x01)

	keyIDSize  = 8
	nonceSize  = 12
	headerSize = 2 + 1 + keyIDSize + nonceSize
)

var (
	ErrWrongKey  = errors.New("blob was sealed with a different key")
	ErrMalformed = errors.New("malformed blob")
)

// Cipher seals and opens configuration blobs with one 32-byte key.
type Cipher struct {
	aead  cipher.AEAD
	keyID [keyIDSize]byte
}

// NewCipher builds a cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	c := &Cipher{aead: gcm}
	sum := sha256.Sum256(key)
	copy(c.keyID[:], sum[:keyIDSize])
	return c, nil
}

// KeyFromSecret turns a configured secret into a key. A 64-char hex string is
// used as is; anything else is hashed with SHA-256.
func KeyFromSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("crypto: empty secret")
	}
	if len(secret) == 64 {
		if b, err := hex.DecodeString(secret); err == nil {
			return b, nil
		}
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

// Seal encrypts plaintext and returns header + ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(plaintext)+c.aead.Overhead())
	out = append(out, headerVersion, headerVersionLo, algoAES256GCM)
	out = append(out, c.keyID[:]...)
	out = append(out, nonce...)
	header := append([]byte(nil), out...)
	return c.aead.Seal(out, nonce, plaintext, header), nil
}

// Open reverses Seal. The header is authenticated together with the payload.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	id, err := KeyID(blob)
	if err != nil {
		return nil, err
	}
	if id != hex.EncodeToString(c.keyID[:]) {
		return nil, ErrWrongKey
	}
	nonce := blob[3+keyIDSize : headerSize]
	plaintext, err := c.aead.Open(nil, nonce, blob[headerSize:], blob[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed: %v", ErrMalformed, err)
	}
	return plaintext, nil
}

// Encrypt seals text and returns its base64 form.
func (c *Cipher) Encrypt(text string) (string, error) {
	blob, err := c.Seal([]byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens the base64 form produced by Encrypt.
func (c *Cipher) Decrypt(text string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	plaintext, err := c.Open(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// KeyID returns the hex key id from the header without decrypting.
func KeyID(blob []byte) (string, error) {
	if len(blob) < headerSize {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}
	if blob[0] != headerVersion {
		return "", fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformed, blob[0])
	}
	if blob[2] != algoAES256GCM {
		return "", fmt.Errorf("%w: unsupported algorithm 0x%02x", ErrMalformed, blob[2])
	}
	return hex.EncodeToString(blob[3 : 3+keyIDSize]), nil
}
