package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testCipher(t *testing.T, fill byte) *Cipher {
	t.Helper()
	c, err := NewCipher(bytes.Repeat([]byte{fill}, 32))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	return c
}

func TestSealOpen_RoundTrip(t *testing.T) {
	c := testCipher(t, 0x11)
	plaintext := []byte(`{"host":"db.local","port":5432,"password":"s3cret"}`)

	blob, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	got, err := c.Open(blob)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestEncryptDecrypt_Text(t *testing.T) {
	c := testCipher(t, 0x22)
	tests := []string{
		"",
		"plain",
		`{"endpoint":"https://api.example.com/report?m={date_m}","method":"GET"}`,
		strings.Repeat("x", 10000),
		"юникод и 漢字",
	}
	for _, in := range tests {
		enc, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", in, err)
		}
		if in != "" && strings.Contains(enc, in) {
			t.Errorf("Encrypt() output contains plaintext")
		}
		out, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if out != in {
			t.Errorf("Decrypt() = %q, want %q", out, in)
		}
	}
}

func TestNewCipher_InvalidKeyLength(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{"empty key", []byte{}},
		{"16-byte key", make([]byte, 16)},
		{"31-byte key", make([]byte, 31)},
		{"33-byte key", make([]byte, 33)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipher(tt.key); err == nil {
				t.Error("NewCipher() expected error for invalid key length")
			}
		})
	}
}

func TestKeyFromSecret(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	k, err := KeyFromSecret(hexKey)
	if err != nil {
		t.Fatalf("KeyFromSecret(hex) error = %v", err)
	}
	if !bytes.Equal(k, bytes.Repeat([]byte{0xab}, 32)) {
		t.Errorf("KeyFromSecret(hex) did not decode the hex key")
	}

	k, err = KeyFromSecret("dev-passphrase")
	if err != nil {
		t.Fatalf("KeyFromSecret(passphrase) error = %v", err)
	}
	if len(k) != 32 {
		t.Errorf("KeyFromSecret(passphrase) len = %d, want 32", len(k))
	}

	if _, err := KeyFromSecret("  "); err == nil {
		t.Error("KeyFromSecret(blank) expected error")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	blob, err := testCipher(t, 0xAA).Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	_, err = testCipher(t, 0xBB).Open(blob)
	if !errors.Is(err, ErrWrongKey) {
		t.Errorf("Open() error = %v, want ErrWrongKey", err)
	}
}

func TestOpen_Corrupted(t *testing.T) {
	c := testCipher(t, 0x01)
	blob, err := c.Seal([]byte("confidential"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"gcm tag", func(b []byte) { b[len(b)-1] ^= 0xFF }},
		{"nonce", func(b []byte) { b[headerSize-1] ^= 0x01 }},
		{"version", func(b []byte) { b[0] = 0x99 }},
		{"algorithm", func(b []byte) { b[2] = 0x99 }},
		{"version low byte", func(b []byte) { b[1] = 0x07 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := append([]byte(nil), blob...)
			tt.mutate(b)
			if _, err := c.Open(b); !errors.Is(err, ErrMalformed) {
				t.Errorf("Open() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestOpen_BlobTooShort(t *testing.T) {
	c := testCipher(t, 0x01)
	for _, b := range [][]byte{nil, {}, {0x01}, make([]byte, headerSize-1)} {
		if _, err := c.Open(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("Open(%d bytes) error = %v, want ErrMalformed", len(b), err)
		}
	}
}

func TestDecrypt_NotBase64(t *testing.T) {
	c := testCipher(t, 0x01)
	if _, err := c.Decrypt("%%% not base64 %%%"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decrypt() error = %v, want ErrMalformed", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte{0x01, 0x00})
	if _, err := c.Decrypt(short); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decrypt(short) error = %v, want ErrMalformed", err)
	}
}

func TestKeyID_NoKeyRequired(t *testing.T) {
	a := testCipher(t, 0x0A)
	b := testCipher(t, 0x0B)

	blobA, _ := a.Seal([]byte("x"))
	blobB, _ := b.Seal([]byte("x"))

	idA, err := KeyID(blobA)
	if err != nil {
		t.Fatalf("KeyID() error = %v", err)
	}
	idB, _ := KeyID(blobB)
	if idA == idB {
		t.Error("KeyID() identical for different keys")
	}
	again, _ := a.Seal([]byte("y"))
	if id, _ := KeyID(again); id != idA {
		t.Errorf("KeyID() = %s, want stable %s", id, idA)
	}
}

func TestSeal_UniqueNonce(t *testing.T) {
	c := testCipher(t, 0x00)
	p := []byte("same payload every time")

	b1, err := c.Seal(p)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b2, err := c.Seal(p)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(b1, b2) {
		t.Error("Seal() produced identical blobs, nonce is not random")
	}
}

func BenchmarkEncrypt_4KB(b *testing.B) {
	c, _ := NewCipher(make([]byte, 32))
	data := strings.Repeat("a", 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Encrypt(data)
	}
}

func BenchmarkDecrypt_4KB(b *testing.B) {
	c, _ := NewCipher(make([]byte, 32))
	enc, _ := c.Encrypt(strings.Repeat("a", 4096))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Decrypt(enc)
	}
}
