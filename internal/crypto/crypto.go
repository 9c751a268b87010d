// Package crypto implements the AES-256-GCM envelope used to store git
// provider credentials.
//
// The wire format is three base64 parts joined by colons: iv:tag:ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/repobox/runner/internal/rerror"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

// Decryptor holds the process-wide decryption key, loaded once at startup.
type Decryptor struct {
	key []byte
}

// NewDecryptor parses and validates the encryption key, accepting hex,
// base64, or raw 32-byte material. An absent or wrong-length key is a
// configuration error and must be treated as startup-fatal by the caller.
func NewDecryptor(raw string) (*Decryptor, error) {
	key, err := parseKey(raw)
	if err != nil {
		return nil, rerror.New(rerror.KindConfiguration, "crypto.NewDecryptor", err)
	}
	return &Decryptor{key: key}, nil
}

// Decrypt parses a "iv:tag:ciphertext" envelope (each part base64, standard
// or URL-safe, padded or not) and returns the plaintext.
func (d *Decryptor) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", rerror.New(rerror.KindCredential, "crypto.Decrypt", fmt.Errorf("malformed envelope: expected 3 parts, got %d", len(parts)))
	}

	iv, err := decodeBase64Any(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", rerror.New(rerror.KindCredential, "crypto.Decrypt", fmt.Errorf("malformed iv"))
	}
	tag, err := decodeBase64Any(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", rerror.New(rerror.KindCredential, "crypto.Decrypt", fmt.Errorf("malformed tag"))
	}
	ciphertext, err := decodeBase64Any(parts[2])
	if err != nil {
		return "", rerror.New(rerror.KindCredential, "crypto.Decrypt", fmt.Errorf("malformed ciphertext"))
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", rerror.New(rerror.KindConfiguration, "crypto.Decrypt", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", rerror.New(rerror.KindConfiguration, "crypto.Decrypt", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", rerror.New(rerror.KindCredential, "crypto.Decrypt", fmt.Errorf("authentication failed"))
	}
	return string(plaintext), nil
}

// Encrypt produces an "iv:tag:ciphertext" envelope for the given plaintext
// using a caller-supplied 12-byte iv. Exposed primarily for round-trip
// tests; production envelopes are minted by the external API, not the
// runner.
func (d *Decryptor) Encrypt(plaintext string, iv []byte) (string, error) {
	if len(iv) != ivSize {
		return "", fmt.Errorf("iv must be %d bytes", ivSize)
	}
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// decodeBase64Any accepts standard or URL-safe base64, padded or not, so
// ciphertexts from any alphabet variant are accepted.
func decodeBase64Any(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

func parseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if len(raw) == keySize {
		return []byte(raw), nil
	}
	if b, err := decodeHex(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	if b, err := decodeBase64Any(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes (hex, base64, or raw)", keySize)
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex digit")
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
