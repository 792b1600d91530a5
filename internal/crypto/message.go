package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// EnvelopePrefix tags the current authenticated wire format:
	// "ENC2_" + urlsafe base64 (no padding) of iv ‖ ciphertext ‖ tag.
	EnvelopePrefix = "ENC2_"

	// LegacyPrefix tags the first-generation format, a reversible encoding
	// with no authentication. Accepted on read only.
	LegacyPrefix = "ENC_"

	ivSize = 12
)

// Plaintext is the result of opening an envelope. Authenticated is false only
// for the legacy format, whose contents cannot be verified; callers should
// surface that distinction rather than presenting both the same way.
type Plaintext struct {
	Text          string
	Authenticated bool
}

// Seal encrypts a text payload under the conversation key with a fresh IV and
// returns the tagged envelope string.
func Seal(plaintext string, key Key) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if err := readRandom(iv); err != nil {
		return "", fmt.Errorf("pairlink/crypto: envelope iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	body := append(append([]byte(nil), iv...), sealed...)
	return EnvelopePrefix + base64.RawURLEncoding.EncodeToString(body), nil
}

// Open decrypts an envelope produced by Seal, or decodes a legacy-tagged
// envelope without authentication. Any failure is reported as
// ErrDecryptionFailed and is scoped to this one envelope.
func Open(envelope string, key Key) (Plaintext, error) {
	switch {
	case strings.HasPrefix(envelope, EnvelopePrefix):
		return openCurrent(strings.TrimPrefix(envelope, EnvelopePrefix), key)
	case strings.HasPrefix(envelope, LegacyPrefix):
		return openLegacy(strings.TrimPrefix(envelope, LegacyPrefix))
	default:
		return Plaintext{}, fmt.Errorf("%w: unknown envelope tag", ErrDecryptionFailed)
	}
}

func openCurrent(body string, key Key) (Plaintext, error) {
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: corrupt ciphertext", ErrDecryptionFailed)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return Plaintext{}, err
	}
	if len(raw) < ivSize+aead.Overhead() {
		return Plaintext{}, fmt.Errorf("%w: corrupt ciphertext", ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: authentication tag mismatch", ErrDecryptionFailed)
	}
	return Plaintext{Text: string(plaintext), Authenticated: true}, nil
}

// openLegacy reverses the first-generation encoding: std base64 of
// plaintext ‖ ":" ‖ junk. There is nothing to verify, so the result is
// flagged unauthenticated.
func openLegacy(body string) (Plaintext, error) {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: corrupt legacy envelope", ErrDecryptionFailed)
	}
	text := string(raw)
	if i := strings.LastIndex(text, ":"); i >= 0 {
		text = text[:i]
	}
	return Plaintext{Text: text, Authenticated: false}, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return cipher.NewGCM(block)
}
