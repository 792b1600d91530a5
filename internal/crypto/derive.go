// Package crypto implements the shared-secret derivation and the message and
// attachment ciphers. Derivation is deliberately symmetric-only: both parties
// compute the same key by sorting their raw key strings before the KDF, so
// there is no true asymmetric step anywhere in the protocol.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// The iteration count and salts are part of the wire-compatibility
	// contract. Changing any of them silently breaks decryption between
	// peers that derived before and after the change.
	kdfIterations = 100_000

	sharedKeySalt     = "pairlink-shared-v1"
	attachmentKeySalt = "pairlink-attach-v1"

	keySeparator = "|"

	rawKeyHexLen = 64 // 32 random bytes, hex encoded
)

// Key is a derived 256-bit AEAD key.
type Key [32]byte

// DeriveSharedKey computes the conversation key from my private half and the
// peer's public half. The result is identical no matter which side calls it:
// role prefixes are stripped and the two raw strings are sorted before the KDF.
func DeriveSharedKey(myPrivate, theirPublic string) (Key, error) {
	mine, err := stripRolePrefix(myPrivate)
	if err != nil {
		return Key{}, err
	}
	theirs, err := stripRolePrefix(theirPublic)
	if err != nil {
		return Key{}, err
	}
	return deriveKey([]string{mine, theirs}, sharedKeySalt), nil
}

// DeriveAttachmentKey computes the attachment key from the two device ids
// alone. Sender and receiver may hold divergent conversation records, but they
// always agree on the pair of device ids, so this narrower derivation is what
// keeps attachments decryptable on both sides. It must not be unified with
// DeriveSharedKey.
func DeriveAttachmentKey(deviceA, deviceB string) (Key, error) {
	if deviceA == "" || deviceB == "" {
		return Key{}, fmt.Errorf("%w: empty device id", ErrInvalidKeyFormat)
	}
	return deriveKey([]string{deviceA, deviceB}, attachmentKeySalt), nil
}

func deriveKey(parts []string, salt string) Key {
	sort.Strings(parts)
	material := strings.Join(parts, keySeparator)
	raw := pbkdf2.Key([]byte(material), []byte(salt), kdfIterations, 32, sha256.New)
	var key Key
	copy(key[:], raw)
	return key
}

func stripRolePrefix(k string) (string, error) {
	raw := k
	switch {
	case strings.HasPrefix(k, "pub_"):
		raw = strings.TrimPrefix(k, "pub_")
	case strings.HasPrefix(k, "priv_"):
		raw = strings.TrimPrefix(k, "priv_")
	}
	if len(raw) != rawKeyHexLen || !isLowerHex(raw) {
		return "", fmt.Errorf("%w: %d-char key material", ErrInvalidKeyFormat, len(raw))
	}
	return raw, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
