package crypto

import "errors"

var (
	// ErrInvalidKeyFormat reports malformed key material handed to derivation.
	ErrInvalidKeyFormat = errors.New("pairlink/crypto: invalid key format")
	// ErrDecryptionFailed reports an envelope that could not be opened. It is
	// scoped to the single message or attachment; the conversation continues.
	ErrDecryptionFailed = errors.New("pairlink/crypto: decryption failed")
)
