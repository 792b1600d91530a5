package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// AttachmentType classifies the binary payload of an attachment.
type AttachmentType string

const (
	AttachmentPhoto AttachmentType = "photo"
	AttachmentFile  AttachmentType = "file"
	AttachmentVoice AttachmentType = "voice"
)

// AttachmentMetadata describes one encrypted blob. It is created at encryption
// time and immutable thereafter; it is deleted together with its owning
// message.
type AttachmentMetadata struct {
	ID         string         `json:"id"`
	Type       AttachmentType `json:"type"`
	FileName   string         `json:"fileName,omitempty"`
	FileSize   int64          `json:"fileSize"`
	OwnerID    string         `json:"ownerId"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
}

// EncryptAttachment seals a binary blob under the attachment key (derived from
// the sorted device id pair, see DeriveAttachmentKey) with a fresh IV.
func EncryptAttachment(blob []byte, typ AttachmentType, fileName, ownerID string, key Key) (AttachmentMetadata, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return AttachmentMetadata{}, err
	}
	iv := make([]byte, ivSize)
	if err := readRandom(iv); err != nil {
		return AttachmentMetadata{}, fmt.Errorf("pairlink/crypto: attachment iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, blob, nil)
	return AttachmentMetadata{
		ID:         uuid.NewString(),
		Type:       typ,
		FileName:   fileName,
		FileSize:   int64(len(blob)),
		OwnerID:    ownerID,
		IV:         base64.RawURLEncoding.EncodeToString(iv),
		Ciphertext: base64.RawURLEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptAttachment opens an encrypted blob. Structural damage (unparseable
// fields, truncated payload) and an authentication failure are reported under
// the same ErrDecryptionFailed sentinel with distinct wrapping, since AES-GCM
// cannot tell a wrong key from tampered ciphertext.
func DecryptAttachment(meta AttachmentMetadata, key Key) ([]byte, error) {
	iv, err := base64.RawURLEncoding.DecodeString(meta.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: corrupt attachment iv", ErrDecryptionFailed)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(meta.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt attachment ciphertext", ErrDecryptionFailed)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.Overhead() {
		return nil, fmt.Errorf("%w: corrupt attachment ciphertext", ErrDecryptionFailed)
	}
	blob, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong key or tampered attachment", ErrDecryptionFailed)
	}
	return blob, nil
}
