// Package invite implements the pairing invite protocol: minting personal and
// group invites, encoding them for QR rendering, and redeeming scanned codes
// with strict single-use and capacity semantics.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pairlink/internal/domain"
)

// payloadVersion tags the current QR payload generation.
const payloadVersion = 2

// Payload is the structured document rendered into a QR code. Decoding
// tolerates the prior generation's format; only input matching no known
// version fails.
type Payload struct {
	Version          int       `json:"v"`
	Code             string    `json:"code"`
	PublicKey        string    `json:"publicKey"`
	Name             string    `json:"name"`
	ExpiresAt        time.Time `json:"expiresAt"`
	DeviceID         string    `json:"deviceId"`
	UserID           string    `json:"userId"`
	IsGroupInvite    bool      `json:"isGroupInvite,omitempty"`
	GroupID          string    `json:"groupId,omitempty"`
	GroupMaxMembers  int       `json:"groupMaxMembers,omitempty"`
	GroupCreatorName string    `json:"groupCreatorName,omitempty"`
}

// legacyPayload is the first-generation document: raw JSON, flat names, unix
// seconds for expiry, no group support.
type legacyPayload struct {
	Code    string `json:"code"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Expires int64  `json:"expires"`
	Device  string `json:"device"`
	User    string `json:"user"`
}

// Encode serializes the payload for QR rendering: urlsafe base64 of the JSON
// document, padding-free to keep the code dense.
func (p Payload) Encode() (string, error) {
	p.Version = payloadVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePayload parses a scanned invite string. Current-generation payloads
// are base64-wrapped JSON; the prior generation rendered bare JSON into the
// QR, so both shapes are accepted.
func DecodePayload(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Payload{}, fmt.Errorf("%w: empty payload", domain.ErrInvalidFormat)
	}

	raw := []byte(s)
	if !strings.HasPrefix(s, "{") {
		decoded, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", domain.ErrInvalidFormat, err)
		}
		raw = decoded
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Payload{}, fmt.Errorf("%w: not a JSON document", domain.ErrInvalidFormat)
	}

	if _, ok := probe["v"]; ok {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", domain.ErrInvalidFormat, err)
		}
		if p.Version != payloadVersion {
			return Payload{}, fmt.Errorf("%w: unknown payload version %d", domain.ErrInvalidFormat, p.Version)
		}
		if err := p.validate(); err != nil {
			return Payload{}, err
		}
		return p, nil
	}

	// No version field: try the first generation.
	if _, ok := probe["key"]; ok {
		var legacy legacyPayload
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", domain.ErrInvalidFormat, err)
		}
		p := Payload{
			Version:   1,
			Code:      legacy.Code,
			PublicKey: legacy.Key,
			Name:      legacy.Name,
			ExpiresAt: time.Unix(legacy.Expires, 0).UTC(),
			DeviceID:  legacy.Device,
			UserID:    legacy.User,
		}
		if err := p.validate(); err != nil {
			return Payload{}, err
		}
		return p, nil
	}

	return Payload{}, fmt.Errorf("%w: no known payload version matches", domain.ErrInvalidFormat)
}

func (p Payload) validate() error {
	switch {
	case p.Code == "":
		return fmt.Errorf("%w: missing code", domain.ErrInvalidFormat)
	case p.PublicKey == "":
		return fmt.Errorf("%w: missing public key", domain.ErrInvalidFormat)
	case p.DeviceID == "":
		return fmt.Errorf("%w: missing device id", domain.ErrInvalidFormat)
	case p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expiry", domain.ErrInvalidFormat)
	case p.IsGroupInvite && p.GroupID == "":
		return fmt.Errorf("%w: group invite without group id", domain.ErrInvalidFormat)
	}
	return nil
}
