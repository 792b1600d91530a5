package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSigner issues and verifies device session tokens with an Ed25519
// keypair local to the relay.
type TokenSigner struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	issuer  string
	ttl     time.Duration
}

// NewTokenSigner creates a signer from base64-encoded ed25519 private key
// bytes. An empty key generates an ephemeral one, good for local dev where
// sessions do not need to survive a restart.
func NewTokenSigner(privB64, issuer string, ttl time.Duration) (*TokenSigner, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenSigner{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
		issuer:  issuer,
		ttl:     ttl,
	}, nil
}

// Issue signs a session token for a device id.
func (s *TokenSigner) Issue(deviceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return t.SignedString(s.private)
}

// Verify parses a session token and returns the device id it names.
func (s *TokenSigner) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token missing subject")
	}
	return claims.Subject, nil
}
