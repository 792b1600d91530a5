// Package identity owns this device's durable identity: the stable device id,
// the shareable user handle, and the symmetric key material used for shared
// secret derivation. All accessors are idempotent; a value is generated once
// and then returned unchanged for the life of the device.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"pairlink/internal/kv"
)

const (
	keyDeviceID   = "identity/device_id"
	keyUserID     = "identity/user_id"
	keyPublicKey  = "identity/public_key"
	keyPrivateKey = "identity/private_key"

	DevicePrefix = "device_"
	UserPrefix   = "user_"

	// PublicKeyPrefix and PrivateKeyPrefix tag the two halves of the key
	// material. Despite the naming, both halves carry the same secret random
	// string; the roles only exist so peers can exchange one half.
	PublicKeyPrefix  = "pub_"
	PrivateKeyPrefix = "priv_"

	// No 0/O/1/I/L: user ids get read aloud and typed by hand.
	userAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// KeyPair holds both halves of the device's key material, each carrying its
// role prefix.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Store persists identity values through a kv.Store.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// GetOrCreateDeviceID returns the stable device id, minting it on first use.
func (s *Store) GetOrCreateDeviceID(ctx context.Context) (string, error) {
	return s.getOrCreate(ctx, keyDeviceID, func() (string, error) {
		raw := make([]byte, 16)
		if err := readRandom(raw); err != nil {
			return "", fmt.Errorf("identity: random device id: %w", err)
		}
		return DevicePrefix + hex.EncodeToString(raw), nil
	})
}

// GetOrCreateUserID returns the shareable user handle, minting it on first use.
func (s *Store) GetOrCreateUserID(ctx context.Context) (string, error) {
	return s.getOrCreate(ctx, keyUserID, func() (string, error) {
		raw := make([]byte, 8)
		if err := readRandom(raw); err != nil {
			return "", fmt.Errorf("identity: random user id: %w", err)
		}
		out := make([]byte, len(raw))
		for i, b := range raw {
			out[i] = userAlphabet[int(b)%len(userAlphabet)]
		}
		return UserPrefix + string(out), nil
	})
}

// GetOrCreateKeyPair returns the device's key material, minting both halves on
// first use. The halves are generated together so a crash can never leave a
// device with only one of them.
func (s *Store) GetOrCreateKeyPair(ctx context.Context) (KeyPair, error) {
	pub, pubErr := s.kv.Get(ctx, keyPublicKey)
	priv, privErr := s.kv.Get(ctx, keyPrivateKey)
	if pubErr == nil && privErr == nil {
		return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
	}
	if pubErr != nil && !errors.Is(pubErr, kv.ErrNotFound) {
		return KeyPair{}, pubErr
	}
	if privErr != nil && !errors.Is(privErr, kv.ErrNotFound) {
		return KeyPair{}, privErr
	}

	pair, err := generateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := s.kv.Set(ctx, keyPublicKey, pair.PublicKey); err != nil {
		return KeyPair{}, err
	}
	if err := s.kv.Set(ctx, keyPrivateKey, pair.PrivateKey); err != nil {
		return KeyPair{}, err
	}
	return pair, nil
}

// generateKeyPair mints one 32-byte value and tags it with both role prefixes.
// Shared-key derivation strips the prefixes and sorts the raw strings, so the
// halves must carry identical material or the two sides of a pairing would
// derive different conversation keys.
func generateKeyPair() (KeyPair, error) {
	raw := make([]byte, 32)
	if err := readRandom(raw); err != nil {
		return KeyPair{}, fmt.Errorf("identity: random key material: %w", err)
	}
	material := hex.EncodeToString(raw)
	return KeyPair{
		PublicKey:  PublicKeyPrefix + material,
		PrivateKey: PrivateKeyPrefix + material,
	}, nil
}

func (s *Store) getOrCreate(ctx context.Context, key string, mint func() (string, error)) (string, error) {
	existing, err := s.kv.Get(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return "", err
	}
	value, err := mint()
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

var _ io.Reader = randReader{}
