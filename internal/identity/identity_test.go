package identity

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pairlink/internal/crypto"
	"pairlink/internal/kv"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func TestGetOrCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory())

	deviceID, err := store.GetOrCreateDeviceID(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID: %v", err)
	}
	if !strings.HasPrefix(deviceID, DevicePrefix) {
		t.Fatalf("device id missing prefix: %q", deviceID)
	}
	if len(deviceID) != len(DevicePrefix)+32 {
		t.Fatalf("device id length: got %d", len(deviceID))
	}

	again, err := store.GetOrCreateDeviceID(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID again: %v", err)
	}
	if again != deviceID {
		t.Fatalf("device id changed across calls: %q vs %q", deviceID, again)
	}

	userID, err := store.GetOrCreateUserID(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateUserID: %v", err)
	}
	if !strings.HasPrefix(userID, UserPrefix) {
		t.Fatalf("user id missing prefix: %q", userID)
	}
	for _, r := range strings.TrimPrefix(userID, UserPrefix) {
		if !strings.ContainsRune(userAlphabet, r) {
			t.Fatalf("user id contains symbol outside alphabet: %q", userID)
		}
	}

	pair, err := store.GetOrCreateKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair: %v", err)
	}
	if !strings.HasPrefix(pair.PublicKey, PublicKeyPrefix) || !strings.HasPrefix(pair.PrivateKey, PrivateKeyPrefix) {
		t.Fatalf("key pair missing role prefixes: %+v", pair)
	}
	pairAgain, err := store.GetOrCreateKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair again: %v", err)
	}
	if pairAgain != pair {
		t.Fatalf("key pair changed across calls")
	}
}

func TestKeyPairHalvesShareMaterial(t *testing.T) {
	ctx := context.Background()

	mine, err := NewStore(kv.NewMemory()).GetOrCreateKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair: %v", err)
	}
	pubRaw := strings.TrimPrefix(mine.PublicKey, PublicKeyPrefix)
	privRaw := strings.TrimPrefix(mine.PrivateKey, PrivateKeyPrefix)
	if len(pubRaw) != 64 {
		t.Fatalf("raw key material length: got %d", len(pubRaw))
	}
	if pubRaw != privRaw {
		t.Fatalf("key halves diverge: pub %q, priv %q", pubRaw, privRaw)
	}

	// Two freshly minted devices must reach the same conversation key from
	// either direction.
	theirs, err := NewStore(kv.NewMemory()).GetOrCreateKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair: %v", err)
	}
	forward, err := crypto.DeriveSharedKey(mine.PrivateKey, theirs.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedKey: %v", err)
	}
	reverse, err := crypto.DeriveSharedKey(theirs.PrivateKey, mine.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedKey: %v", err)
	}
	if forward != reverse {
		t.Fatalf("derivation is not symmetric across freshly minted pairs")
	}
}

func TestDeterministicGeneration(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	ctx := context.Background()
	store := NewStore(kv.NewMemory())

	deviceID, err := store.GetOrCreateDeviceID(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID: %v", err)
	}
	if deviceID != "device_000102030405060708090a0b0c0d0e0f" {
		t.Fatalf("unexpected deterministic device id: %q", deviceID)
	}

	other := NewStore(kv.NewMemory())
	restore2 := UseDeterministicRandom(deterministicReader(4096))
	defer restore2()
	otherID, err := other.GetOrCreateDeviceID(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID(other): %v", err)
	}
	if otherID != deviceID {
		t.Fatalf("deterministic source produced divergent ids: %q vs %q", deviceID, otherID)
	}
}
