package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) Key {
	t.Helper()
	key, err := DeriveSharedKey("priv_"+rawKeyA, "pub_"+rawKeyB)
	if err != nil {
		t.Fatalf("derive test key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	for _, plaintext := range []string{"", "hi", "hello, world", strings.Repeat("長い本文 ", 200)} {
		envelope, err := Seal(plaintext, key)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(envelope, EnvelopePrefix) {
			t.Fatalf("envelope missing format tag: %q", envelope)
		}
		got, err := Open(envelope, key)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got.Text != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got.Text, plaintext)
		}
		if !got.Authenticated {
			t.Fatalf("current-format plaintext must be authenticated")
		}
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	key := testKey(t)
	first, err := Seal("same text", key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := Seal("same text", key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if first == second {
		t.Fatalf("two envelopes of the same plaintext must differ")
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key := testKey(t)
	// 20-byte plaintext keeps the envelope body a multiple of 3 bytes, so the
	// base64 form has no unused trailing bits a flip could hide in.
	envelope, err := Seal("the quick brown fox!", key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw := []byte(envelope)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), raw...)
			flipped[i] ^= 1 << bit
			if bytes.Equal(flipped, raw) {
				continue
			}
			got, err := Open(string(flipped), key)
			if err == nil {
				t.Fatalf("tampered envelope opened (byte %d bit %d): %+v", i, bit, got)
			}
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("tampered envelope: got %v, want ErrDecryptionFailed", err)
			}
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	key := testKey(t)
	envelope, err := Seal("secret", key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	wrong, err := DeriveSharedKey("priv_"+rawKeyB, "pub_"+rawKeyB)
	if err != nil {
		t.Fatalf("derive wrong key: %v", err)
	}
	if _, err := Open(envelope, wrong); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenLegacyEnvelope(t *testing.T) {
	key := testKey(t)
	legacy := LegacyPrefix + base64.StdEncoding.EncodeToString([]byte("old message:8f2a"))
	got, err := Open(legacy, key)
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	if got.Text != "old message" {
		t.Fatalf("legacy decode: got %q", got.Text)
	}
	if got.Authenticated {
		t.Fatalf("legacy plaintext must be flagged unauthenticated")
	}

	if _, err := Open(LegacyPrefix+"%%%not-base64%%%", key); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("corrupt legacy envelope: got %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenUnknownTag(t *testing.T) {
	if _, err := Open("plain text, no tag", testKey(t)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("untagged input: got %v, want ErrDecryptionFailed", err)
	}
}

func FuzzOpen(f *testing.F) {
	key, err := DeriveSharedKey("priv_"+rawKeyA, "pub_"+rawKeyB)
	if err != nil {
		f.Fatalf("derive fuzz key: %v", err)
	}
	seed, err := Seal("seed message", key)
	if err != nil {
		f.Fatalf("seal seed: %v", err)
	}
	f.Add(seed)
	f.Add(LegacyPrefix + base64.StdEncoding.EncodeToString([]byte("legacy:junk")))
	f.Add("ENC2_")
	f.Add("")
	f.Fuzz(func(t *testing.T, envelope string) {
		got, err := Open(envelope, key)
		if err != nil {
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("Open(%q): unexpected error class %v", envelope, err)
			}
			return
		}
		if strings.HasPrefix(envelope, EnvelopePrefix) && !got.Authenticated {
			t.Fatalf("current-format success must be authenticated")
		}
	})
}
