package crypto

import (
	"crypto/rand"
	"io"
	"sync"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
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

var _ io.Reader = randReader{}
