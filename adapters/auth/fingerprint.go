package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix marks user keys derived for anonymous visitors.
const FingerprintPrefix = "fp:"

// Fingerprinter derives an opaque, stable user key from request attributes
// with keyed BLAKE2b. The raw attributes never reach the quota engine or the
// stores.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter creates a fingerprinter. Keys longer than 64 bytes are
// rejected; an empty key is replaced with a random one, so fingerprints then
// change on restart.
func NewFingerprinter(key []byte) (*Fingerprinter, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("fingerprint key must be at most %d bytes, got %d", blake2b.Size, len(key))
	}
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	return &Fingerprinter{key: key}, nil
}

// Fingerprint returns "fp:" followed by 32 hex characters.
func (f *Fingerprinter) Fingerprint(parts ...string) string {
	// 16-byte digest; key length is checked in the constructor
	h, _ := blake2b.New(16, f.key)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return FingerprintPrefix + hex.EncodeToString(h.Sum(nil))
}
