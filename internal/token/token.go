// Package token holds the discovery token exchanged between paired devices
// and its wire codec.
//
// A DiscoveryToken is capability-only: it identifies a ranging session
// instance on the device that produced it and carries no peer identity.
package token

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DiscoveryToken is an immutable opaque blob produced by a ranging session.
type DiscoveryToken struct {
	blob string
}

// New copies b into a token.
func New(b []byte) DiscoveryToken {
	return DiscoveryToken{blob: string(b)}
}

// Bytes returns a copy of the token blob.
func (t DiscoveryToken) Bytes() []byte {
	return []byte(t.blob)
}

// IsZero reports whether the token is empty.
func (t DiscoveryToken) IsZero() bool {
	return t.blob == ""
}

// Equal compares two tokens by content.
func (t DiscoveryToken) Equal(o DiscoveryToken) bool {
	return bytes.Equal([]byte(t.blob), []byte(o.blob))
}

// Fingerprint returns a short, stable hex digest for log lines.
func (t DiscoveryToken) Fingerprint() string {
	if t.IsZero() {
		return "<none>"
	}
	sum := blake2b.Sum256([]byte(t.blob))
	return hex.EncodeToString(sum[:4])
}

func (t DiscoveryToken) String() string {
	return "token:" + t.Fingerprint()
}
