package cfdid

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// peerIDKey is a fixed 32-byte key for the HighwayHash fingerprint used to
// derive a compact PeerId from a peer's long-term public key bytes. The key
// only needs to be stable across the daemon's lifetime so that the same
// public key always folds to the same PeerId; it carries no secrecy
// requirement of its own, since the actual identity proof is the
// transport's authenticated handshake, not this fingerprint.
var peerIDKey = [32]byte{
	'c', 'f', 'd', '-', 'd', 'a', 'e', 'm', 'o', 'n', '-', 'p', 'e', 'e', 'r', '-',
	'i', 'd', '-', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0,
}

// PeerId is the identity of a remote endpoint, derived from the long-term
// public key of the transport's authenticated handshake. It is opaque to
// the rest of the daemon beyond equality and its textual form.
type PeerId struct {
	fingerprint [highwayhash.Size]byte
}

// PeerIdFromPublicKey derives a PeerId from the raw bytes of a peer's
// long-term public key. Key generation, signing, and verification of that
// key belong to the transport's handshake; this only folds the
// already-authenticated key into a short, comparable, loggable identifier.
func PeerIdFromPublicKey(pubKey []byte) (PeerId, error) {
	var sum, err = highwayhash.New(peerIDKey[:])
	if err != nil {
		return PeerId{}, fmt.Errorf("initializing peer id hash: %w", err)
	}
	if _, err := sum.Write(pubKey); err != nil {
		return PeerId{}, fmt.Errorf("hashing public key: %w", err)
	}
	var id PeerId
	copy(id.fingerprint[:], sum.Sum(nil))
	return id, nil
}

// ParsePeerId parses the hex-encoded textual form produced by String.
func ParsePeerId(s string) (PeerId, error) {
	var decoded, err = hex.DecodeString(s)
	if err != nil {
		return PeerId{}, fmt.Errorf("parsing peer id %q: %w", s, err)
	}
	if len(decoded) != highwayhash.Size {
		return PeerId{}, fmt.Errorf("peer id %q has wrong length %d", s, len(decoded))
	}
	var id PeerId
	copy(id.fingerprint[:], decoded)
	return id, nil
}

// String returns the hex-encoded fingerprint.
func (id PeerId) String() string { return hex.EncodeToString(id.fingerprint[:]) }

// IsZero reports whether this is the zero-value PeerId.
func (id PeerId) IsZero() bool { return id.fingerprint == [highwayhash.Size]byte{} }
