package cfdid

import (
	"fmt"
	"strings"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
)

// Multiaddr is a hierarchical, self-describing network address: a sequence
// of "/component/value" segments (transport, interface, port, and
// optionally a trailing "/p2p/<PeerId>" peer suffix). It never implies a
// particular transport; the core treats it as an opaque dial target plus an
// optional expected peer identity.
type Multiaddr struct {
	raw      string
	segments []string // flattened "/a/b/c" -> ["a","b","c"]
}

// ParseMultiaddr parses the hierarchical textual form. An address must
// consist of an even number of "/component/value" segments.
func ParseMultiaddr(s string) (Multiaddr, error) {
	if !strings.HasPrefix(s, "/") {
		return Multiaddr{}, fmt.Errorf("%w: %q must start with '/'", cfderrors.ErrMalformedAddress, s)
	}
	var parts = strings.Split(s, "/")[1:] // drop the leading empty segment
	if len(parts) == 0 || len(parts)%2 != 0 {
		return Multiaddr{}, fmt.Errorf("%w: %q has an odd number of components", cfderrors.ErrMalformedAddress, s)
	}
	for i := 0; i < len(parts); i += 2 {
		if parts[i] == "" || parts[i+1] == "" {
			return Multiaddr{}, fmt.Errorf("%w: %q has an empty component", cfderrors.ErrMalformedAddress, s)
		}
	}
	return Multiaddr{raw: s, segments: parts}, nil
}

// String returns the original textual form.
func (m Multiaddr) String() string { return m.raw }

// ExtractPeerId returns the PeerId carried in a trailing "/p2p/<PeerId>"
// component, if present.
func (m Multiaddr) ExtractPeerId() (PeerId, bool, error) {
	for i := 0; i+1 < len(m.segments); i += 2 {
		if m.segments[i] == "p2p" {
			var id, err = ParsePeerId(m.segments[i+1])
			if err != nil {
				return PeerId{}, false, fmt.Errorf("multiaddr %q: %w", m.raw, err)
			}
			return id, true, nil
		}
	}
	return PeerId{}, false, nil
}

// WithPeerId returns a copy of the address with a "/p2p/<PeerId>" suffix
// appended, replacing any existing one.
func (m Multiaddr) WithPeerId(id PeerId) Multiaddr {
	var without = m.raw
	if i := strings.Index(without, "/p2p/"); i >= 0 {
		without = without[:i]
	}
	var s = without + "/p2p/" + id.String()
	// Parsing cannot fail here: without was already validated, and the
	// appended segment pair is well-formed by construction.
	var out, _ = ParseMultiaddr(s)
	return out
}

// DialTarget returns the address with the trailing "/p2p/<PeerId>"
// component stripped, suitable for passing to a Transport's Dial.
func (m Multiaddr) DialTarget() string {
	if i := strings.Index(m.raw, "/p2p/"); i >= 0 {
		return m.raw[:i]
	}
	return m.raw
}
