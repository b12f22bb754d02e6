// Package multistream implements the in-band protocol-selection layer used
// when opening a substream: the client offers an ordered list of protocol
// identifiers tagged with a version, and the server accepts the first
// offered identifier, in the client's order, that it has registered. It is split out from
// pkg/endpoint as a small, independently testable matching unit.
package multistream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
)

// ProtocolId is a namespaced, semantically versioned substream protocol
// identifier, e.g. "/cfd-setup/1.0.0".
type ProtocolId string

// Version is the negotiation wire-format tag. Only V1 exists today;
// carrying it lets a future incompatible framing change be detected
// instead of silently misparsed.
const Version = "V1"

// Framer is the minimal surface multistream negotiation needs from a
// substream: read/write plus a deadline, exactly what net.Conn (and any
// conforming substream implementation) provides.
type Framer interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
}

type offerFrame struct {
	Version   string       `json:"version"`
	Protocols []ProtocolId `json:"protocols"`
}

type selectFrame struct {
	Version  string     `json:"version"`
	Selected ProtocolId `json:"selected,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// NegotiateClient offers protocols, in order, to the peer and returns
// whichever one the server selects. It returns ErrNegotiationFailed if the
// server reports no match, and ErrNegotiationTimeout if ctx's deadline (or
// the supplied timeout, whichever is sooner) elapses first.
func NegotiateClient(ctx context.Context, f Framer, offered []ProtocolId, timeout time.Duration) (ProtocolId, error) {
	if err := applyDeadline(ctx, f, timeout); err != nil {
		return "", err
	}
	defer f.SetDeadline(time.Time{})

	var w = json.NewEncoder(f)
	if err := w.Encode(offerFrame{Version: Version, Protocols: offered}); err != nil {
		return "", negotiationErr(err)
	}

	var resp selectFrame
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&resp); err != nil {
		return "", negotiationErr(err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: %s", cfderrors.ErrNegotiationFailed, resp.Error)
	}
	if resp.Selected == "" {
		return "", cfderrors.ErrNegotiationFailed
	}
	return resp.Selected, nil
}

// NegotiateServer reads the client's offered protocol list and responds
// with the first entry also present in registered, preserving the client's
// offer order.
func NegotiateServer(ctx context.Context, f Framer, registered []ProtocolId, timeout time.Duration) (ProtocolId, error) {
	if err := applyDeadline(ctx, f, timeout); err != nil {
		return "", err
	}
	defer f.SetDeadline(time.Time{})

	var offer offerFrame
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&offer); err != nil {
		return "", negotiationErr(err)
	}

	var selected ProtocolId
	for _, want := range offer.Protocols {
		for _, have := range registered {
			if want == have {
				selected = want
				break
			}
		}
		if selected != "" {
			break
		}
	}

	var w = json.NewEncoder(f)
	if selected == "" {
		_ = w.Encode(selectFrame{Version: Version, Error: "no mutually supported protocol"})
		return "", cfderrors.ErrNegotiationFailed
	}
	if err := w.Encode(selectFrame{Version: Version, Selected: selected}); err != nil {
		return "", negotiationErr(err)
	}
	return selected, nil
}

func applyDeadline(ctx context.Context, f Framer, timeout time.Duration) error {
	var deadline = time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := f.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting negotiation deadline: %w", err)
	}
	return nil
}

// negotiationErr classifies a read/write failure during negotiation as a
// timeout versus an outright negotiation failure. Anything that isn't
// identifiably a deadline exceeded is treated as a failed negotiation
// rather than surfaced as a raw I/O error, since from the caller's
// perspective both mean "OpenSubstream did not succeed".
func negotiationErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", cfderrors.ErrNegotiationTimeout, err)
	}
	return fmt.Errorf("%w: %v", cfderrors.ErrNegotiationFailed, err)
}
