package taker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/endpoint"
	"github.com/estuary/cfd-daemon/pkg/multistream"
	"github.com/estuary/cfd-daemon/pkg/transport"
	"github.com/estuary/cfd-daemon/pkg/wire"
)

// ProtocolCfdWire is the substream protocol carrying taker<->maker wire
// envelopes, one JSON object per message.
const ProtocolCfdWire multistream.ProtocolId = "/cfd-wire/1.0.0"

// MakerPeer is the taker's outbound half of the cfd wire protocol: a
// SendToMaker bound to one maker reachable through an Endpoint. The
// substream is opened lazily on first send and re-opened after a send
// failure, so a maker restart surfaces as one failed command rather than
// a permanently dead Controller.
type MakerPeer struct {
	ctx  context.Context
	ep   *endpoint.Endpoint
	peer cfdid.PeerId

	mu     sync.Mutex
	stream transport.Stream
	enc    *json.Encoder
}

// NewMakerPeer binds a MakerPeer to the maker identified by peer. ctx
// bounds every substream open the peer performs over its lifetime.
func NewMakerPeer(ctx context.Context, ep *endpoint.Endpoint, peer cfdid.PeerId) *MakerPeer {
	return &MakerPeer{ctx: ctx, ep: ep, peer: peer}
}

// Send encodes one envelope onto the maker substream, opening it first if
// needed. It satisfies SendToMaker.
func (p *MakerPeer) Send(msg wire.TakerToMaker) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		var stream, err = p.ep.OpenSubstreamSingle(p.ctx, p.peer, ProtocolCfdWire)
		if err != nil {
			return fmt.Errorf("opening maker substream: %w", err)
		}
		p.stream = stream
		p.enc = json.NewEncoder(stream)
	}

	if err := p.enc.Encode(msg); err != nil {
		_ = p.stream.Close()
		p.stream, p.enc = nil, nil
		return fmt.Errorf("sending to maker: %w", err)
	}
	return nil
}

// Close closes the maker substream, if open.
func (p *MakerPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	var err = p.stream.Close()
	p.stream, p.enc = nil, nil
	return err
}

// ServeMakerStream reads maker->taker envelopes off one inbound substream
// and dispatches each to c, until the stream closes or ctx is done.
func ServeMakerStream(ctx context.Context, c *Controller, peer cfdid.PeerId, stream transport.Stream) {
	defer stream.Close()
	var log = logrus.WithField("remote_peer", peer.String())
	var dec = json.NewDecoder(stream)

	for {
		var msg wire.MakerToTaker
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.WithError(err).Warn("maker stream closed")
			}
			return
		}

		var err error
		switch msg.Tag {
		case wire.MakerNewOrder:
			err = c.NewOrder(ctx, msg.Order)
		case wire.MakerOrderAccepted:
			err = c.OrderAccepted(ctx, msg.OrderId)
		case wire.MakerProtocol:
			err = c.ProtocolMsg(ctx, msg.Protocol)
		default:
			log.WithField("tag", string(msg.Tag)).Warn("unrecognized maker message tag")
			continue
		}
		if err != nil {
			log.WithError(err).Warn("dispatching maker message")
			return
		}
	}
}

// WireRegistration returns the endpoint registration for ProtocolCfdWire.
// resolve is called per inbound substream, so the Endpoint (whose handler
// registry is fixed at construction) can be built before the Controller
// that will consume its streams.
func WireRegistration(resolve func() *Controller) endpoint.Registration {
	return endpoint.Registration{
		Protocol: ProtocolCfdWire,
		Handler: func(ctx context.Context, peer cfdid.PeerId, _ multistream.ProtocolId, stream transport.Stream) {
			var c = resolve()
			if c == nil {
				_ = stream.Close()
				return
			}
			ServeMakerStream(ctx, c, peer, stream)
		},
	}
}
