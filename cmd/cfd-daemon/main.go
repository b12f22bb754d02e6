// Command cfd-daemon wires the Endpoint, taker controller, and CFD store
// together into a running process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/estuary/cfd-daemon/internal/daemonconfig"
	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/endpoint"
	"github.com/estuary/cfd-daemon/pkg/store"
	"github.com/estuary/cfd-daemon/pkg/taker"
	"github.com/estuary/cfd-daemon/pkg/transport"
)

func main() {
	var cfg daemonconfig.Config
	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	configureLogging(cfg.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var st, err = store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("opening store")
	}
	defer st.Close()

	var selfKey = []byte("cfd-daemon-local-identity") // placeholder identity seed; a real deployment derives this from a managed keystore.
	var self cfdid.PeerId
	self, err = cfdid.PeerIdFromPublicKey(selfKey)
	if err != nil {
		logrus.WithError(err).Fatal("deriving local peer id")
	}

	// The wire handler resolves the controller per inbound substream, so
	// the endpoint (whose registry is fixed at construction) can be built
	// before the controller that consumes its streams.
	var ctrl *taker.Controller
	var t = transport.NewMemoryTransport(self)
	var ep *endpoint.Endpoint
	ep, err = endpoint.NewEndpoint(ctx, t, self, cfg.Endpoint.ConnectionTimeout, []endpoint.Registration{
		taker.WireRegistration(func() *taker.Controller { return ctrl }),
	})
	if err != nil {
		logrus.WithError(err).Fatal("constructing endpoint")
	}
	defer ep.Close()

	for _, raw := range cfg.Endpoint.ListenAddresses {
		var addr, aerr = cfdid.ParseMultiaddr(raw)
		if aerr != nil {
			logrus.WithError(aerr).WithField("addr", raw).Fatal("parsing listen address")
		}
		if err := ep.ListenOn(ctx, addr); err != nil {
			logrus.WithError(err).WithField("addr", raw).Fatal("listening")
		}
	}

	if cfg.Endpoint.MakerAddress != "" {
		var makerAddr, aerr = cfdid.ParseMultiaddr(cfg.Endpoint.MakerAddress)
		if aerr != nil {
			logrus.WithError(aerr).Fatal("parsing maker address")
		}
		var makerPeer, _, perr = makerAddr.ExtractPeerId()
		if perr != nil {
			logrus.WithError(perr).Fatal("extracting maker peer id")
		}

		var sender = taker.NewMakerPeer(ctx, ep, makerPeer)
		defer sender.Close()
		ctrl = taker.New(ctx, st, unfundedWallet{}, sender.Send, logSink{}, nil, nil, nil)
		defer ctrl.Close()

		if err := ep.Connect(ctx, makerAddr); err != nil {
			logrus.WithError(err).WithField("addr", cfg.Endpoint.MakerAddress).Fatal("connecting to maker")
		}
	}

	logrus.WithField("peer_id", self.String()).Info("cfd-daemon started")

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	var caught = <-sig
	logrus.WithField("signal", caught).Info("caught signal")
	logrus.Info("goodbye")
}

func configureLogging(cfg daemonconfig.LogConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// unfundedWallet stands in for the wallet collaborator until one is
// attached; every operation needing funds fails cleanly through the
// controller's error sink.
type unfundedWallet struct{}

func (unfundedWallet) Sync(context.Context) (taker.WalletState, error) {
	return taker.WalletState{}, nil
}

func (unfundedWallet) ComputeMargin(context.Context, cfd.Order, cfd.Usd) (cfd.Amount, error) {
	return 0, fmt.Errorf("no wallet attached")
}

func (unfundedWallet) BuildPartyParams(context.Context, cfd.Amount) (taker.PartyParams, error) {
	return taker.PartyParams{}, fmt.Errorf("no wallet attached")
}

// logSink reports controller errors to the process log.
type logSink struct{}

func (logSink) Report(err error) {
	logrus.WithError(err).Warn("taker command failed")
}

var _ taker.Wallet = unfundedWallet{}
