// Package taker implements the taker controller: the single-writer
// state-machine authority for the taker's view of all CFDs. It follows
// the same actor shape as pkg/endpoint - an exported client API that
// posts commands onto an internal mailbox processed by one goroutine -
// scaled to the taker's specific command set instead of
// connection/substream management.
package taker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/setup"
	"github.com/estuary/cfd-daemon/pkg/store"
	"github.com/estuary/cfd-daemon/pkg/wire"
)

// SendToMaker forwards one wire.TakerToMaker envelope to the maker. It is
// an external collaborator bound at construction time, e.g. an open
// substream negotiated via pkg/endpoint.
type SendToMaker func(wire.TakerToMaker) error

// Controller is the taker's single-writer CFD authority.
type Controller struct {
	store       *store.Store
	wallet      Wallet
	sendToMaker SendToMaker
	errorSink   ErrorSink
	cfdFeed     CfdFeed
	orderFeed   OrderFeed
	walletFeed  WalletFeed

	mailbox chan any
	quit    chan struct{}
	done    chan struct{}
	log     *logrus.Entry

	// known is every OrderId the controller has ever taken, in first-seen
	// order, used to rebuild the full list the CFD feed publishes.
	known []cfdid.OrderId

	// orders remembers every Order advertised via NewOrder, so TakeOrder
	// and OrderAccepted can look price/leverage/settlement terms back up
	// without re-fetching from the maker.
	orders map[cfdid.OrderId]cfd.Order

	// At most one contract-setup runs at a time.
	setupOrderId cfdid.OrderId
	setupActive  bool
	setupActor   *setup.Actor
}

// New constructs and starts a Controller.
func New(ctx context.Context, st *store.Store, wallet Wallet, sendToMaker SendToMaker, errorSink ErrorSink, cfdFeed CfdFeed, orderFeed OrderFeed, walletFeed WalletFeed) *Controller {
	var c = &Controller{
		store:       st,
		wallet:      wallet,
		sendToMaker: sendToMaker,
		errorSink:   errorSink,
		cfdFeed:     cfdFeed,
		orderFeed:   orderFeed,
		walletFeed:  walletFeed,
		mailbox:     make(chan any, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         logrus.WithField("component", "taker-controller"),
		orders:      make(map[cfdid.OrderId]cfd.Order),
	}
	go c.run(ctx)
	return c
}

// Close stops the controller's mailbox loop. The mailbox channel is never
// closed: a setup-completion task posting its result after shutdown parks
// on the quit select instead of panicking.
func (c *Controller) Close() {
	close(c.quit)
	<-c.done
}

func (c *Controller) send(ctx context.Context, cmd any) error {
	select {
	case c.mailbox <- cmd:
		return nil
	case <-c.quit:
		return cfderrors.ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) SyncWallet(ctx context.Context) error {
	return c.send(ctx, cmdSyncWallet{})
}

func (c *Controller) TakeOrder(ctx context.Context, orderId cfdid.OrderId, quantity cfd.Usd) error {
	return c.send(ctx, cmdTakeOrder{orderId: orderId, quantity: quantity})
}

func (c *Controller) NewOrder(ctx context.Context, order *cfd.Order) error {
	return c.send(ctx, cmdNewOrder{order: order})
}

func (c *Controller) OrderAccepted(ctx context.Context, orderId cfdid.OrderId) error {
	return c.send(ctx, cmdOrderAccepted{orderId: orderId})
}

func (c *Controller) IncProtocolMsg(ctx context.Context, orderId cfdid.OrderId, msg setup.SetupMsg) error {
	return c.send(ctx, cmdIncProtocolMsg{orderId: orderId, msg: msg})
}

// ProtocolMsg delivers a maker-originated setup protocol message to the
// current contract-setup. The wire envelope does not name an order id; at
// most one setup runs at a time, so the message can only belong to it.
func (c *Controller) ProtocolMsg(ctx context.Context, msg setup.SetupMsg) error {
	return c.send(ctx, cmdIncProtocolMsg{msg: msg})
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		var cmd any
		select {
		case cmd = <-c.mailbox:
		case <-c.quit:
			if c.setupActor != nil {
				c.setupActor.Cancel()
			}
			return
		}
		switch m := cmd.(type) {
		case cmdSyncWallet:
			c.handleSyncWallet(ctx)
		case cmdNewOrder:
			c.handleNewOrder(m)
		case cmdTakeOrder:
			c.handleTakeOrder(ctx, m)
		case cmdOrderAccepted:
			c.handleOrderAccepted(ctx, m)
		case cmdIncProtocolMsg:
			c.handleIncProtocolMsg(m)
		case cmdCfdSetupCompleted:
			c.handleCfdSetupCompleted(ctx, m)
		}
	}
}

func (c *Controller) report(err error) {
	c.log.WithError(err).Warn("command could not be applied")
	if c.errorSink != nil {
		c.errorSink.Report(err)
	}
}

func (c *Controller) handleSyncWallet(ctx context.Context) {
	var state, err = c.wallet.Sync(ctx)
	if err != nil {
		c.report(fmt.Errorf("syncing wallet: %w", err))
		return
	}
	if c.walletFeed != nil {
		c.walletFeed.Push(state)
	}
}

func (c *Controller) handleNewOrder(m cmdNewOrder) {
	if m.order != nil {
		c.orders[m.order.Id] = *m.order
	}
	if c.orderFeed != nil {
		c.orderFeed.Push(m.order)
	}
}

func (c *Controller) handleTakeOrder(ctx context.Context, m cmdTakeOrder) {
	if _, ok := c.orders[m.orderId]; !ok {
		c.report(fmt.Errorf("%w: order %s", cfderrors.ErrNotFound, m.orderId))
		return
	}

	var ev = cfd.CfdEvent{
		Id:        m.orderId,
		Timestamp: time.Now().UTC(),
		Event:     cfd.EventKind{Tag: cfd.KindCfdTaken, TakenQuantity: m.quantity},
	}
	if _, _, err := c.store.AppendEvent(ctx, m.orderId, ev); err != nil {
		c.report(fmt.Errorf("persisting take-order event: %w", err))
		return
	}
	c.remember(m.orderId)
	c.refreshCfdFeed(ctx)

	if err := c.sendToMaker(wire.TakerToMaker{Tag: wire.TakerTakeOrder, OrderId: m.orderId, Quantity: m.quantity}); err != nil {
		c.report(fmt.Errorf("sending take-order to maker: %w", err))
	}
}

func (c *Controller) remember(orderId cfdid.OrderId) {
	for _, id := range c.known {
		if id == orderId {
			return
		}
	}
	c.known = append(c.known, orderId)
}

func (c *Controller) refreshCfdFeed(ctx context.Context) {
	if c.cfdFeed == nil {
		return
	}
	var cfds = make([]cfd.Cfd, 0, len(c.known))
	for _, id := range c.known {
		var projected, err = c.store.ProjectCfd(ctx, id)
		if err != nil {
			c.report(fmt.Errorf("projecting cfd %s for feed refresh: %w", id, err))
			continue
		}
		cfds = append(cfds, projected)
	}
	c.cfdFeed.Push(cfds)
}

func (c *Controller) handleOrderAccepted(ctx context.Context, m cmdOrderAccepted) {
	var projected, err = c.store.ProjectCfd(ctx, m.orderId)
	if err != nil {
		c.report(fmt.Errorf("loading cfd %s for order-accepted: %w", m.orderId, err))
		return
	}
	if projected.State.Tag != cfd.StatePendingTakeRequest {
		// An acceptance for a CFD that isn't awaiting one is a protocol
		// violation: report it, leave state unchanged.
		c.report(fmt.Errorf("%w: OrderAccepted for cfd %s in state %s", cfderrors.ErrUnexpectedTransition, m.orderId, projected.State.Tag))
		return
	}
	if c.setupActive {
		c.report(fmt.Errorf("%w: setup already in progress for %s", cfderrors.ErrSetupAlreadyInProgress, c.setupOrderId))
		return
	}

	var ev = cfd.CfdEvent{Id: m.orderId, Timestamp: time.Now().UTC(), Event: cfd.EventKind{Tag: cfd.KindContractSetupStarted}}
	if _, _, err := c.store.AppendEvent(ctx, m.orderId, ev); err != nil {
		c.report(fmt.Errorf("persisting contract-setup-started event: %w", err))
		return
	}
	c.refreshCfdFeed(ctx)

	var order, known = c.orders[m.orderId]
	if !known {
		c.report(fmt.Errorf("%w: order %s", cfderrors.ErrNotFound, m.orderId))
		return
	}
	var margin cfd.Amount
	margin, err = c.wallet.ComputeMargin(ctx, order, projected.Quantity)
	if err != nil {
		c.report(fmt.Errorf("%w: %v", cfderrors.ErrMarginUnavailable, err))
		return
	}

	var params PartyParams
	params, err = c.wallet.BuildPartyParams(ctx, margin)
	if err != nil {
		c.report(fmt.Errorf("%w: %v", cfderrors.ErrPartyParamsFailed, err))
		return
	}

	var signer = setup.PlainSigner{
		Role:              setup.RoleTaker,
		Keys:              params.Keys,
		Address:           params.Address,
		LockAmount:        params.LockAmount,
		SettlementEventId: order.SettlementEventId,
	}
	var sendFn setup.SendFunc = func(msg setup.SetupMsg) error {
		return c.sendToMaker(wire.TakerToMaker{Tag: wire.TakerProtocol, Protocol: msg})
	}

	var actor = setup.NewActor(ctx, m.orderId, setup.RoleTaker, sendFn, signer)
	c.setupActive = true
	c.setupOrderId = m.orderId
	c.setupActor = actor

	go func() {
		var result = <-actor.Completion()
		select {
		case c.mailbox <- cmdCfdSetupCompleted{orderId: m.orderId, finalized: result.Finalized, err: result.Err}:
		case <-c.quit:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleIncProtocolMsg(m cmdIncProtocolMsg) {
	if !c.setupActive || (!m.orderId.IsZero() && c.setupOrderId != m.orderId) {
		c.report(fmt.Errorf("%w: IncProtocolMsg for %s with no active setup", cfderrors.ErrNoActiveSetup, m.orderId))
		return
	}
	c.setupActor.Deliver(m.msg)
}

func (c *Controller) handleCfdSetupCompleted(ctx context.Context, m cmdCfdSetupCompleted) {
	if c.setupActor != nil {
		c.setupActor.Cancel()
	}
	c.setupActive = false
	c.setupActor = nil

	if m.err != nil {
		var ev = cfd.CfdEvent{Id: m.orderId, Timestamp: time.Now().UTC(), Event: cfd.EventKind{Tag: cfd.KindContractSetupFailed, Reason: m.err.Error()}}
		if _, _, err := c.store.AppendEvent(ctx, m.orderId, ev); err != nil {
			c.report(fmt.Errorf("persisting contract-setup-failed event: %w", err))
		}
		c.refreshCfdFeed(ctx)
		c.report(fmt.Errorf("contract setup failed for %s: %w", m.orderId, m.err))
		return
	}

	var dlc = m.finalized.Dlc
	var ev = cfd.CfdEvent{
		Id:        m.orderId,
		Timestamp: time.Now().UTC(),
		Event:     cfd.EventKind{Tag: cfd.KindRolloverCompleted, Dlc: &dlc, FundingFee: m.finalized.FundingFee},
	}
	var cfdRowId, eventRowId, err = c.store.AppendEvent(ctx, m.orderId, ev)
	if err != nil {
		c.report(fmt.Errorf("persisting rollover-completed event: %w", err))
		return
	}
	if err := c.store.InsertEventData(ctx, cfdRowId, eventRowId, ev); err != nil {
		c.report(fmt.Errorf("persisting finalized dlc for %s: %w", m.orderId, err))
		return
	}
	c.refreshCfdFeed(ctx)
}
