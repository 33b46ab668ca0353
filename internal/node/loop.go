package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/gusearch/pkg"
)

// Run starts the receive goroutine and the event loop and blocks until ctx
// is done or the transport fails. A member still in the ring leaves before
// Run returns. Run may be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("node already running")
	}

	// the socket outlives the loop so departures can still go out
	serveCtx, stopServe := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.conn.Serve(serveCtx, n.receive)
	})
	g.Go(func() error {
		defer stopServe()
		n.loop(gctx)
		return nil
	})

	n.logger.Info().
		Dur("stabilize_interval", n.cfg.StabilizeInterval).
		Dur("audit_interval", n.cfg.AuditInterval).
		Msg("Node running")

	err := g.Wait()
	n.logger.Info().Msg("Node stopped")
	return err
}

func (n *Node) loop(ctx context.Context) {
	defer close(n.stopped)

	stabilize := n.clock.NewTicker(n.cfg.StabilizeInterval)
	defer stabilize.Stop()
	audit := n.clock.NewTicker(n.cfg.AuditInterval)
	defer audit.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return
		case fn := <-n.events:
			fn()
		case <-stabilize.Chan():
			n.ring.RunStabilize()
			n.refreshGauges()
		case <-audit.Chan():
			n.ring.AuditPings()
		}
	}
}

func (n *Node) shutdown() {
	// drain work that was already accepted
	for drained := false; !drained; {
		select {
		case fn := <-n.events:
			fn()
		default:
			drained = true
		}
	}
	if n.ring.InRing() {
		if err := n.ring.Leave(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to leave ring on shutdown")
		}
	}
}

// receive runs on the transport goroutine and hands the datagram to the loop.
func (n *Node) receive(from netip.Addr, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case n.events <- func() { n.HandleDatagram(from, buf) }:
	case <-n.stopped:
	}
}

// Do runs fn on the event loop and waits for it to finish.
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case n.events <- task:
	case <-n.stopped:
		return pkg.ErrNodeStopped
	case <-ctx.Done():
		return contextErr(ctx)
	}

	select {
	case <-done:
		return nil
	case <-n.stopped:
		select {
		case <-done:
			return nil
		default:
			return pkg.ErrNodeStopped
		}
	case <-ctx.Done():
		return contextErr(ctx)
	}
}

func contextErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", pkg.ErrContextCanceled, err)
	}
	return err
}
