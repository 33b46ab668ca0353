package chord

import (
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

// RingState logs this node's pointers and starts a RING_STATE_PING walk
// that makes every member log its own until the walk returns here.
func (n *ChordNode) RingState() error {
	if !n.inRing {
		return pkg.ErrNotInRing
	}
	n.logState()
	n.logFingers()
	if n.successor.Equals(n.self) {
		return nil
	}
	n.send(n.successor.Addr, protocol.RingStatePing, n.NextTransactionID(), &protocol.RingState{Originator: n.self})
	return nil
}

func (n *ChordNode) handleRingStatePing(txID uint32, p *protocol.RingState) {
	if p.Originator.Equals(n.self) {
		n.logger.Info().Msg("Ring state walk complete")
		return
	}
	if !n.inRing {
		return
	}
	n.logState()
	n.send(n.successor.Addr, protocol.RingStatePing, txID, p)
}

func (n *ChordNode) logState() {
	n.logger.Info().
		Str("self", n.self.String()).
		Str("predecessor", n.predecessor.String()).
		Str("successor", n.successor.String()).
		Msg("Ring state")
}

func (n *ChordNode) logFingers() {
	for _, f := range n.fingers {
		n.logger.Debug().
			Int("index", f.Index).
			Str("start", f.Start.Short(8)).
			Str("owner", f.Owner.String()).
			Msg("Finger")
	}
}
