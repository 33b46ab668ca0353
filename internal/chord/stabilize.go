package chord

import (
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
)

// RunStabilize is the periodic repair tick: ask the successor for its
// predecessor, pin finger 0 to the successor and refresh the finger table.
func (n *ChordNode) RunStabilize() {
	if !n.inRing {
		return
	}

	txID := n.NextTransactionID()
	n.stabLog().
		Str("successor", n.successor.String()).
		Uint32("transaction_id", txID).
		Msg("Sending STABILIZE_REQ")
	n.send(n.successor.Addr, protocol.StabilizeReq, txID, &protocol.Stabilize{Sender: n.self})

	if len(n.fingers) > 0 {
		n.fingers[0].Owner = n.successor
	}
	n.fixFinger(2)
}

// handleStabilizeReq is the notify half of stabilization. The sender
// believes it precedes us; adopt it when it is closer than what we have.
func (n *ChordNode) handleStabilizeReq(txID uint32, req *protocol.Stabilize) {
	if !n.inRing {
		return
	}

	s := req.Sender
	switch {
	case s.IsZero():
	case n.predecessor.IsZero():
		n.setPredecessor(s)
	case n.predecessor.Equals(n.self) && !s.Equals(n.self):
		n.setPredecessor(s)
	case hash.Between(s.ID, n.predecessor.ID, n.self.ID):
		n.setPredecessor(s)
	}

	n.stabLog().
		Str("to", s.String()).
		Str("predecessor", n.predecessor.String()).
		Msg("Sending STABILIZE_RSP")
	n.send(s.Addr, protocol.StabilizeRsp, txID, &protocol.StabilizeReply{Predecessor: n.predecessor})
}

// handleStabilizeRsp adopts the successor's predecessor when it sits between
// us and the successor. Replies that are stale relative to a newer successor
// fall outside that interval and are ignored.
func (n *ChordNode) handleStabilizeRsp(rsp *protocol.StabilizeReply) {
	if !n.inRing {
		return
	}
	p := rsp.Predecessor
	if p.IsZero() || p.Equals(n.self) {
		return
	}
	if !hash.Between(p.ID, n.self.ID, n.successor.ID) {
		n.stabLog().Str("candidate", p.String()).Msg("Keeping successor")
		return
	}
	n.setSuccessor(p)
}
