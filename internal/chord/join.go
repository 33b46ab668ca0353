package chord

import (
	"fmt"

	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

// Join enters the ring through landmark. Joining through ourselves creates a
// new ring; otherwise a JOIN_REQ goes to the landmark and membership starts
// when the matching JOIN_RSP arrives.
func (n *ChordNode) Join(landmark protocol.NodeRef) error {
	if n.inRing {
		return pkg.ErrAlreadyInRing
	}
	if landmark.IsZero() {
		return fmt.Errorf("landmark cannot be unset")
	}

	if landmark.Equals(n.self) {
		n.bootstrap()
		return nil
	}

	n.joining = true
	txID := n.NextTransactionID()
	n.logger.Info().
		Str("landmark", landmark.String()).
		Uint32("transaction_id", txID).
		Msg("Sending JOIN_REQ")
	n.send(landmark.Addr, protocol.JoinReq, txID, &protocol.Join{
		Landmark:  landmark,
		Requester: n.self,
	})
	return nil
}

// bootstrap creates a single node ring.
func (n *ChordNode) bootstrap() {
	n.inRing = true
	n.joining = false
	n.setSuccessor(n.self)
	n.setPredecessor(n.self)

	n.fingers = make([]FingerEntry, hash.M)
	for i := range n.fingers {
		n.fingers[i] = FingerEntry{
			Index: i,
			Start: hash.AddPowerOfTwo(n.self.ID, i),
			Owner: n.self,
		}
	}

	n.logger.Info().Msg("Created new ring")
	n.broadcast(EventNodeJoin, "", "created new ring")
}

func (n *ChordNode) handleJoinReq(txID uint32, req *protocol.Join) {
	if !n.inRing {
		n.logger.Debug().Str("requester", req.Requester.String()).Msg("Dropping JOIN_REQ while outside the ring")
		return
	}

	if hash.IsSuccessor(n.self.ID, req.Requester.ID, n.successor.ID) {
		// The requester slots in right after us. The reply travels the
		// successor chain until it reaches the landmark.
		n.logger.Info().
			Str("requester", req.Requester.String()).
			Str("successor", n.successor.String()).
			Msg("Accepting join, sending JOIN_RSP")
		n.send(n.successor.Addr, protocol.JoinRsp, txID, &protocol.JoinReply{
			Requester: req.Requester,
			Landmark:  req.Landmark,
			Successor: n.successor,
		})
		return
	}

	n.logger.Debug().
		Str("requester", req.Requester.String()).
		Str("successor", n.successor.String()).
		Msg("Forwarding JOIN_REQ")
	n.send(n.successor.Addr, protocol.JoinReq, txID, req)
}

func (n *ChordNode) handleJoinRsp(txID uint32, rsp *protocol.JoinReply) {
	switch {
	case n.self.Equals(rsp.Landmark):
		n.logger.Debug().Str("requester", rsp.Requester.String()).Msg("Relaying JOIN_RSP to requester")
		n.send(rsp.Requester.Addr, protocol.JoinRsp, txID, rsp)

	case n.self.Equals(rsp.Requester):
		if n.inRing {
			n.logger.Debug().Msg("Ignoring duplicate JOIN_RSP")
			return
		}
		n.inRing = true
		n.joining = false
		n.fingers = make([]FingerEntry, 0, hash.M)
		n.setSuccessor(rsp.Successor)
		n.logger.Info().Str("successor", rsp.Successor.String()).Msg("Joined ring")
		n.broadcast(EventNodeJoin, rsp.Successor.String(), "joined ring")
		n.initFinger(1)

	default:
		if !n.inRing {
			return
		}
		n.send(n.successor.Addr, protocol.JoinRsp, txID, rsp)
	}
}

// Leave hands our documents to the successor, tells both neighbours to
// bypass us and resets to the not joined state.
func (n *ChordNode) Leave() error {
	if !n.inRing {
		return pkg.ErrNotInRing
	}

	n.observer.Leaving(n.successor)

	if !n.successor.Equals(n.self) {
		succ, pred := n.successor, n.predecessor
		n.send(succ.Addr, protocol.DepartureReq, n.NextTransactionID(), &protocol.Departure{
			Sender: n.self,
			Conn:   pred,
		})
		if !pred.IsZero() && !pred.Equals(n.self) {
			n.send(pred.Addr, protocol.DepartureReq, n.NextTransactionID(), &protocol.Departure{
				Sender: n.self,
				Conn:   succ,
			})
		}
	}

	n.inRing = false
	n.joining = false
	n.successor = protocol.NodeRef{}
	n.predecessor = protocol.NodeRef{}
	n.fingers = nil
	n.pings.Clear()

	n.logger.Info().Msg("Left ring")
	n.broadcast(EventNodeLeave, "", "left ring")
	return nil
}

// handleDeparture splices a leaving neighbour out of our pointers.
func (n *ChordNode) handleDeparture(dep *protocol.Departure) {
	if !n.inRing {
		return
	}
	n.logger.Info().
		Str("sender", dep.Sender.String()).
		Str("conn", dep.Conn.String()).
		Msg("Neighbour departing")

	if n.predecessor.Equals(dep.Sender) {
		n.setPredecessor(dep.Conn)
	}
	if n.successor.Equals(dep.Sender) {
		n.setSuccessor(dep.Conn)
	}
	n.broadcast(EventNeighbourDeparture, dep.Sender.String(), "neighbour left")
}
