package chord

import (
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
)

// initFinger appends slot i-1 and asks the successor who owns its start.
// The next slot is requested only when this one's answer arrives, so at
// most one build request is outstanding.
func (n *ChordNode) initFinger(i int) {
	if i < 1 || i > hash.M || len(n.fingers) != i-1 {
		return
	}
	entry := FingerEntry{
		Index: i - 1,
		Start: hash.AddPowerOfTwo(n.self.ID, i-1),
	}
	n.fingers = append(n.fingers, entry)
	n.requestFinger(entry)
}

// fixFinger walks the table from slot i-1 and refreshes the first slot whose
// owner may differ from the previous slot's, that is where the previous
// owner lies in (prevStart, currStart]. Slots before it inherit the previous
// owner: no node sits between their starts.
func (n *ChordNode) fixFinger(i int) {
	if len(n.fingers) != hash.M {
		return
	}
	if i < 2 {
		i = 2
	}
	for j := i - 1; j < hash.M; j++ {
		prev := n.fingers[j-1]
		curr := &n.fingers[j]
		if prev.Owner.ID == prev.Start || hash.IsInBetween(prev.Start, prev.Owner.ID, curr.Start) {
			n.requestFinger(*curr)
			return
		}
		curr.Owner = prev.Owner
	}
}

func (n *ChordNode) requestFinger(entry FingerEntry) {
	txID := n.NextTransactionID()
	n.stabLog().
		Int("index", entry.Index).
		Str("start", entry.Start.Short(8)).
		Uint32("transaction_id", txID).
		Msg("Sending FIND_SUCCESSOR_REQ")
	n.send(n.successor.Addr, protocol.FindSuccessorReq, txID, &protocol.FindSuccessor{
		Node:  n.self,
		Start: entry.Start,
		Index: uint32(entry.Index),
	})
}

// handleFindSuccessorReq answers when our successor owns the start and
// forwards otherwise, keeping the transaction id for the originator.
func (n *ChordNode) handleFindSuccessorReq(txID uint32, req *protocol.FindSuccessor) {
	if !n.inRing {
		n.logger.Debug().Str("originator", req.Node.String()).Msg("Dropping FIND_SUCCESSOR_REQ while outside the ring")
		return
	}

	if hash.IsSuccessor(n.self.ID, req.Start, n.successor.ID) {
		n.send(req.Node.Addr, protocol.FindSuccessorRsp, txID, &protocol.FindSuccessor{
			Node:  n.successor,
			Start: req.Start,
			Index: req.Index,
		})
		return
	}
	n.send(n.successor.Addr, protocol.FindSuccessorReq, txID, req)
}

func (n *ChordNode) handleFindSuccessorRsp(txID uint32, rsp *protocol.FindSuccessor) {
	if rsp.IsLookup() {
		n.logger.Debug().
			Str("owner", rsp.Node.String()).
			Str("key", rsp.Start.Short(8)).
			Uint32("transaction_id", txID).
			Msg("Lookup resolved")
		n.observer.LookupResolved(rsp.Node, rsp.Start, txID)
		return
	}

	if !n.inRing {
		return
	}
	idx := int(rsp.Index)
	if idx >= len(n.fingers) || n.fingers[idx].Start != rsp.Start {
		n.logger.Debug().
			Int("index", idx).
			Int("fingers", len(n.fingers)).
			Msg("Dropping stale FIND_SUCCESSOR_RSP")
		return
	}

	n.fingers[idx].Owner = rsp.Node
	if len(n.fingers) < hash.M {
		n.initFinger(idx + 2)
		return
	}
	n.fixFinger(idx + 2)
}
