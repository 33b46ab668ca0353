package chord

import (
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

// Resolve starts an asynchronous lookup of the node owning key. The
// request walks the ring successor by successor; Observer.LookupResolved
// fires with correlationID once the owner is known.
func (n *ChordNode) Resolve(key hash.ID, correlationID uint32) error {
	if !n.inRing {
		n.logger.Warn().Str("key", key.Short(8)).Msg("Lookup requested outside the ring")
		return pkg.ErrNotInRing
	}

	n.logger.Debug().
		Str("key", key.Short(8)).
		Uint32("transaction_id", correlationID).
		Msg("Resolving key")

	req := &protocol.FindSuccessor{
		Node:  n.self,
		Start: key,
		Index: protocol.LookupIndex,
	}
	// the walk starts here so a key our successor owns costs one datagram
	n.handleFindSuccessorReq(correlationID, req)
	return nil
}
