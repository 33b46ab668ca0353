package chord

import (
	"net/netip"
	"time"

	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
)

// FingerEntry represents an entry in the finger table.
// Start is (self + 2^Index) mod 2^M. Owner is the first node at or after Start.
type FingerEntry struct {
	Index int
	Start hash.ID
	Owner protocol.NodeRef
}

// PingRequest is an outstanding ping.
type PingRequest struct {
	TransactionID uint32
	Destination   protocol.NodeRef
	Message       string
	SentAt        time.Time
}

// RingState is a point in time copy of a node's ring pointers.
type RingState struct {
	Self         protocol.NodeRef
	Successor    protocol.NodeRef
	Predecessor  protocol.NodeRef
	InRing       bool
	Joining      bool
	Fingers      int
	PendingPings int
}

// Sender delivers a message to a peer. Implementations must not block on
// the peer.
type Sender interface {
	Send(to netip.Addr, msg *protocol.Message) error
}

// Observer receives the ring events the index layer and the operator
// surfaces care about. Callbacks run on the node's event loop and must not
// block.
type Observer interface {
	PingReceived(from netip.Addr, message string)
	PingSucceeded(req PingRequest)
	PingFailed(req PingRequest)
	LookupResolved(owner protocol.NodeRef, key hash.ID, correlationID uint32)
	PredecessorChanged(old, updated protocol.NodeRef)
	Leaving(successor protocol.NodeRef)
}

// NopObserver implements Observer with no-ops. Embed it to implement a
// subset of the callbacks.
type NopObserver struct{}

func (NopObserver) PingReceived(netip.Addr, string) {}
func (NopObserver) PingSucceeded(PingRequest) {}
func (NopObserver) PingFailed(PingRequest) {}
func (NopObserver) LookupResolved(protocol.NodeRef, hash.ID, uint32) {}
func (NopObserver) PredecessorChanged(protocol.NodeRef, protocol.NodeRef) {}
func (NopObserver) Leaving(protocol.NodeRef) {}

// Observers fans every callback out to each member in order.
type Observers []Observer

func (o Observers) PingReceived(from netip.Addr, message string) {
	for _, obs := range o {
		obs.PingReceived(from, message)
	}
}

func (o Observers) PingSucceeded(req PingRequest) {
	for _, obs := range o {
		obs.PingSucceeded(req)
	}
}

func (o Observers) PingFailed(req PingRequest) {
	for _, obs := range o {
		obs.PingFailed(req)
	}
}

func (o Observers) LookupResolved(owner protocol.NodeRef, key hash.ID, correlationID uint32) {
	for _, obs := range o {
		obs.LookupResolved(owner, key, correlationID)
	}
}

func (o Observers) PredecessorChanged(old, updated protocol.NodeRef) {
	for _, obs := range o {
		obs.PredecessorChanged(old, updated)
	}
}

func (o Observers) Leaving(successor protocol.NodeRef) {
	for _, obs := range o {
		obs.Leaving(successor)
	}
}
