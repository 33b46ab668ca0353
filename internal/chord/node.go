package chord

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/pending"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

// ChordNode is one member of the ring. It is a single owner state machine:
// every method must be called from the node's event loop and none of them
// block waiting for a peer.
type ChordNode struct {
	self   protocol.NodeRef
	config *config.Config

	sender      Sender
	observer    Observer
	broadcaster RingUpdateBroadcaster
	clock       clockwork.Clock
	logger      *pkg.Logger

	successor   protocol.NodeRef
	predecessor protocol.NodeRef
	inRing      bool
	joining     bool

	// Finger table (index 0 to M-1)
	// finger[i] points to successor of (n + 2^i) mod 2^M
	fingers []FingerEntry

	pings    *pending.Tracker[PingRequest]
	nextTxID uint32

	// traceStabilize logs stabilization traffic at info instead of trace
	traceStabilize bool
}

// Option customizes a ChordNode.
type Option func(*ChordNode)

// WithClock replaces the real clock, used by tests.
func WithClock(clock clockwork.Clock) Option {
	return func(n *ChordNode) { n.clock = clock }
}

// WithObserver registers the callback target for ring events.
func WithObserver(observer Observer) Option {
	return func(n *ChordNode) { n.observer = observer }
}

// WithBroadcaster attaches a ring update broadcaster.
func WithBroadcaster(b RingUpdateBroadcaster) Option {
	return func(n *ChordNode) { n.broadcaster = b }
}

// WithTransactionSeed fixes the first transaction id.
func WithTransactionSeed(seed uint32) Option {
	return func(n *ChordNode) { n.nextTxID = seed }
}

// NewChordNode creates a new Chord node with the given configuration.
// The node starts outside the ring.
func NewChordNode(cfg *config.Config, sender Sender, logger *pkg.Logger, opts ...Option) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	self := protocol.NewNodeRef(cfg.NodeNum, netip.MustParseAddr(cfg.Host))

	n := &ChordNode{
		self:     self,
		config:   cfg,
		sender:   sender,
		observer: NopObserver{},
		clock:    clockwork.NewRealClock(),
		nextTxID: rand.Uint32(),
		logger: logger.WithFields(pkg.Fields{
			"component": "chord",
			"node_num":  self.Num,
			"node_id":   self.ID.Short(8),
		}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.pings = pending.New[PingRequest](n.clock)

	n.logger.Info().
		Str("address", self.Addr.String()).
		Str("ring_id", self.ID.String()).
		Msg("ChordNode created")

	return n, nil
}

// AddObserver registers another callback target after construction.
func (n *ChordNode) AddObserver(observer Observer) {
	switch cur := n.observer.(type) {
	case NopObserver:
		n.observer = observer
	case Observers:
		n.observer = append(cur, observer)
	default:
		n.observer = Observers{cur, observer}
	}
}

// Self returns the node's own reference.
func (n *ChordNode) Self() protocol.NodeRef {
	return n.self
}

// Successor returns the current successor, unset outside the ring.
func (n *ChordNode) Successor() protocol.NodeRef {
	return n.successor
}

// Predecessor returns the current predecessor, possibly unset.
func (n *ChordNode) Predecessor() protocol.NodeRef {
	return n.predecessor
}

// InRing reports whether the node is a ring member.
func (n *ChordNode) InRing() bool {
	return n.inRing
}

// Fingers returns a copy of the finger table.
func (n *ChordNode) Fingers() []FingerEntry {
	out := make([]FingerEntry, len(n.fingers))
	copy(out, n.fingers)
	return out
}

// Snapshot returns the ring pointers for display.
func (n *ChordNode) Snapshot() RingState {
	return RingState{
		Self:         n.self,
		Successor:    n.successor,
		Predecessor:  n.predecessor,
		InRing:       n.inRing,
		Joining:      n.joining,
		Fingers:      len(n.fingers),
		PendingPings: n.pings.Len(),
	}
}

// NextTransactionID returns a fresh transaction id. The index layer draws
// from the same sequence so ids never collide across layers.
func (n *ChordNode) NextTransactionID() uint32 {
	n.nextTxID++
	return n.nextTxID
}

// SetStabilizeTrace toggles verbose logging of stabilization traffic.
func (n *ChordNode) SetStabilizeTrace(on bool) {
	n.traceStabilize = on
	n.logger.Info().Bool("enabled", on).Msg("Stabilization trace toggled")
}

// stabLog picks the level for stabilization chatter.
func (n *ChordNode) stabLog() *zerolog.Event {
	if n.traceStabilize {
		return n.logger.Info()
	}
	return n.logger.Trace()
}

// send hands one message to the Sender. Failures are logged and the exchange
// is abandoned.
func (n *ChordNode) send(to netip.Addr, t protocol.MessageType, txID uint32, payload protocol.Payload) {
	if !to.IsValid() {
		n.logger.Warn().Str("type", t.String()).Msg("Dropping message to unset destination")
		return
	}
	if err := n.sender.Send(to, protocol.NewMessage(t, txID, payload)); err != nil {
		n.logger.Warn().Err(err).
			Str("type", t.String()).
			Str("to", to.String()).
			Msg("Failed to send message")
	}
}

// HandleMessage dispatches one decoded ring datagram from the peer at from.
func (n *ChordNode) HandleMessage(from netip.Addr, msg *protocol.Message) error {
	switch p := msg.Payload.(type) {
	case *protocol.Ping:
		if msg.Type == protocol.PingReq {
			n.handlePingReq(from, msg.TransactionID, p)
		} else {
			n.handlePingRsp(msg.TransactionID, p)
		}
	case *protocol.Join:
		n.handleJoinReq(msg.TransactionID, p)
	case *protocol.JoinReply:
		n.handleJoinRsp(msg.TransactionID, p)
	case *protocol.Departure:
		n.handleDeparture(p)
	case *protocol.Stabilize:
		n.handleStabilizeReq(msg.TransactionID, p)
	case *protocol.StabilizeReply:
		n.handleStabilizeRsp(p)
	case *protocol.RingState:
		n.handleRingStatePing(msg.TransactionID, p)
	case *protocol.FindSuccessor:
		if msg.Type == protocol.FindSuccessorReq {
			n.handleFindSuccessorReq(msg.TransactionID, p)
		} else {
			n.handleFindSuccessorRsp(msg.TransactionID, p)
		}
	default:
		return fmt.Errorf("%w: %s is not a ring message", ErrUnexpectedMessage, msg.Type)
	}
	return nil
}

// ErrUnexpectedMessage is returned when a non ring message reaches the ring layer.
var ErrUnexpectedMessage = errors.New("unexpected message")

// setSuccessor updates the successor and reports the change.
func (n *ChordNode) setSuccessor(node protocol.NodeRef) {
	if n.successor.Equals(node) {
		return
	}
	old := n.successor
	n.successor = node
	n.logger.Info().
		Str("old", old.String()).
		Str("successor", node.String()).
		Msg("Successor updated")
	n.broadcast(EventSuccessorChange, node.String(), fmt.Sprintf("successor %s -> %s", old, node))
}

// setPredecessor updates the predecessor and notifies the observer, which
// rehomes documents the new predecessor now owns.
func (n *ChordNode) setPredecessor(node protocol.NodeRef) {
	if n.predecessor.Equals(node) {
		return
	}
	old := n.predecessor
	n.predecessor = node
	n.logger.Info().
		Str("old", old.String()).
		Str("predecessor", node.String()).
		Msg("Predecessor updated")
	n.broadcast(EventPredecessorChange, node.String(), fmt.Sprintf("predecessor %s -> %s", old, node))
	n.observer.PredecessorChanged(old, node)
}
