// Package node runs one ring member: the ring state machine, the index layer
// on top of it, the datagram transport and the periodic timers, all driven by
// a single event loop.
package node

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/zde37/gusearch/internal/chord"
	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/directory"
	"github.com/zde37/gusearch/internal/metrics"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/internal/search"
	"github.com/zde37/gusearch/internal/transport"
	"github.com/zde37/gusearch/pkg"
)

// Node level event types, broadcast next to the ring events.
const (
	EventSearchResult = "search_result"
	EventLookupResult = "lookup_result"
	EventPingReceived = "ping_received"
	EventPingSuccess  = "ping_success"
	EventPingFailure  = "ping_failure"
)

// Node owns a ChordNode and a search.Service. Neither is goroutine safe, so
// everything that touches them runs on the event loop started by Run.
type Node struct {
	cfg     *config.Config
	logger  *pkg.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	dir     *directory.Static
	conn    transport.Conn

	ring   *chord.ChordNode
	search *search.Service

	broadcasters fanout

	events  chan func()
	stopped chan struct{}
	started atomic.Bool
}

// Option customizes a Node.
type Option func(*Node)

// WithClock replaces the real clock for tickers and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// WithMetrics sets the collectors. By default each node gets its own.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithBroadcaster adds a sink for ring and node events.
func WithBroadcaster(b chord.RingUpdateBroadcaster) Option {
	return func(n *Node) { n.broadcasters = append(n.broadcasters, b) }
}

// New wires a node on top of conn.
func New(cfg *config.Config, conn transport.Conn, logger *pkg.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	dir, err := directory.ParseStatic(cfg.Nodes)
	if err != nil {
		return nil, fmt.Errorf("invalid node table: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "node", "node_num": cfg.NodeNum}),
		clock:   clockwork.NewRealClock(),
		dir:     dir,
		conn:    conn,
		events:  make(chan func(), 1024),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New(false)
	}

	sender := &meteredSender{conn: conn, metrics: n.metrics}
	obs := &observer{node: n}

	chordOpts := []chord.Option{chord.WithClock(n.clock), chord.WithObserver(obs)}
	if len(n.broadcasters) > 0 {
		chordOpts = append(chordOpts, chord.WithBroadcaster(n.broadcasters))
	}
	n.ring, err = chord.NewChordNode(cfg, sender, logger, chordOpts...)
	if err != nil {
		return nil, err
	}
	n.search, err = search.NewService(n.ring, sender, dir, logger,
		search.WithClock(n.clock),
		search.WithResultObserver(obs),
	)
	if err != nil {
		return nil, err
	}
	n.ring.AddObserver(n.search)

	return n, nil
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// HandleDatagram decodes one datagram and routes it to the ring or the index
// layer. Undecodable datagrams are counted and dropped. Loop only.
func (n *Node) HandleDatagram(from netip.Addr, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		n.metrics.DecodeError()
		n.logger.Warn().Err(err).
			Str("from", from.String()).
			Int("bytes", len(data)).
			Msg("Dropping undecodable datagram")
		return
	}
	n.metrics.DatagramReceived(msg.Type)

	if msg.Type.IsSearch() {
		err = n.search.HandleMessage(from, msg)
	} else {
		err = n.ring.HandleMessage(from, msg)
	}
	if err != nil {
		n.logger.Warn().Err(err).Str("from", from.String()).Msg("Failed to handle message")
	}
}

// broadcast emits a node level event.
func (n *Node) broadcast(eventType, peer, message string) {
	if len(n.broadcasters) == 0 {
		return
	}
	self := n.ring.Self()
	_ = n.broadcasters.BroadcastRingUpdate(chord.RingUpdateEvent{
		Type:      eventType,
		NodeNum:   self.Num,
		NodeID:    self.ID.String(),
		Peer:      peer,
		Timestamp: n.clock.Now().UnixMilli(),
		Message:   message,
	})
}

func (n *Node) refreshGauges() {
	n.metrics.State(n.ring.InRing(), len(n.search.Documents()), len(n.ring.Fingers()))
}

// meteredSender encodes messages for the transport and counts them.
type meteredSender struct {
	conn    transport.Conn
	metrics *metrics.Metrics
}

func (s *meteredSender) Send(to netip.Addr, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Send(to, data); err != nil {
		s.metrics.SendError()
		return err
	}
	s.metrics.DatagramSent(msg.Type)
	return nil
}

// fanout delivers events to every sink and keeps the first error.
type fanout []chord.RingUpdateBroadcaster

func (f fanout) BroadcastRingUpdate(update any) error {
	var first error
	for _, b := range f {
		if err := b.BroadcastRingUpdate(update); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// observer turns ping outcomes and search results into metrics and events.
type observer struct {
	chord.NopObserver
	node *Node
}

func (o *observer) PingReceived(from netip.Addr, message string) {
	peer := from.String()
	if num, err := o.node.dir.ReverseLookup(from); err == nil {
		peer = fmt.Sprintf("Node%d(%s)", num, from)
	}
	o.node.broadcast(EventPingReceived, peer, fmt.Sprintf("ping from %s: %s", peer, message))
}

func (o *observer) PingSucceeded(req chord.PingRequest) {
	o.node.metrics.Ping(true)
	o.node.broadcast(EventPingSuccess, req.Destination.String(),
		fmt.Sprintf("ping %d to %s answered: %s", req.TransactionID, req.Destination, req.Message))
}

func (o *observer) PingFailed(req chord.PingRequest) {
	o.node.metrics.Ping(false)
	o.node.broadcast(EventPingFailure, req.Destination.String(),
		fmt.Sprintf("ping %d to %s failed", req.TransactionID, req.Destination))
}

func (o *observer) SearchCompleted(res search.SearchResult) {
	o.node.metrics.Search(len(res.Documents), res.Elapsed.Seconds())
	o.node.broadcast(EventSearchResult, "",
		fmt.Sprintf("search %d %v: %v", res.TransactionID, res.Terms, res.Documents))
}

func (o *observer) LookupCompleted(res search.LookupResult) {
	o.node.broadcast(EventLookupResult, res.Owner.String(),
		fmt.Sprintf("lookup %d %q (%s) is owned by %s", res.TransactionID, res.Term, res.Key.Short(8), res.Owner))
}

var (
	_ chord.Observer        = (*observer)(nil)
	_ search.ResultObserver = (*observer)(nil)
	_ transport.Operator    = (*Node)(nil)
)
