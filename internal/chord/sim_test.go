package chord

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

type envelope struct {
	from, to netip.Addr
	data     []byte
}

// simNetwork delivers datagrams FIFO through the real codec.
type simNetwork struct {
	t     *testing.T
	queue []envelope
	nodes map[netip.Addr]*ChordNode
	drop  func(envelope, *protocol.Message) bool
	sent  map[protocol.MessageType]int
}

func newSimNetwork(t *testing.T) *simNetwork {
	return &simNetwork{
		t:     t,
		nodes: make(map[netip.Addr]*ChordNode),
		sent:  make(map[protocol.MessageType]int),
	}
}

type simSender struct {
	net  *simNetwork
	from netip.Addr
}

func (s simSender) Send(to netip.Addr, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.net.sent[msg.Type]++
	s.net.queue = append(s.net.queue, envelope{from: s.from, to: to, data: data})
	return nil
}

// flush delivers until the network is quiet.
func (sn *simNetwork) flush() {
	sn.t.Helper()
	for steps := 0; len(sn.queue) > 0; steps++ {
		require.Less(sn.t, steps, 1_000_000, "network never went quiet")
		e := sn.queue[0]
		sn.queue = sn.queue[1:]

		msg, err := protocol.Decode(e.data)
		require.NoError(sn.t, err)
		if sn.drop != nil && sn.drop(e, msg) {
			continue
		}
		node, ok := sn.nodes[e.to]
		if !ok {
			continue
		}
		require.NoError(sn.t, node.HandleMessage(e.from, msg))
	}
}

func testAddr(num uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 0, byte(num >> 8), byte(num)})
}

func testConfig(num uint32) *config.Config {
	cfg := config.DefaultConfig()
	cfg.NodeNum = num
	cfg.Host = testAddr(num).String()
	cfg.Nodes = map[string]string{strconv.FormatUint(uint64(num), 10): cfg.Host}
	return cfg
}

// recorder captures observer callbacks.
type recorder struct {
	received     []string
	succeeded    []PingRequest
	failed       []PingRequest
	lookups      map[uint32]protocol.NodeRef
	predChanges  [][2]protocol.NodeRef
	leavingCalls []protocol.NodeRef
}

func newRecorder() *recorder {
	return &recorder{lookups: make(map[uint32]protocol.NodeRef)}
}

func (r *recorder) PingReceived(_ netip.Addr, message string) { r.received = append(r.received, message) }
func (r *recorder) PingSucceeded(req PingRequest) { r.succeeded = append(r.succeeded, req) }
func (r *recorder) PingFailed(req PingRequest) { r.failed = append(r.failed, req) }
func (r *recorder) LookupResolved(owner protocol.NodeRef, _ hash.ID, id uint32) {
	r.lookups[id] = owner
}
func (r *recorder) PredecessorChanged(old, updated protocol.NodeRef) {
	r.predChanges = append(r.predChanges, [2]protocol.NodeRef{old, updated})
}
func (r *recorder) Leaving(successor protocol.NodeRef) {
	r.leavingCalls = append(r.leavingCalls, successor)
}

type testNode struct {
	*ChordNode
	rec *recorder
}

func (sn *simNetwork) addNode(num uint32, opts ...Option) *testNode {
	sn.t.Helper()
	rec := newRecorder()
	opts = append([]Option{WithObserver(rec), WithTransactionSeed(num << 20)}, opts...)
	node, err := NewChordNode(testConfig(num), simSender{net: sn, from: testAddr(num)}, pkg.NewNop(), opts...)
	require.NoError(sn.t, err)
	sn.nodes[node.Self().Addr] = node
	return &testNode{ChordNode: node, rec: rec}
}

func (sn *simNetwork) stabilize(rounds int) {
	sn.t.Helper()
	for r := 0; r < rounds; r++ {
		for _, addr := range sn.sortedAddrs() {
			sn.nodes[addr].RunStabilize()
			sn.flush()
		}
	}
}

func (sn *simNetwork) sortedAddrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(sn.nodes))
	for a := range sn.nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

// members returns in-ring nodes sorted by ring id.
func (sn *simNetwork) members() []*ChordNode {
	var out []*ChordNode
	for _, n := range sn.nodes {
		if n.InRing() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Self().ID.Cmp(out[j].Self().ID) < 0 })
	return out
}

// ownerOf is the brute force answer: first member at or after key.
func ownerOf(members []*ChordNode, key hash.ID) protocol.NodeRef {
	for _, m := range members {
		if m.Self().ID.Cmp(key) >= 0 {
			return m.Self()
		}
	}
	return members[0].Self()
}

// buildRing bootstraps node 1 and joins the rest through it.
func buildRing(t *testing.T, count int) (*simNetwork, []*testNode) {
	t.Helper()
	sn := newSimNetwork(t)
	nodes := make([]*testNode, 0, count)
	for i := 1; i <= count; i++ {
		nodes = append(nodes, sn.addNode(uint32(i)))
	}
	require.NoError(t, nodes[0].Join(nodes[0].Self()))
	for _, n := range nodes[1:] {
		require.NoError(t, n.Join(nodes[0].Self()))
		sn.flush()
		sn.stabilize(3)
	}
	sn.stabilize(2*count + 4)
	return sn, nodes
}

func describe(n *ChordNode) string {
	return fmt.Sprintf("%s succ=%s pred=%s", n.Self(), n.Successor(), n.Predecessor())
}
