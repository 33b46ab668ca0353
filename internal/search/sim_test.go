package search

import (
	"net/netip"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zde37/gusearch/internal/chord"
	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/directory"
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

type envelope struct {
	from, to netip.Addr
	data     []byte
}

type simPeer struct {
	ring    *chord.ChordNode
	search  *Service
	results *resultRecorder
}

// simNetwork routes ring and search datagrams between in-process nodes.
type simNetwork struct {
	t     *testing.T
	queue []envelope
	peers map[netip.Addr]*simPeer
	dir   *directory.Static
	sent  map[protocol.MessageType]int
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

func testAddr(num uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 1, byte(num >> 8), byte(num)})
}

func newSimNetwork(t *testing.T, count int) *simNetwork {
	t.Helper()
	table := make(map[uint32]netip.Addr, count)
	for i := 1; i <= count; i++ {
		table[uint32(i)] = testAddr(uint32(i))
	}
	dir, err := directory.NewStatic(table)
	require.NoError(t, err)
	return &simNetwork{
		t:     t,
		peers: make(map[netip.Addr]*simPeer),
		dir:   dir,
		sent:  make(map[protocol.MessageType]int),
	}
}

func (sn *simNetwork) addPeer(num uint32) *simPeer {
	sn.t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeNum = num
	cfg.Host = testAddr(num).String()
	cfg.Nodes = map[string]string{strconv.FormatUint(uint64(num), 10): cfg.Host}

	sender := simSender{net: sn, from: testAddr(num)}
	ring, err := chord.NewChordNode(cfg, sender, pkg.NewNop(), chord.WithTransactionSeed(num<<20))
	require.NoError(sn.t, err)

	rec := newResultRecorder()
	svc, err := NewService(ring, sender, sn.dir, pkg.NewNop(), WithResultObserver(rec))
	require.NoError(sn.t, err)
	ring.AddObserver(svc)

	p := &simPeer{ring: ring, search: svc, results: rec}
	sn.peers[ring.Self().Addr] = p
	return p
}

func (sn *simNetwork) flush() {
	sn.t.Helper()
	for steps := 0; len(sn.queue) > 0; steps++ {
		require.Less(sn.t, steps, 1_000_000, "network never went quiet")
		e := sn.queue[0]
		sn.queue = sn.queue[1:]

		msg, err := protocol.Decode(e.data)
		require.NoError(sn.t, err)
		p, ok := sn.peers[e.to]
		if !ok {
			continue
		}
		if msg.Type.IsSearch() {
			require.NoError(sn.t, p.search.HandleMessage(e.from, msg))
		} else {
			require.NoError(sn.t, p.ring.HandleMessage(e.from, msg))
		}
	}
}

func (sn *simNetwork) stabilize(rounds int) {
	sn.t.Helper()
	addrs := make([]netip.Addr, 0, len(sn.peers))
	for a := range sn.peers {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	for r := 0; r < rounds; r++ {
		for _, a := range addrs {
			sn.peers[a].ring.RunStabilize()
			sn.flush()
		}
	}
}

// join adds peer num through landmark and lets the ring settle.
func (sn *simNetwork) join(num uint32, landmark *simPeer) *simPeer {
	sn.t.Helper()
	p := sn.addPeer(num)
	require.NoError(sn.t, p.ring.Join(landmark.ring.Self()))
	sn.flush()
	sn.stabilize(8)
	return p
}

func buildRing(t *testing.T, count int) (*simNetwork, []*simPeer) {
	t.Helper()
	sn := newSimNetwork(t, count)
	first := sn.addPeer(1)
	require.NoError(t, first.ring.Join(first.ring.Self()))
	peers := []*simPeer{first}
	for i := 2; i <= count; i++ {
		peers = append(peers, sn.join(uint32(i), first))
	}
	sn.stabilize(2*count + 4)
	return sn, peers
}

// ownerOf is the member whose range (pred, self] holds term.
func (sn *simNetwork) ownerOf(term string) *simPeer {
	var members []*simPeer
	for _, p := range sn.peers {
		if p.ring.InRing() {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ring.Self().ID.Cmp(members[j].ring.Self().ID) < 0
	})
	key := hash.HashString(term)
	for _, m := range members {
		if m.ring.Self().ID.Cmp(key) >= 0 {
			return m
		}
	}
	return members[0]
}

type resultRecorder struct {
	searches map[uint32]SearchResult
	lookups  map[uint32]LookupResult
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{
		searches: make(map[uint32]SearchResult),
		lookups:  make(map[uint32]LookupResult),
	}
}

func (r *resultRecorder) SearchCompleted(res SearchResult) { r.searches[res.TransactionID] = res }
func (r *resultRecorder) LookupCompleted(res LookupResult) { r.lookups[res.TransactionID] = res }
