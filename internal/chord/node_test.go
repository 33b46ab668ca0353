package chord

import (
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

func TestNewChordNode(t *testing.T) {
	sender := simSender{net: newSimNetwork(t)}

	t.Run("valid config", func(t *testing.T) {
		node, err := NewChordNode(testConfig(1), sender, pkg.NewNop())
		require.NoError(t, err)
		assert.Equal(t, uint32(1), node.Self().Num)
		assert.Equal(t, hash.HashString("10.0.0.1"), node.Self().ID)
		assert.False(t, node.InRing())
		assert.True(t, node.Successor().IsZero())
		assert.True(t, node.Predecessor().IsZero())
	})

	t.Run("nil config", func(t *testing.T) {
		node, err := NewChordNode(nil, sender, pkg.NewNop())
		assert.Nil(t, node)
		assert.ErrorContains(t, err, "config cannot be nil")
	})

	t.Run("nil sender", func(t *testing.T) {
		node, err := NewChordNode(testConfig(1), nil, pkg.NewNop())
		assert.Nil(t, node)
		assert.ErrorContains(t, err, "sender cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		node, err := NewChordNode(testConfig(1), sender, nil)
		assert.Nil(t, node)
		assert.ErrorContains(t, err, "logger cannot be nil")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Port = -1
		node, err := NewChordNode(cfg, sender, pkg.NewNop())
		assert.Nil(t, node)
		assert.ErrorContains(t, err, "invalid config")
	})
}

func TestChordNode_Bootstrap(t *testing.T) {
	sn := newSimNetwork(t)
	n := sn.addNode(1)

	require.NoError(t, n.Join(n.Self()))
	assert.True(t, n.InRing())
	assert.Equal(t, n.Self(), n.Successor())
	assert.Equal(t, n.Self(), n.Predecessor())

	fingers := n.Fingers()
	require.Len(t, fingers, hash.M)
	for i, f := range fingers {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, hash.AddPowerOfTwo(n.Self().ID, i), f.Start)
		assert.Equal(t, n.Self(), f.Owner)
	}

	require.Len(t, n.rec.predChanges, 1)
	assert.True(t, n.rec.predChanges[0][0].IsZero())

	assert.ErrorIs(t, n.Join(n.Self()), pkg.ErrAlreadyInRing)
	assert.Error(t, n.Join(protocol.NodeRef{}))

	// a lone node keeps pointing at itself through stabilization
	sn.stabilize(3)
	assert.Equal(t, n.Self(), n.Successor())
	assert.Equal(t, n.Self(), n.Predecessor())
}

func TestChordNode_ThreeNodeRing(t *testing.T) {
	sn := newSimNetwork(t)
	nodes := []*testNode{sn.addNode(1), sn.addNode(2), sn.addNode(3)}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Self().ID.Cmp(nodes[j].Self().ID) < 0 })
	low, mid, high := nodes[0], nodes[1], nodes[2]

	require.NoError(t, low.Join(low.Self()))
	require.NoError(t, mid.Join(low.Self()))
	sn.flush()
	assert.True(t, mid.InRing())
	assert.Equal(t, low.Self(), mid.Successor())

	require.NoError(t, high.Join(low.Self()))
	sn.flush()
	assert.True(t, high.InRing())
	sn.stabilize(8)

	assert.Equal(t, mid.Self(), low.Successor(), describe(low.ChordNode))
	assert.Equal(t, high.Self(), mid.Successor(), describe(mid.ChordNode))
	assert.Equal(t, low.Self(), high.Successor(), describe(high.ChordNode))

	assert.Equal(t, high.Self(), low.Predecessor())
	assert.Equal(t, low.Self(), mid.Predecessor())
	assert.Equal(t, mid.Self(), high.Predecessor())
}

func TestChordNode_RingWalk(t *testing.T) {
	const count = 8
	sn, nodes := buildRing(t, count)
	members := sn.members()
	require.Len(t, members, count)

	for _, start := range nodes {
		visited := map[uint32]bool{}
		cur := start.ChordNode
		wraps := 0
		for step := 0; step < count; step++ {
			require.False(t, visited[cur.Self().Num], "node %d visited twice", cur.Self().Num)
			visited[cur.Self().Num] = true

			next := sn.nodes[cur.Successor().Addr]
			require.NotNil(t, next)
			if next.Self().ID.Cmp(cur.Self().ID) <= 0 {
				wraps++
			}
			cur = next
		}
		assert.Equal(t, start.Self(), cur.Self(), "walk returns to its start")
		assert.Len(t, visited, count)
		assert.Equal(t, 1, wraps, "ids increase except for one wraparound")
	}
}

func TestChordNode_FingerTable(t *testing.T) {
	sn, _ := buildRing(t, 6)
	members := sn.members()

	for _, m := range members {
		fingers := m.Fingers()
		require.Len(t, fingers, hash.M)
		for _, f := range fingers {
			want := ownerOf(members, f.Start)
			assert.Equal(t, want, f.Owner, "node %d finger %d", m.Self().Num, f.Index)
		}
	}
}

func TestChordNode_Resolve(t *testing.T) {
	sn, nodes := buildRing(t, 5)
	members := sn.members()

	for i, term := range []string{"apple", "banana", "cherry", "durian", "elderberry", "fig"} {
		from := nodes[i%len(nodes)]
		key := hash.HashString(term)
		corr := uint32(1000 + i)

		require.NoError(t, from.Resolve(key, corr))
		sn.flush()

		owner, ok := from.rec.lookups[corr]
		require.True(t, ok, "lookup for %s resolved", term)
		assert.Equal(t, ownerOf(members, key), owner, term)
	}

	t.Run("outside the ring", func(t *testing.T) {
		loner := sn.addNode(99)
		assert.ErrorIs(t, loner.Resolve(hash.HashString("x"), 1), pkg.ErrNotInRing)
	})
}

func TestChordNode_DepartureUpdatesPredecessor(t *testing.T) {
	sn := newSimNetwork(t)
	nodes := []*testNode{sn.addNode(1), sn.addNode(2), sn.addNode(3)}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Self().ID.Cmp(nodes[j].Self().ID) < 0 })
	low, mid, high := nodes[0], nodes[1], nodes[2]
	require.NoError(t, low.Join(low.Self()))
	require.NoError(t, mid.Join(low.Self()))
	sn.flush()
	require.NoError(t, high.Join(low.Self()))
	sn.flush()
	sn.stabilize(8)
	require.Equal(t, mid.Self(), high.Predecessor())
	succBefore := high.Successor()

	msg := protocol.NewMessage(protocol.DepartureReq, 77, &protocol.Departure{Sender: mid.Self(), Conn: low.Self()})
	require.NoError(t, high.HandleMessage(mid.Self().Addr, msg))

	assert.Equal(t, low.Self(), high.Predecessor())
	assert.Equal(t, succBefore, high.Successor())
}

func TestChordNode_Leave(t *testing.T) {
	sn, nodes := buildRing(t, 4)
	members := sn.members()
	leaver := members[1]
	before, after := members[0], members[2]

	var leaverRec *recorder
	for _, n := range nodes {
		if n.ChordNode == leaver {
			leaverRec = n.rec
		}
	}

	require.NoError(t, leaver.Leave())
	sn.flush()
	delete(sn.nodes, leaver.Self().Addr)

	assert.False(t, leaver.InRing())
	assert.Empty(t, leaver.Fingers())
	require.Len(t, leaverRec.leavingCalls, 1)
	assert.Equal(t, after.Self(), leaverRec.leavingCalls[0])

	assert.Equal(t, after.Self(), before.Successor())
	assert.Equal(t, before.Self(), after.Predecessor())

	sn.stabilize(4)
	remaining := sn.members()
	require.Len(t, remaining, 3)
	for i, m := range remaining {
		assert.Equal(t, remaining[(i+1)%3].Self(), m.Successor())
	}

	assert.ErrorIs(t, leaver.Leave(), pkg.ErrNotInRing)
}

func TestChordNode_LeaveTwoNodeRing(t *testing.T) {
	sn, nodes := buildRing(t, 2)
	a, b := nodes[0], nodes[1]

	require.NoError(t, b.Leave())
	sn.flush()

	assert.Equal(t, a.Self(), a.Successor())
	assert.Equal(t, a.Self(), a.Predecessor())
}

func TestChordNode_Ping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sn := newSimNetwork(t)
	a := sn.addNode(1, WithClock(clock))
	b := sn.addNode(2, WithClock(clock))

	t.Run("reply within timeout", func(t *testing.T) {
		txID := a.SendPing(b.Self(), "hello")
		sn.flush()

		require.Len(t, a.rec.succeeded, 1)
		assert.Equal(t, txID, a.rec.succeeded[0].TransactionID)
		assert.Equal(t, "hello", a.rec.succeeded[0].Message)
		assert.Equal(t, []string{"hello"}, b.rec.received)

		clock.Advance(5 * time.Second)
		assert.Zero(t, a.AuditPings())
		assert.Empty(t, a.rec.failed)
	})

	t.Run("no reply", func(t *testing.T) {
		sn.drop = func(_ envelope, m *protocol.Message) bool { return m.Type == protocol.PingRsp }
		defer func() { sn.drop = nil }()

		txID := a.SendPing(b.Self(), "anyone")
		sn.flush()
		assert.Equal(t, 1, a.Snapshot().PendingPings)

		clock.Advance(time.Second)
		assert.Zero(t, a.AuditPings())

		clock.Advance(time.Second)
		assert.Equal(t, 1, a.AuditPings())
		require.Len(t, a.rec.failed, 1)
		assert.Equal(t, txID, a.rec.failed[0].TransactionID)
		assert.Equal(t, "anyone", a.rec.failed[0].Message)

		clock.Advance(time.Minute)
		assert.Zero(t, a.AuditPings())
		assert.Len(t, a.rec.failed, 1, "failure fires once")
		assert.Len(t, a.rec.succeeded, 1)
	})

	t.Run("unset destination fails immediately", func(t *testing.T) {
		a.SendPing(protocol.NodeRef{}, "void")
		require.Len(t, a.rec.failed, 2)
		assert.Equal(t, "void", a.rec.failed[1].Message)
		assert.Zero(t, a.Snapshot().PendingPings)
	})

	t.Run("unknown reply is dropped", func(t *testing.T) {
		msg := protocol.NewMessage(protocol.PingRsp, 424242, &protocol.Ping{Message: "late"})
		require.NoError(t, a.HandleMessage(b.Self().Addr, msg))
		assert.Len(t, a.rec.succeeded, 1)
	})
}

func TestChordNode_StaleStabilizeReply(t *testing.T) {
	sn := newSimNetwork(t)
	nodes := []*testNode{sn.addNode(1), sn.addNode(2), sn.addNode(3)}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Self().ID.Cmp(nodes[j].Self().ID) < 0 })
	low, mid, high := nodes[0], nodes[1], nodes[2]
	require.NoError(t, low.Join(low.Self()))
	for _, n := range []*testNode{mid, high} {
		require.NoError(t, n.Join(low.Self()))
		sn.flush()
		sn.stabilize(3)
	}
	require.Equal(t, mid.Self(), low.Successor())

	// high is not between low and mid, so a late reply naming it is ignored
	stale := protocol.NewMessage(protocol.StabilizeRsp, 1, &protocol.StabilizeReply{Predecessor: high.Self()})
	require.NoError(t, low.HandleMessage(mid.Self().Addr, stale))
	assert.Equal(t, mid.Self(), low.Successor())

	// an unset or self predecessor never changes the successor
	for _, p := range []protocol.NodeRef{{}, low.Self()} {
		msg := protocol.NewMessage(protocol.StabilizeRsp, 2, &protocol.StabilizeReply{Predecessor: p})
		require.NoError(t, low.HandleMessage(mid.Self().Addr, msg))
		assert.Equal(t, mid.Self(), low.Successor())
	}
}

func TestChordNode_JoinReplyRelay(t *testing.T) {
	sn, nodes := buildRing(t, 3)
	relay := nodes[1]
	stranger := protocol.NewNodeRef(50, testAddr(50))
	other := protocol.NewNodeRef(51, testAddr(51))

	before := sn.sent[protocol.JoinRsp]
	msg := protocol.NewMessage(protocol.JoinRsp, 9, &protocol.JoinReply{
		Requester: stranger,
		Landmark:  other,
		Successor: relay.Self(),
	})
	require.NoError(t, relay.HandleMessage(nodes[0].Self().Addr, msg))

	assert.Equal(t, before+1, sn.sent[protocol.JoinRsp])
	require.NotEmpty(t, sn.queue)
	assert.Equal(t, relay.Successor().Addr, sn.queue[len(sn.queue)-1].to)
	sn.queue = nil
}

func TestChordNode_RingStateWalk(t *testing.T) {
	sn, nodes := buildRing(t, 4)
	before := sn.sent[protocol.RingStatePing]

	require.NoError(t, nodes[2].RingState())
	sn.flush()
	assert.Equal(t, before+4, sn.sent[protocol.RingStatePing])

	loner := sn.addNode(77)
	assert.ErrorIs(t, loner.RingState(), pkg.ErrNotInRing)
}

func TestChordNode_DropsStaleFingerReply(t *testing.T) {
	sn, nodes := buildRing(t, 2)
	n := nodes[0]
	before := n.Fingers()

	msg := protocol.NewMessage(protocol.FindSuccessorRsp, 1, &protocol.FindSuccessor{
		Node: nodes[1].Self(), Start: hash.HashString("nowhere"), Index: 3,
	})
	require.NoError(t, n.HandleMessage(nodes[1].Self().Addr, msg))

	out := protocol.NewMessage(protocol.FindSuccessorRsp, 2, &protocol.FindSuccessor{
		Node: nodes[1].Self(), Index: 5000,
	})
	require.NoError(t, n.HandleMessage(nodes[1].Self().Addr, out))

	assert.Equal(t, before, n.Fingers())
	sn.flush()
}

func TestChordNode_UnexpectedMessage(t *testing.T) {
	sn := newSimNetwork(t)
	n := sn.addNode(1)
	err := n.HandleMessage(testAddr(2), protocol.NewMessage(protocol.StoreReq, 1, &protocol.Store{Term: "x"}))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

type eventSink struct {
	events []RingUpdateEvent
}

func (e *eventSink) BroadcastRingUpdate(update any) error {
	e.events = append(e.events, update.(RingUpdateEvent))
	return nil
}

func TestChordNode_Broadcasts(t *testing.T) {
	sink := &eventSink{}
	clock := clockwork.NewFakeClock()
	sn := newSimNetwork(t)
	n := sn.addNode(1, WithBroadcaster(sink), WithClock(clock))

	require.NoError(t, n.Join(n.Self()))
	require.NoError(t, n.Leave())

	var types []string
	for _, e := range sink.events {
		types = append(types, e.Type)
		assert.Equal(t, clock.Now().UnixMilli(), e.Timestamp)
		assert.Equal(t, uint32(1), e.NodeNum)
	}
	assert.Equal(t, []string{EventSuccessorChange, EventPredecessorChange, EventNodeJoin, EventNodeLeave}, types)
}

func TestChordNode_TransactionIDs(t *testing.T) {
	sn := newSimNetwork(t)
	n := sn.addNode(1, WithTransactionSeed(41))
	assert.Equal(t, uint32(42), n.NextTransactionID())
	assert.Equal(t, uint32(43), n.NextTransactionID())

	n.SetStabilizeTrace(true)
	assert.True(t, n.traceStabilize)
	n.SetStabilizeTrace(false)
	assert.False(t, n.traceStabilize)
}
