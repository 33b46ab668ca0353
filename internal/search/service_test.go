package search

import (
	"net/netip"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

func sampleIndex() InvertedIndex {
	ix := make(InvertedIndex)
	ix.Add("doc1", "go", "chord", "ring")
	ix.Add("doc2", "go", "ring")
	ix.Add("doc3", "chord", "finger")
	ix.Add("doc4", "Go")
	return ix
}

// placement collects term -> documents across every peer, failing on a term
// stored outside its owner.
func placement(t *testing.T, sn *simNetwork) map[string][]string {
	t.Helper()
	all := make(map[string][]string)
	for _, p := range sn.peers {
		for term, docs := range p.search.Documents() {
			owner := sn.ownerOf(term)
			assert.Equal(t, owner.ring.Self(), p.ring.Self(), "term %q misplaced", term)
			all[term] = docs
		}
	}
	return all
}

func expectedPlacement() map[string][]string {
	return map[string][]string{
		"go":     {"doc1", "doc2", "doc4"},
		"chord":  {"doc1", "doc3"},
		"ring":   {"doc1", "doc2"},
		"finger": {"doc3"},
	}
}

func TestPublishShardsTerms(t *testing.T) {
	sn, peers := buildRing(t, 4)

	started, err := peers[1].search.Publish(sampleIndex())
	require.NoError(t, err)
	assert.Equal(t, 4, started)
	sn.flush()

	assert.Equal(t, expectedPlacement(), placement(t, sn))
	assert.Empty(t, peers[1].search.Unpublished())
	lookups, searches := peers[1].search.Pending()
	assert.Zero(t, lookups)
	assert.Zero(t, searches)
	assert.Equal(t, 4, sn.sent[protocol.StoreReq])
}

func TestSearch(t *testing.T) {
	sn, peers := buildRing(t, 5)
	_, err := peers[0].search.Publish(sampleIndex())
	require.NoError(t, err)
	sn.flush()

	tests := []struct {
		name  string
		terms []string
		want  []string
	}{
		{"single term", []string{"go"}, []string{"doc1", "doc2", "doc4"}},
		{"case insensitive", []string{"CHORD"}, []string{"doc1", "doc3"}},
		{"conjunction", []string{"go", "chord"}, []string{"doc1"}},
		{"three terms", []string{"ring", "go", "chord"}, []string{"doc1"}},
		{"disjoint", []string{"finger", "ring"}, []string{}},
		{"unknown term", []string{"go", "missing"}, []string{}},
		{"no terms", nil, []string{}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := peers[i%len(peers)]
			via := peers[(i+2)%len(peers)]

			txID, err := origin.search.Search(via.ring.Self(), tt.terms)
			require.NoError(t, err)
			sn.flush()

			res, ok := origin.results.searches[txID]
			require.True(t, ok, "no result for %v", tt.terms)
			assert.Equal(t, tt.want, res.Documents)
			_, searches := origin.search.Pending()
			assert.Zero(t, searches)
		})
	}
}

func TestSearchStopsOnEmptyIntersection(t *testing.T) {
	sn, peers := buildRing(t, 3)
	_, err := peers[0].search.Publish(sampleIndex())
	require.NoError(t, err)
	sn.flush()

	before := sn.sent[protocol.FetchReq]
	// "aaa" sorts first and matches nothing, so the chain ends at its owner
	txID, err := peers[0].search.Search(peers[1].ring.Self(), []string{"go", "aaa", "chord"})
	require.NoError(t, err)
	sn.flush()

	assert.Equal(t, []string{}, peers[0].results.searches[txID].Documents)
	assert.Equal(t, 2, sn.sent[protocol.FetchReq]-before)
}

func TestSearchRejectsUnsetEntry(t *testing.T) {
	_, peers := buildRing(t, 1)
	_, err := peers[0].search.Search(protocol.NodeRef{}, []string{"go"})
	assert.Error(t, err)
}

func TestPublishOutsideRing(t *testing.T) {
	sn := newSimNetwork(t, 1)
	p := sn.addPeer(1)

	_, err := p.search.Publish(sampleIndex())
	assert.ErrorIs(t, err, pkg.ErrNotInRing)
	assert.Equal(t, []string{"chord", "finger", "go", "ring"}, p.search.Unpublished())

	// the terms stay local and go out once the node is a member
	require.NoError(t, p.ring.Join(p.ring.Self()))
	started, err := p.search.Publish(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, started)
	sn.flush()
	assert.Equal(t, expectedPlacement(), p.search.Documents())
}

func TestRehomingOnJoin(t *testing.T) {
	sn := newSimNetwork(t, 4)
	first := sn.addPeer(1)
	require.NoError(t, first.ring.Join(first.ring.Self()))
	_, err := first.search.Publish(sampleIndex())
	require.NoError(t, err)
	sn.flush()
	require.Equal(t, expectedPlacement(), first.search.Documents())

	for num := uint32(2); num <= 4; num++ {
		sn.join(num, first)
		assert.Equal(t, expectedPlacement(), placement(t, sn), "after node %d joined", num)
	}
}

func TestLeaveHandsOffDocuments(t *testing.T) {
	sn, peers := buildRing(t, 4)
	_, err := peers[0].search.Publish(sampleIndex())
	require.NoError(t, err)
	sn.flush()

	// pick a member that holds something
	var leaver *simPeer
	for _, p := range peers {
		if len(p.search.Documents()) > 0 {
			leaver = p
			break
		}
	}
	require.NotNil(t, leaver)

	require.NoError(t, leaver.ring.Leave())
	sn.flush()
	delete(sn.peers, leaver.ring.Self().Addr)
	sn.stabilize(8)

	assert.Empty(t, leaver.search.Documents())
	assert.Equal(t, expectedPlacement(), placement(t, sn))

	origin := peers[0]
	if origin == leaver {
		origin = peers[1]
	}
	for _, p := range sn.peers {
		txID, err := origin.search.Search(p.ring.Self(), []string{"go", "ring"})
		require.NoError(t, err)
		sn.flush()
		assert.Equal(t, []string{"doc1", "doc2"}, origin.results.searches[txID].Documents)
	}
}

func TestLookupReportsOwner(t *testing.T) {
	sn, peers := buildRing(t, 5)

	for _, term := range []string{"go", "chord", "ring", "finger", "zebra"} {
		txID, err := peers[3].search.Lookup(term)
		require.NoError(t, err)
		sn.flush()

		res, ok := peers[3].results.lookups[txID]
		require.True(t, ok)
		assert.Equal(t, term, res.Term)
		assert.Equal(t, hash.HashString(term), res.Key)
		assert.Equal(t, sn.ownerOf(term).ring.Self(), res.Owner)
	}

	_, err := peers[0].search.Lookup("  ")
	assert.Error(t, err)
}

func TestUnknownFetchReplyIsDropped(t *testing.T) {
	_, peers := buildRing(t, 1)
	p := peers[0]

	msg := protocol.NewMessage(protocol.FetchRsp, 12345, &protocol.FetchReply{Documents: []string{"doc1"}})
	require.NoError(t, p.search.HandleMessage(netip.Addr{}, msg))
	assert.Empty(t, p.results.searches)
}

func TestHandleMessageRejectsRingTraffic(t *testing.T) {
	_, peers := buildRing(t, 1)
	msg := protocol.NewMessage(protocol.PingReq, 1, &protocol.Ping{Message: "hi"})
	assert.Error(t, peers[0].search.HandleMessage(netip.Addr{}, msg))
}

func TestPrintDocuments(t *testing.T) {
	sn, peers := buildRing(t, 1)
	_, err := peers[0].search.Publish(sampleIndex())
	require.NoError(t, err)
	sn.flush()

	snapshot := peers[0].search.PrintDocuments()
	terms := make([]string, 0, len(snapshot))
	for term := range snapshot {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	assert.Equal(t, []string{"chord", "finger", "go", "ring"}, terms)
}
