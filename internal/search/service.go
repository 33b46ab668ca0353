package search

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zde37/gusearch/internal/chord"
	"github.com/zde37/gusearch/internal/directory"
	"github.com/zde37/gusearch/internal/hash"
	"github.com/zde37/gusearch/internal/pending"
	"github.com/zde37/gusearch/internal/protocol"
	"github.com/zde37/gusearch/pkg"
)

// Ring is the part of the ring layer the search layer drives.
type Ring interface {
	Self() protocol.NodeRef
	InRing() bool
	NextTransactionID() uint32
	Resolve(key hash.ID, correlationID uint32) error
}

// Op is what to do once a term's owner is known.
type Op uint8

const (
	OpStore Op = iota + 1
	OpFetch
	OpCheck
)

func (o Op) String() string {
	switch o {
	case OpStore:
		return "STORE"
	case OpFetch:
		return "FETCH"
	case OpCheck:
		return "CHECK"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

type pendingLookup struct {
	Op   Op
	Term string
	Key  hash.ID
	// Fetch and SearchID continue a query once the owner of Term is known
	Fetch    protocol.Fetch
	SearchID uint32
}

type pendingSearch struct {
	Terms []string
	Via   protocol.NodeRef
}

// SearchResult is the answer to one query issued from this node.
type SearchResult struct {
	TransactionID uint32
	Terms         []string
	Documents     []string
	Elapsed       time.Duration
}

// LookupResult reports the owner of a term.
type LookupResult struct {
	TransactionID uint32
	Term          string
	Key           hash.ID
	Owner         protocol.NodeRef
}

// ResultObserver receives completed queries and lookups.
type ResultObserver interface {
	SearchCompleted(SearchResult)
	LookupCompleted(LookupResult)
}

// NopResults discards results.
type NopResults struct{}

func (NopResults) SearchCompleted(SearchResult) {}
func (NopResults) LookupCompleted(LookupResult) {}

// Service is the index layer of one node. It observes the ring for lookup
// results and predecessor changes. Like the ring node it is owned by a single
// event loop.
type Service struct {
	chord.NopObserver

	ring    Ring
	sender  chord.Sender
	dir     directory.Directory
	results ResultObserver
	clock   clockwork.Clock
	logger  *pkg.Logger

	index    InvertedIndex
	store    *DocumentStore
	lookups  *pending.Tracker[pendingLookup]
	searches *pending.Tracker[pendingSearch]
}

// Option customizes a Service.
type Option func(*Service)

// WithResultObserver sets where completed searches and lookups are reported.
func WithResultObserver(r ResultObserver) Option {
	return func(s *Service) { s.results = r }
}

// WithClock replaces the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates the index layer on top of ring.
func NewService(ring Ring, sender chord.Sender, dir directory.Directory, logger *pkg.Logger, opts ...Option) (*Service, error) {
	if ring == nil {
		return nil, fmt.Errorf("ring cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Service{
		ring:    ring,
		sender:  sender,
		dir:     dir,
		results: NopResults{},
		clock:   clockwork.NewRealClock(),
		logger:  logger.WithFields(pkg.Fields{"component": "search", "node_num": ring.Self().Num}),
		index:   make(InvertedIndex),
		store:   NewDocumentStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lookups = pending.New[pendingLookup](s.clock)
	s.searches = pending.New[pendingSearch](s.clock)
	return s, nil
}

// PublishFile loads an index file and publishes it.
func (s *Service) PublishFile(path string) (int, error) {
	ix, err := LoadIndexFile(path)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("path", path).Int("terms", len(ix)).Msg("Loaded index file")
	return s.Publish(ix)
}

// Publish merges ix into the local index and starts a STORE lookup for every
// unpublished term. Terms leave the local index as their owners are found.
// It returns the number of lookups started.
func (s *Service) Publish(ix InvertedIndex) (int, error) {
	s.index.Merge(ix)
	if !s.ring.InRing() {
		return 0, pkg.ErrNotInRing
	}

	started := 0
	for _, term := range s.index.Terms() {
		if err := s.resolve(pendingLookup{Op: OpStore, Term: term}); err != nil {
			return started, err
		}
		started++
	}
	s.logger.Info().Int("terms", started).Msg("Publishing index")
	return started, nil
}

// Search sends a conjunctive query for terms to the entry node via and
// returns the transaction id the result will carry.
func (s *Service) Search(via protocol.NodeRef, terms []string) (uint32, error) {
	if via.IsZero() {
		return 0, fmt.Errorf("search entry node cannot be unset")
	}
	normalized := NewSet()
	for _, term := range terms {
		if term = NormalizeTerm(term); term != "" {
			normalized.Add(term)
		}
	}
	query := normalized.Sorted()

	txID := s.ring.NextTransactionID()
	s.searches.Add(txID, pendingSearch{Terms: query, Via: via})
	s.logger.Info().
		Strs("terms", query).
		Str("via", via.String()).
		Uint32("transaction_id", txID).
		Msg("Sending FETCH_REQ")
	s.send(via.Addr, protocol.FetchReq, txID, &protocol.Fetch{
		Originator: s.ring.Self().Num,
		Remaining:  query,
	})
	return txID, nil
}

// Lookup resolves the owner of term and reports it as a LookupResult.
func (s *Service) Lookup(term string) (uint32, error) {
	term = NormalizeTerm(term)
	if term == "" {
		return 0, fmt.Errorf("lookup term cannot be empty")
	}
	if !s.ring.InRing() {
		return 0, pkg.ErrNotInRing
	}
	id := s.ring.NextTransactionID()
	key := hash.HashString(term)
	s.lookups.Add(id, pendingLookup{Op: OpCheck, Term: term, Key: key})
	return id, s.ring.Resolve(key, id)
}

// HandleMessage processes one decoded search datagram.
func (s *Service) HandleMessage(from netip.Addr, msg *protocol.Message) error {
	switch p := msg.Payload.(type) {
	case *protocol.Store:
		s.handleStore(from, p)
	case *protocol.Fetch:
		s.handleFetch(msg.TransactionID, p)
	case *protocol.FetchReply:
		s.handleFetchReply(msg.TransactionID, p)
	default:
		return fmt.Errorf("%w: %s is not a search message", chord.ErrUnexpectedMessage, msg.Type)
	}
	return nil
}

// LookupResolved continues the lookup registered under correlationID.
func (s *Service) LookupResolved(owner protocol.NodeRef, key hash.ID, correlationID uint32) {
	e, ok := s.lookups.Take(correlationID)
	if !ok {
		s.logger.Debug().Uint32("transaction_id", correlationID).Msg("Dropping lookup result with unknown transaction")
		return
	}
	l := e.Value
	s.logger.Debug().
		Str("op", l.Op.String()).
		Str("term", l.Term).
		Str("owner", owner.String()).
		Msg("Term owner resolved")

	switch l.Op {
	case OpStore:
		docs, ok := s.index[l.Term]
		if !ok {
			return
		}
		delete(s.index, l.Term)
		s.sendStore(owner.Addr, l.Term, docs)
	case OpFetch:
		s.send(owner.Addr, protocol.FetchReq, l.SearchID, &l.Fetch)
	case OpCheck:
		s.results.LookupCompleted(LookupResult{
			TransactionID: correlationID,
			Term:          l.Term,
			Key:           key,
			Owner:         owner,
		})
	}
}

// PredecessorChanged hands updated the terms it now owns.
func (s *Service) PredecessorChanged(_, updated protocol.NodeRef) {
	if updated.IsZero() {
		return
	}
	self := s.ring.Self()
	moved := s.store.ExtractNotOwned(updated.ID, self.ID)
	if len(moved) == 0 {
		return
	}
	s.logger.Info().
		Int("terms", len(moved)).
		Str("to", updated.String()).
		Msg("Rehoming terms to new predecessor")
	s.sendAll(updated.Addr, moved)
}

// Leaving hands every stored term to the successor.
func (s *Service) Leaving(successor protocol.NodeRef) {
	if successor.IsZero() || successor.Equals(s.ring.Self()) {
		if s.store.Len() > 0 {
			s.logger.Warn().Int("terms", s.store.Len()).Msg("Leaving without a successor, documents stay local")
		}
		return
	}
	all := s.store.TakeAll()
	s.logger.Info().
		Int("terms", len(all)).
		Str("to", successor.String()).
		Msg("Handing documents to successor")
	s.sendAll(successor.Addr, all)
}

// Documents returns a sorted snapshot of the postings this node owns.
func (s *Service) Documents() map[string][]string {
	return s.store.Snapshot()
}

// PrintDocuments logs every stored term and returns the snapshot.
func (s *Service) PrintDocuments() map[string][]string {
	snapshot := s.store.Snapshot()
	s.logger.Info().Int("terms", len(snapshot)).Msg("Stored documents")
	for _, term := range s.store.Terms() {
		s.logger.Info().Str("term", term).Strs("documents", snapshot[term]).Msg("Posting")
	}
	return snapshot
}

// Unpublished returns the local index terms not yet sent to an owner.
func (s *Service) Unpublished() []string {
	return s.index.Terms()
}

// Pending returns outstanding lookups and searches.
func (s *Service) Pending() (lookups, searches int) {
	return s.lookups.Len(), s.searches.Len()
}

func (s *Service) handleStore(from netip.Addr, p *protocol.Store) {
	s.store.Add(p.Term, p.Documents...)
	s.logger.Debug().
		Str("from", from.String()).
		Str("term", p.Term).
		Int("documents", len(p.Documents)).
		Msg("Received STORE_REQ")
}

func (s *Service) handleFetch(txID uint32, f *protocol.Fetch) {
	// entry node: nothing popped yet
	if f.Key == "" {
		if len(f.Remaining) == 0 {
			s.reply(f.Originator, txID, nil)
			return
		}
		next, rest := popTerm(f.Remaining)
		s.forward(txID, protocol.Fetch{Originator: f.Originator, Key: next, Remaining: rest})
		return
	}

	result := s.store.Postings(f.Key)
	if len(f.Accumulated) > 0 {
		result = result.Intersect(NewSet(f.Accumulated...))
	}
	s.logger.Debug().
		Str("term", f.Key).
		Int("matches", len(result)).
		Int("remaining", len(f.Remaining)).
		Uint32("transaction_id", txID).
		Msg("Received FETCH_REQ")

	if len(result) == 0 || len(f.Remaining) == 0 {
		s.reply(f.Originator, txID, result.Sorted())
		return
	}
	next, rest := popTerm(f.Remaining)
	s.forward(txID, protocol.Fetch{
		Originator:  f.Originator,
		Key:         next,
		Remaining:   rest,
		Accumulated: result.Sorted(),
	})
}

func (s *Service) handleFetchReply(txID uint32, p *protocol.FetchReply) {
	e, ok := s.searches.Take(txID)
	if !ok {
		s.logger.Debug().Uint32("transaction_id", txID).Msg("Dropping FETCH_RSP with unknown transaction")
		return
	}
	docs := p.Documents
	if docs == nil {
		docs = []string{}
	}
	result := SearchResult{
		TransactionID: txID,
		Terms:         e.Value.Terms,
		Documents:     docs,
		Elapsed:       s.clock.Since(e.SentAt),
	}
	s.logger.Info().
		Strs("terms", result.Terms).
		Strs("documents", docs).
		Dur("elapsed", result.Elapsed).
		Msg("Search complete")
	s.results.SearchCompleted(result)
}

// forward resolves the owner of f.Key and continues the query there.
func (s *Service) forward(searchID uint32, f protocol.Fetch) {
	err := s.resolve(pendingLookup{Op: OpFetch, Term: f.Key, Fetch: f, SearchID: searchID})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("term", f.Key).
			Uint32("transaction_id", searchID).
			Msg("Dropping query")
	}
}

func (s *Service) resolve(l pendingLookup) error {
	if !s.ring.InRing() {
		return pkg.ErrNotInRing
	}
	id := s.ring.NextTransactionID()
	l.Key = hash.HashString(l.Term)
	s.lookups.Add(id, l)
	if err := s.ring.Resolve(l.Key, id); err != nil {
		s.lookups.Take(id)
		return err
	}
	return nil
}

func (s *Service) reply(originator uint32, txID uint32, docs []string) {
	addr, err := s.dir.Resolve(originator)
	if err != nil {
		s.logger.Warn().Err(err).Uint32("originator", originator).Msg("Cannot answer query")
		return
	}
	s.send(addr, protocol.FetchRsp, txID, &protocol.FetchReply{Documents: docs})
}

func (s *Service) sendAll(to netip.Addr, terms map[string]Set) {
	for term, docs := range terms {
		s.sendStore(to, term, docs)
	}
}

func (s *Service) sendStore(to netip.Addr, term string, docs Set) {
	s.send(to, protocol.StoreReq, s.ring.NextTransactionID(), &protocol.Store{
		Term:      term,
		Documents: docs.Sorted(),
	})
}

func (s *Service) send(to netip.Addr, t protocol.MessageType, txID uint32, payload protocol.Payload) {
	if err := s.sender.Send(to, protocol.NewMessage(t, txID, payload)); err != nil {
		s.logger.Warn().Err(err).
			Str("type", t.String()).
			Str("to", to.String()).
			Msg("Failed to send message")
	}
}

// popTerm returns the smallest term and the rest.
func popTerm(terms []string) (string, []string) {
	set := NewSet(terms...).Sorted()
	return set[0], set[1:]
}
