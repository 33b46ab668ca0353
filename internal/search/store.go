package search

import (
	"sort"

	"github.com/zde37/gusearch/internal/hash"
)

// DocumentStore holds the postings this node owns after sharding. Terms are
// kept by name and hashed on demand when ownership is rechecked.
type DocumentStore struct {
	terms map[string]Set
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{terms: make(map[string]Set)}
}

// Add unions docs into the postings for term.
func (s *DocumentStore) Add(term string, docs ...string) {
	postings, ok := s.terms[term]
	if !ok {
		postings = make(Set, len(docs))
		s.terms[term] = postings
	}
	postings.Add(docs...)
}

// Postings returns a copy of the documents stored for term.
func (s *DocumentStore) Postings(term string) Set {
	return NewSet(s.terms[term].Sorted()...)
}

// Len returns the number of stored terms.
func (s *DocumentStore) Len() int {
	return len(s.terms)
}

// Terms lists stored terms in ascending order.
func (s *DocumentStore) Terms() []string {
	out := make([]string, 0, len(s.terms))
	for term := range s.terms {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}

// Extract removes and returns every term whose ring key fails keep.
func (s *DocumentStore) Extract(keep func(key hash.ID) bool) map[string]Set {
	moved := make(map[string]Set)
	for term, postings := range s.terms {
		if keep(hash.HashString(term)) {
			continue
		}
		moved[term] = postings
		delete(s.terms, term)
	}
	return moved
}

// ExtractNotOwned removes the terms outside (predecessor, self], the range a
// node owns once predecessor sits directly behind it.
func (s *DocumentStore) ExtractNotOwned(predecessor, self hash.ID) map[string]Set {
	return s.Extract(func(key hash.ID) bool {
		return hash.IsSuccessor(predecessor, key, self)
	})
}

// TakeAll empties the store and returns what it held.
func (s *DocumentStore) TakeAll() map[string]Set {
	all := s.terms
	s.terms = make(map[string]Set)
	return all
}

// Snapshot returns term -> sorted documents.
func (s *DocumentStore) Snapshot() map[string][]string {
	out := make(map[string][]string, len(s.terms))
	for term, postings := range s.terms {
		out[term] = postings.Sorted()
	}
	return out
}
