// Package search shards an inverted term index over the ring and answers
// conjunctive queries by walking the owner of each term in turn.
package search

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrMalformedIndex is returned for an index line without terms.
var ErrMalformedIndex = errors.New("malformed index")

// Set is an unordered set of document ids.
type Set map[string]struct{}

// NewSet builds a set from items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	s.Add(items...)
	return s
}

// Add inserts items.
func (s Set) Add(items ...string) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

// Has reports whether item is a member.
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Sorted returns the members in ascending order. An empty set yields a
// non-nil empty slice.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Intersect returns a new set with the members present in both.
func (s Set) Intersect(other Set) Set {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(Set)
	for item := range small {
		if large.Has(item) {
			out[item] = struct{}{}
		}
	}
	return out
}

// InvertedIndex maps a term to the documents containing it.
type InvertedIndex map[string]Set

// Add records that doc contains terms.
func (ix InvertedIndex) Add(doc string, terms ...string) {
	for _, term := range terms {
		term = NormalizeTerm(term)
		if term == "" {
			continue
		}
		docs, ok := ix[term]
		if !ok {
			docs = make(Set)
			ix[term] = docs
		}
		docs.Add(doc)
	}
}

// Merge unions other into ix.
func (ix InvertedIndex) Merge(other InvertedIndex) {
	for term, docs := range other {
		existing, ok := ix[term]
		if !ok {
			existing = make(Set, len(docs))
			ix[term] = existing
		}
		for doc := range docs {
			existing.Add(doc)
		}
	}
}

// Terms returns the indexed terms in ascending order.
func (ix InvertedIndex) Terms() []string {
	out := make([]string, 0, len(ix))
	for term := range ix {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}

// NormalizeTerm is the canonical form terms are hashed and stored under.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// ParseIndex reads a metadata listing: one document per line as
// "docID term term ...". Blank lines and lines starting with '#' are skipped.
func ParseIndex(r io.Reader) (InvertedIndex, error) {
	ix := make(InvertedIndex)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: line %d: document %q has no terms", ErrMalformedIndex, line, fields[0])
		}
		ix.Add(fields[0], fields[1:]...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return ix, nil
}

// LoadIndexFile parses the index file at path.
func LoadIndexFile(path string) (InvertedIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	ix, err := ParseIndex(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ix, nil
}
