// Package pending tracks outstanding requests by transaction id.
package pending

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is one outstanding request.
type Entry[T any] struct {
	TransactionID uint32
	Value         T
	SentAt        time.Time
}

// Tracker maps transaction ids to outstanding requests. It is owned by a
// single event loop and is not safe for concurrent use.
type Tracker[T any] struct {
	clock   clockwork.Clock
	entries map[uint32]Entry[T]
}

// New creates a tracker stamping entries with clock. A nil clock uses the
// real clock.
func New[T any](clock clockwork.Clock) *Tracker[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker[T]{
		clock:   clock,
		entries: make(map[uint32]Entry[T]),
	}
}

// Add records value under id, replacing any previous entry.
func (t *Tracker[T]) Add(id uint32, value T) {
	t.entries[id] = Entry[T]{TransactionID: id, Value: value, SentAt: t.clock.Now()}
}

// Take removes and returns the entry for id. A second Take for the same id
// reports false.
func (t *Tracker[T]) Take(id uint32) (Entry[T], bool) {
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// Peek returns the entry for id without removing it.
func (t *Tracker[T]) Peek(id uint32) (Entry[T], bool) {
	e, ok := t.entries[id]
	return e, ok
}

// Len returns the number of outstanding entries.
func (t *Tracker[T]) Len() int {
	return len(t.entries)
}

// Expire removes every entry with SentAt + timeout <= now and calls fn once
// for each, oldest first. It returns the number of expired entries.
func (t *Tracker[T]) Expire(timeout time.Duration, fn func(Entry[T])) int {
	now := t.clock.Now()
	var expired []Entry[T]
	for id, e := range t.entries {
		if !e.SentAt.Add(timeout).After(now) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].SentAt.Equal(expired[j].SentAt) {
			return expired[i].TransactionID < expired[j].TransactionID
		}
		return expired[i].SentAt.Before(expired[j].SentAt)
	})
	if fn != nil {
		for _, e := range expired {
			fn(e)
		}
	}
	return len(expired)
}

// Clear drops every entry.
func (t *Tracker[T]) Clear() {
	clear(t.entries)
}
