// Package directory maps the small node numbers operators type to the IPv4
// addresses nodes are reached at.
package directory

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
)

var (
	// ErrUnknownNode is returned when a node number has no address
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownAddress is returned when an address has no node number
	ErrUnknownAddress = errors.New("unknown address")
)

// Directory resolves node numbers and addresses in both directions.
type Directory interface {
	Resolve(num uint32) (netip.Addr, error)
	ReverseLookup(addr netip.Addr) (uint32, error)
}

// Static is a fixed table loaded at startup. It is read-only after
// construction and safe for concurrent use.
type Static struct {
	byNum  map[uint32]netip.Addr
	byAddr map[netip.Addr]uint32
}

// Entry is one row of the table.
type Entry struct {
	Num  uint32
	Addr netip.Addr
}

// NewStatic builds a directory from num -> address. Addresses must be IPv4
// and unique.
func NewStatic(entries map[uint32]netip.Addr) (*Static, error) {
	s := &Static{
		byNum:  make(map[uint32]netip.Addr, len(entries)),
		byAddr: make(map[netip.Addr]uint32, len(entries)),
	}
	for num, addr := range entries {
		if !addr.Is4() {
			return nil, fmt.Errorf("node %d: address %s is not IPv4", num, addr)
		}
		if other, dup := s.byAddr[addr]; dup {
			return nil, fmt.Errorf("nodes %d and %d share address %s", other, num, addr)
		}
		s.byNum[num] = addr
		s.byAddr[addr] = num
	}
	return s, nil
}

// ParseStatic builds a directory from the string table used in config files:
// {"1": "127.0.0.1", "2": "127.0.0.2"}.
func ParseStatic(table map[string]string) (*Static, error) {
	entries := make(map[uint32]netip.Addr, len(table))
	for k, v := range table {
		num, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid node number %q: %w", k, err)
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", k, err)
		}
		entries[uint32(num)] = addr
	}
	return NewStatic(entries)
}

// Resolve returns the address of node num.
func (s *Static) Resolve(num uint32) (netip.Addr, error) {
	addr, ok := s.byNum[num]
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %d", ErrUnknownNode, num)
	}
	return addr, nil
}

// ReverseLookup returns the node number of addr.
func (s *Static) ReverseLookup(addr netip.Addr) (uint32, error) {
	num, ok := s.byAddr[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return num, nil
}

// Nodes returns every entry ordered by node number.
func (s *Static) Nodes() []Entry {
	out := make([]Entry, 0, len(s.byNum))
	for num, addr := range s.byNum {
		out = append(out, Entry{Num: num, Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}
