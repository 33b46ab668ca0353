// Package protocol defines the datagrams exchanged between ring members and
// their binary encoding.
package protocol

import (
	"fmt"
	"math"
	"net/netip"

	"github.com/zde37/gusearch/internal/hash"
)

// MessageType is the one byte tag that opens every datagram.
type MessageType uint8

// Ring maintenance messages.
const (
	PingReq          MessageType = 1
	PingRsp          MessageType = 2
	JoinReq          MessageType = 3
	JoinRsp          MessageType = 4
	DepartureReq     MessageType = 5
	StabilizeRsp     MessageType = 6
	StabilizeReq     MessageType = 7
	RingStatePing    MessageType = 8
	FindSuccessorReq MessageType = 9
	FindSuccessorRsp MessageType = 10

	// LookupReq and LookupRsp are reserved tags. Lookups travel as
	// FIND_SUCCESSOR messages carrying LookupIndex.
	LookupReq MessageType = 11
	LookupRsp MessageType = 12
)

// Index layer messages.
const (
	StoreReq MessageType = 20
	FetchReq MessageType = 21
	FetchRsp MessageType = 22
)

// LookupIndex marks a FIND_SUCCESSOR exchange as a key lookup rather than a
// finger table update.
const LookupIndex uint32 = math.MaxUint32

var typeNames = map[MessageType]string{
	PingReq:          "PING_REQ",
	PingRsp:          "PING_RSP",
	JoinReq:          "JOIN_REQ",
	JoinRsp:          "JOIN_RSP",
	DepartureReq:     "DEPARTURE_REQ",
	StabilizeRsp:     "STABILIZE_RSP",
	StabilizeReq:     "STABILIZE_REQ",
	RingStatePing:    "RING_STATE_PING",
	FindSuccessorReq: "FIND_SUCCESSOR_REQ",
	FindSuccessorRsp: "FIND_SUCCESSOR_RSP",
	LookupReq:        "LOOKUP_REQ",
	LookupRsp:        "LOOKUP_RSP",
	StoreReq:         "STORE_REQ",
	FetchReq:         "FETCH_REQ",
	FetchRsp:         "FETCH_RSP",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// IsSearch reports whether the message belongs to the index layer.
func (t MessageType) IsSearch() bool {
	return t == StoreReq || t == FetchReq || t == FetchRsp
}

// NodeRef identifies a ring member: its directory number, its IPv4 address
// and the ring ID derived from that address. The zero value means "unset".
type NodeRef struct {
	Num  uint32
	Addr netip.Addr
	ID   hash.ID
}

// NewNodeRef builds a NodeRef, computing the ring ID from addr.
func NewNodeRef(num uint32, addr netip.Addr) NodeRef {
	return NodeRef{Num: num, Addr: addr, ID: hash.HashAddress(addr)}
}

// IsZero reports whether the reference is unset.
func (n NodeRef) IsZero() bool {
	return !n.Addr.IsValid()
}

// Equals compares two references by address. The ID is derived so it is not
// compared separately.
func (n NodeRef) Equals(other NodeRef) bool {
	return n.Num == other.Num && n.Addr == other.Addr
}

func (n NodeRef) String() string {
	if n.IsZero() {
		return "Node{unset}"
	}
	return fmt.Sprintf("Node%d(%s)/%s", n.Num, n.Addr, n.ID.Short(8))
}

// Payload is the type specific body of a Message.
type Payload interface {
	encode(w *writer) error
	decode(r *reader)
}

// Message is one decoded datagram.
type Message struct {
	Type          MessageType
	TransactionID uint32
	Payload       Payload
}

// NewMessage is a convenience constructor.
func NewMessage(t MessageType, txID uint32, payload Payload) *Message {
	return &Message{Type: t, TransactionID: txID, Payload: payload}
}

// Ping is carried by PING_REQ and PING_RSP.
type Ping struct {
	Message string
}

// Join is the JOIN_REQ payload.
type Join struct {
	Landmark  NodeRef
	Requester NodeRef
}

// JoinReply is the JOIN_RSP payload.
type JoinReply struct {
	Requester NodeRef
	Landmark  NodeRef
	Successor NodeRef
}

// Departure tells a neighbour that Sender is leaving and Conn replaces it.
type Departure struct {
	Sender NodeRef
	Conn   NodeRef
}

// Stabilize is the STABILIZE_REQ payload.
type Stabilize struct {
	Sender NodeRef
}

// StabilizeReply carries the responder's predecessor, possibly unset.
type StabilizeReply struct {
	Predecessor NodeRef
}

// RingState is forwarded around the ring until it returns to Originator.
type RingState struct {
	Originator NodeRef
}

// FindSuccessor is shared by FIND_SUCCESSOR_REQ (Node is the originator) and
// FIND_SUCCESSOR_RSP (Node is the owner of Start).
type FindSuccessor struct {
	Node  NodeRef
	Start hash.ID
	Index uint32
}

// IsLookup reports whether the exchange resolves a key rather than a finger.
func (f *FindSuccessor) IsLookup() bool {
	return f.Index == LookupIndex
}

// Store hands a term and its postings to the term's owner.
type Store struct {
	Term      string
	Documents []string
}

// Fetch is a conjunctive query in flight. Key is empty until the entry node
// has popped the first term.
type Fetch struct {
	Originator  uint32
	Key         string
	Remaining   []string
	Accumulated []string
}

// FetchReply is the final result sent back to the originator.
type FetchReply struct {
	Documents []string
}

// newPayload returns an empty payload for t.
func newPayload(t MessageType) (Payload, error) {
	switch t {
	case PingReq, PingRsp:
		return &Ping{}, nil
	case JoinReq:
		return &Join{}, nil
	case JoinRsp:
		return &JoinReply{}, nil
	case DepartureReq:
		return &Departure{}, nil
	case StabilizeReq:
		return &Stabilize{}, nil
	case StabilizeRsp:
		return &StabilizeReply{}, nil
	case RingStatePing:
		return &RingState{}, nil
	case FindSuccessorReq, FindSuccessorRsp:
		return &FindSuccessor{}, nil
	case StoreReq:
		return &Store{}, nil
	case FetchReq:
		return &Fetch{}, nil
	case FetchRsp:
		return &FetchReply{}, nil
	case LookupReq, LookupRsp:
		return nil, fmt.Errorf("%w: %s", ErrReservedMessageType, t)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
}
