package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"slices"

	"github.com/zde37/gusearch/internal/hash"
)

// HeaderSize is the type tag plus the transaction id.
const HeaderSize = 5

var (
	// ErrUnknownMessageType is returned for tags outside the known set
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrReservedMessageType is returned for tags that are reserved but unused
	ErrReservedMessageType = errors.New("reserved message type")

	// ErrShortBuffer is returned when a datagram ends mid field
	ErrShortBuffer = errors.New("datagram truncated")

	// ErrTrailingBytes is returned when bytes remain after the payload
	ErrTrailingBytes = errors.New("trailing bytes after payload")

	// ErrStringTooLong is returned when a string exceeds the u16 length prefix
	ErrStringTooLong = errors.New("string too long")

	// ErrPayloadMismatch is returned when a payload does not fit its type tag
	ErrPayloadMismatch = errors.New("payload does not match message type")

	// ErrNotIPv4 is returned when a node reference carries a non IPv4 address
	ErrNotIPv4 = errors.New("node address is not IPv4")
)

// Encode serializes m: type (1 byte), transaction id (4 bytes big-endian),
// then the payload.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrPayloadMismatch)
	}
	want, err := newPayload(m.Type)
	if err != nil {
		return nil, err
	}
	if m.Payload == nil || reflect.TypeOf(want) != reflect.TypeOf(m.Payload) {
		return nil, fmt.Errorf("%w: %s with %T", ErrPayloadMismatch, m.Type, m.Payload)
	}

	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(uint8(m.Type))
	w.u32(m.TransactionID)
	if err := m.Payload.encode(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return w.buf, nil
}

// Decode parses one datagram. Every error is recoverable: the caller drops
// the datagram.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrShortBuffer, len(data))
	}
	r := &reader{buf: data}
	t := MessageType(r.u8())
	txID := r.u32()

	payload, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	payload.decode(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, r.err)
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("decode %s: %w: %d", t, ErrTrailingBytes, len(r.buf)-r.off)
	}
	return &Message{Type: t, TransactionID: txID, Payload: payload}, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) id(v hash.ID) { w.buf = append(w.buf, v[:]...) }

func (w *writer) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// set writes a sorted copy so equal sets encode identically.
func (w *writer) set(items []string) error {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	w.u32(uint32(len(sorted)))
	for _, s := range sorted {
		if err := w.str(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) node(n NodeRef) error {
	if n.IsZero() {
		w.u32(0)
		w.buf = append(w.buf, 0, 0, 0, 0)
		return nil
	}
	if !n.Addr.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, n.Addr)
	}
	w.u32(n.Num)
	ip := n.Addr.As4()
	w.buf = append(w.buf, ip[:]...)
	return nil
}

// reader records the first failure and turns later reads into no-ops.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) id() hash.ID {
	var v hash.ID
	if b := r.take(hash.Size); b != nil {
		copy(v[:], b)
	}
	return v
}

func (r *reader) str() string {
	n := r.u16()
	if b := r.take(int(n)); b != nil {
		return string(b)
	}
	return ""
}

func (r *reader) set() []string {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	// each element needs at least its length prefix
	if uint64(n)*2 > uint64(len(r.buf)-r.off) {
		r.err = ErrShortBuffer
		return nil
	}
	items := make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		items = append(items, r.str())
	}
	return items
}

func (r *reader) node() NodeRef {
	num := r.u32()
	b := r.take(4)
	if b == nil {
		return NodeRef{}
	}
	ip := [4]byte(b)
	if num == 0 && ip == [4]byte{} {
		return NodeRef{}
	}
	return NewNodeRef(num, netip.AddrFrom4(ip))
}

func (p *Ping) encode(w *writer) error { return w.str(p.Message) }
func (p *Ping) decode(r *reader)       { p.Message = r.str() }

func (p *Join) encode(w *writer) error {
	if err := w.node(p.Landmark); err != nil {
		return err
	}
	return w.node(p.Requester)
}

func (p *Join) decode(r *reader) {
	p.Landmark = r.node()
	p.Requester = r.node()
}

func (p *JoinReply) encode(w *writer) error {
	for _, n := range []NodeRef{p.Requester, p.Landmark, p.Successor} {
		if err := w.node(n); err != nil {
			return err
		}
	}
	return nil
}

func (p *JoinReply) decode(r *reader) {
	p.Requester = r.node()
	p.Landmark = r.node()
	p.Successor = r.node()
}

func (p *Departure) encode(w *writer) error {
	if err := w.node(p.Sender); err != nil {
		return err
	}
	return w.node(p.Conn)
}

func (p *Departure) decode(r *reader) {
	p.Sender = r.node()
	p.Conn = r.node()
}

func (p *Stabilize) encode(w *writer) error { return w.node(p.Sender) }
func (p *Stabilize) decode(r *reader)       { p.Sender = r.node() }

func (p *StabilizeReply) encode(w *writer) error { return w.node(p.Predecessor) }
func (p *StabilizeReply) decode(r *reader)       { p.Predecessor = r.node() }

func (p *RingState) encode(w *writer) error { return w.node(p.Originator) }
func (p *RingState) decode(r *reader)       { p.Originator = r.node() }

func (p *FindSuccessor) encode(w *writer) error {
	if err := w.node(p.Node); err != nil {
		return err
	}
	w.id(p.Start)
	w.u32(p.Index)
	return nil
}

func (p *FindSuccessor) decode(r *reader) {
	p.Node = r.node()
	p.Start = r.id()
	p.Index = r.u32()
}

func (p *Store) encode(w *writer) error {
	if err := w.str(p.Term); err != nil {
		return err
	}
	return w.set(p.Documents)
}

func (p *Store) decode(r *reader) {
	p.Term = r.str()
	p.Documents = r.set()
}

func (p *Fetch) encode(w *writer) error {
	w.u32(p.Originator)
	if err := w.str(p.Key); err != nil {
		return err
	}
	if err := w.set(p.Remaining); err != nil {
		return err
	}
	return w.set(p.Accumulated)
}

func (p *Fetch) decode(r *reader) {
	p.Originator = r.u32()
	p.Key = r.str()
	p.Remaining = r.set()
	p.Accumulated = r.set()
}

func (p *FetchReply) encode(w *writer) error { return w.set(p.Documents) }
func (p *FetchReply) decode(r *reader)       { p.Documents = r.set() }
