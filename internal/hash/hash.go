package hash

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/netip"
)

const (
	// M is the size of the identifier space in bits (2^160)
	M = 160

	// Size is the length of an ID in bytes.
	Size = M / 8
)

// ringSize is 2^M, the size of the Chord ring
var ringSize = new(big.Int).Lsh(big.NewInt(1), M)

// ID is a position on the identifier ring: an unsigned 160-bit integer stored
// big-endian. The zero value is the ring position 0.
type ID [Size]byte

// HashKey hashes arbitrary data to a 160-bit identifier using SHA-1.
func HashKey(data []byte) ID {
	return ID(sha1.Sum(data))
}

// HashString hashes a string to a 160-bit identifier.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// HashAddress hashes the dotted text form of an IPv4 address.
// This is used to compute node IDs from their network addresses.
func HashAddress(addr netip.Addr) ID {
	return HashString(addr.String())
}

// FromBig converts n mod 2^M into an ID.
func FromBig(n *big.Int) ID {
	var id ID
	if n == nil {
		return id
	}
	new(big.Int).Mod(n, ringSize).FillBytes(id[:])
	return id
}

// ParseHex parses the hex form produced by ID.String.
func ParseHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("invalid id %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Big returns the ID as a non-negative big.Int.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Cmp compares two IDs numerically and returns -1, 0 or +1.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Equal reports whether both IDs name the same ring position.
func (id ID) Equal(other ID) bool {
	return id == other
}

// IsZero reports whether id is ring position 0.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the full 40 character hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first n hex characters, for log lines.
func (id ID) Short(n int) string {
	s := id.String()
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[:n]
}

// AddPowerOfTwo computes (id + 2^exponent) mod 2^M.
// This is used to calculate finger table start values: finger[i].start = (n + 2^(i-1)) mod 2^M
func AddPowerOfTwo(id ID, exponent int) ID {
	if exponent < 0 || exponent >= M {
		return id
	}
	offset := new(big.Int).Lsh(big.NewInt(1), uint(exponent))
	return FromBig(offset.Add(offset, id.Big()))
}

// IsSuccessor reports whether succ is responsible for key when self is the
// node immediately preceding succ, i.e. key is in (self, succ] on the ring.
// A single node ring (succ == self) owns every key.
//
// Examples:
//   - IsSuccessor(3, 5, 7) = true    // 5 is in (3, 7]
//   - IsSuccessor(3, 7, 7) = true    // inclusive end
//   - IsSuccessor(3, 3, 7) = false   // exclusive start
//   - IsSuccessor(8, 1, 3) = true    // wraparound
//   - IsSuccessor(4, 9, 4) = true    // single node
func IsSuccessor(self, key, succ ID) bool {
	switch c := self.Cmp(succ); {
	case c == 0:
		return true
	case c < 0:
		return key.Cmp(self) > 0 && key.Cmp(succ) <= 0
	default:
		return key.Cmp(self) > 0 || key.Cmp(succ) <= 0
	}
}

// IsInBetween is the finger staleness test. Without wraparound (start < end)
// it is the interval (start, end]. When the interval wraps (start > end) the
// end itself is excluded. An empty interval (start == end) contains nothing.
func IsInBetween(start, key, end ID) bool {
	switch c := start.Cmp(end); {
	case c < 0:
		return key.Cmp(start) > 0 && key.Cmp(end) <= 0
	case c > 0:
		return key.Cmp(start) > 0 || key.Cmp(end) < 0
	default:
		return false
	}
}

// Between checks if id is in the range (start, end) on the Chord ring (exclusive on both ends).
// When start == end the range is the entire ring except start.
func Between(id, start, end ID) bool {
	switch c := start.Cmp(end); {
	case c < 0:
		return id.Cmp(start) > 0 && id.Cmp(end) < 0
	case c > 0:
		return id.Cmp(start) > 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}
