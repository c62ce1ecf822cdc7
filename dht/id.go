// Identifier space for the DHT: fixed-width bitstrings compared with the
// XOR metric. IDs are derived from arbitrary keys with SHA3-256, truncated
// to the network's hash width.

package dht

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/wjh/hellobitcoin/base58check"
	"golang.org/x/crypto/sha3"

	"github.com/kades/kades/util"
)

// IDVersion prefixes the base58check string form of an ID.
const IDVersion = "4b"

type ID struct {
	Raw []byte
}

// NewID wraps raw bytes as an ID. The slice is copied.
func NewID(raw []byte) ID {
	id := ID{Raw: make([]byte, len(raw))}
	copy(id.Raw, raw)

	return id
}

// DeriveID hashes an arbitrary byte key down to an ID of the given width.
// Every node in a network must derive with the same width.
func DeriveID(key []byte, bits int) ID {
	sum := sha3.Sum256(key)

	return NewID(sum[:bits/8])
}

// RandomID generates a uniformly random ID of the given width.
func RandomID(bits int) (ID, error) {
	raw, err := util.CryptoRandBytes(bits / 8)

	if err != nil {
		return ID{}, err
	}

	return ID{Raw: raw}, nil
}

// Bits is the width of this ID in bits.
func (id ID) Bits() int {
	return len(id.Raw) * 8
}

func (id ID) Equals(other ID) bool {
	return bytes.Equal(id.Raw, other.Raw)
}

// Xor is the distance metric of the identifier space.
func (id ID) Xor(other ID) ID {
	ret := ID{Raw: make([]byte, len(id.Raw))}

	for i := 0; i < len(id.Raw); i++ {
		ret.Raw[i] = id.Raw[i] ^ other.Raw[i]
	}

	return ret
}

// LeadingZeros counts leading zero bits, in [0, Bits()]. Applied to an Xor
// result it yields the common prefix length, which is the bucket index.
func (id ID) LeadingZeros() int {
	for i := 0; i < len(id.Raw); i++ {
		for j := 0; j < 8; j++ {
			if (id.Raw[i]>>uint(7-j))&0x1 != 0 {
				return i*8 + j
			}
		}
	}

	return id.Bits()
}

// Less orders IDs as unsigned big-endian integers.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id.Raw, other.Raw) < 0
}

// IsZero reports whether every bit of the ID is zero.
func (id ID) IsZero() bool {
	for _, b := range id.Raw {
		if b != 0 {
			return false
		}
	}

	return true
}

// Closer compares a and b by XOR distance to target. It returns -1 if a is
// strictly closer, 1 if b is, and 0 when the distances are equal.
func Closer(target, a, b ID) int {
	for i := 0; i < len(target.Raw); i++ {
		da := target.Raw[i] ^ a.Raw[i]
		db := target.Raw[i] ^ b.Raw[i]

		if da < db {
			return -1
		}

		if da > db {
			return 1
		}
	}

	return 0
}

// String renders the ID base58check encoded, falling back to hex if the
// encoding fails.
func (id ID) String() string {
	s, err := base58check.Encode(IDVersion, id.Raw)

	if err != nil {
		return hex.EncodeToString(id.Raw)
	}

	return s
}

// DecodeID parses the base58check string form of an ID.
func DecodeID(value string) (ID, error) {
	raw, err := base58check.Decode(value)

	if err != nil {
		return ID{}, err
	}

	if len(raw) == 0 {
		return ID{}, errors.New("empty id")
	}

	return ID{Raw: raw}, nil
}
