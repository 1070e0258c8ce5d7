package proto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// BroadcastID is the short address that every listening node accepts.
const BroadcastID byte = 0xFF

// Address is a sum type: either a one-byte short id (node id 0..254, or the
// broadcast id 0xFF) or an eight-byte unique identifier. Exactly one of the
// two forms is populated at any time; construct via Short, Long, or
// ParseUID rather than the zero value.
type Address struct {
	long bool
	id   byte
	uid  [8]byte
}

// Short builds a one-byte node address. Every byte value is legal: 0..254
// are assignable node ids, 0xFF is the broadcast id.
func Short(id byte) Address { return Address{id: id} }

// Broadcast is the well-known short address every node answers to.
func Broadcast() Address { return Short(BroadcastID) }

// Long builds an eight-byte UID address.
func Long(uid [8]byte) Address { return Address{long: true, uid: uid} }

// LongFromBytes builds a UID address from a slice, failing if it isn't
// exactly 8 bytes.
func LongFromBytes(b []byte) (Address, error) {
	if len(b) != 8 {
		return Address{}, ErrInvalidAddress
	}
	var uid [8]byte
	copy(uid[:], b)
	return Long(uid), nil
}

// ParseUID builds a UID address from its canonical 16-character uppercase
// (case accepted either way) hex representation.
func ParseUID(s string) (Address, error) {
	if len(s) != 16 {
		return Address{}, ErrInvalidAddress
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return Address{}, ErrInvalidAddress
	}
	return LongFromBytes(b)
}

// IsLong reports whether this is an 8-byte UID address.
func (a Address) IsLong() bool { return a.long }

// ShortID returns the one-byte id and true if this is a short address.
func (a Address) ShortID() (byte, bool) {
	if a.long {
		return 0, false
	}
	return a.id, true
}

// UID returns the canonical uppercase hex UID string, or "" for short
// addresses.
func (a Address) UID() string {
	if !a.long {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(a.uid[:]))
}

// encode returns the on-wire address bytes (1 or 8 bytes) for this address.
func (a Address) encode() []byte {
	if a.long {
		return append([]byte(nil), a.uid[:]...)
	}
	return []byte{a.id}
}

func (a Address) String() string {
	if a.long {
		return a.UID()
	}
	if a.id == BroadcastID {
		return "broadcast"
	}
	return fmt.Sprintf("0x%02X", a.id)
}
