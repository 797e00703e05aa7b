// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package messages

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// NameLength is the length of an encoded Name in bytes.
const NameLength = 16

// Name is a 128 bit object identifier.
type Name struct {
	hi, lo uint64
}

// NewName creates a Name from its high and low 64 bits.
func NewName(hi, lo uint64) Name {
	return Name{hi: hi, lo: lo}
}

// ParseName parses up to 32 hexadecimal digits, optionally prefixed by "0x". Shorter values are left-padded.
func ParseName(s string) (n Name, err error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(digits) == 0 || len(digits) > 2*NameLength {
		err = fmt.Errorf("name %q must have between 1 and %d hex digits", s, 2*NameLength)
		return
	}

	digits = strings.Repeat("0", 2*NameLength-len(digits)) + digits

	if n.hi, err = strconv.ParseUint(digits[:NameLength], 16, 64); err != nil {
		err = fmt.Errorf("name %q is not hexadecimal: %w", s, err)
		return
	}
	if n.lo, err = strconv.ParseUint(digits[NameLength:], 16, 64); err != nil {
		err = fmt.Errorf("name %q is not hexadecimal: %w", s, err)
		return
	}
	return
}

// MustParseName is ParseName, but panics on errors.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NameFromBytes reads a Name from its big-endian representation.
func NameFromBytes(b []byte) (n Name, err error) {
	if len(b) != NameLength {
		err = fmt.Errorf("name has %d bytes instead of %d", len(b), NameLength)
		return
	}

	n.hi = binary.BigEndian.Uint64(b[:8])
	n.lo = binary.BigEndian.Uint64(b[8:])
	return
}

// Hi returns the high 64 bits.
func (n Name) Hi() uint64 { return n.hi }

// Lo returns the low 64 bits.
func (n Name) Lo() uint64 { return n.lo }

// Bytes is the big-endian representation.
func (n Name) Bytes() []byte {
	b := make([]byte, NameLength)
	binary.BigEndian.PutUint64(b[:8], n.hi)
	binary.BigEndian.PutUint64(b[8:], n.lo)
	return b
}

// Less orders Names numerically.
func (n Name) Less(o Name) bool {
	return n.hi < o.hi || (n.hi == o.hi && n.lo < o.lo)
}

// Shl shifts the Name left by bits.
func (n Name) Shl(bits uint) Name {
	switch {
	case bits == 0:
		return n
	case bits >= 128:
		return Name{}
	case bits >= 64:
		return Name{hi: n.lo << (bits - 64)}
	default:
		return Name{hi: n.hi<<bits | n.lo>>(64-bits), lo: n.lo << bits}
	}
}

// Shr shifts the Name right by bits.
func (n Name) Shr(bits uint) Name {
	switch {
	case bits == 0:
		return n
	case bits >= 128:
		return Name{}
	case bits >= 64:
		return Name{lo: n.hi >> (bits - 64)}
	default:
		return Name{hi: n.hi >> bits, lo: n.lo>>bits | n.hi<<(64-bits)}
	}
}

// prefix keeps the upper bits of the Name and clears the rest.
func (n Name) prefix(bits uint8) Name {
	if bits >= 128 {
		return n
	}

	hiMask, loMask := ^uint64(0), ^uint64(0)
	if bits < 64 {
		hiMask <<= 64 - bits
		loMask = 0
	} else {
		loMask <<= 128 - uint(bits)
	}
	return Name{hi: n.hi & hiMask, lo: n.lo & loMask}
}

func (n Name) String() string {
	return fmt.Sprintf("0x%016x%016x", n.hi, n.lo)
}

// MarshalText encodes the Name as hexadecimal.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses a hexadecimal Name.
func (n *Name) UnmarshalText(text []byte) (err error) {
	*n, err = ParseName(string(text))
	return
}

// Namespace is a Name prefix of Length bits, matching all Names sharing this prefix.
type Namespace struct {
	Name   Name
	Length uint8
}

// NewNamespace creates a Namespace. Lengths above 128 bits are capped.
func NewNamespace(name Name, length uint8) Namespace {
	if length > 8*NameLength {
		length = 8 * NameLength
	}
	return Namespace{Name: name, Length: length}
}

// ParseNamespace parses the "0x.../length" representation.
func ParseNamespace(s string) (ns Namespace, err error) {
	nameStr, lengthStr, ok := strings.Cut(s, "/")
	if !ok {
		err = fmt.Errorf("namespace %q misses its length", s)
		return
	}

	if ns.Name, err = ParseName(nameStr); err != nil {
		return
	}

	length, lenErr := strconv.ParseUint(lengthStr, 10, 8)
	if lenErr != nil || length > 8*NameLength {
		err = fmt.Errorf("namespace %q has an invalid length", s)
		return
	}
	ns.Length = uint8(length)
	return
}

// Contains checks if the Name shares the Namespace's prefix.
func (ns Namespace) Contains(n Name) bool {
	return ns.Name.prefix(ns.Length) == n.prefix(ns.Length)
}

// ContainsNamespace checks if another Namespace lies within this one.
func (ns Namespace) ContainsNamespace(o Namespace) bool {
	return o.Length >= ns.Length && ns.Contains(o.Name)
}

func (ns Namespace) String() string {
	return fmt.Sprintf("%v/%d", ns.Name, ns.Length)
}

// MarshalText encodes the Namespace as "0x.../length".
func (ns Namespace) MarshalText() ([]byte, error) {
	return []byte(ns.String()), nil
}

// UnmarshalText parses the "0x.../length" representation.
func (ns *Namespace) UnmarshalText(text []byte) (err error) {
	*ns, err = ParseNamespace(string(text))
	return
}
