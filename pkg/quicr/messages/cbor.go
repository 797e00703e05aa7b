// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package messages

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

func writeArrayHeader(n uint64, w io.Writer) error {
	return cboring.WriteArrayLength(n, w)
}

func readArrayHeader(n uint64, r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != n {
		return fmt.Errorf("wrong array length: %d instead of %d", l, n)
	}
	return nil
}

func writeUInts(w io.Writer, values ...uint64) error {
	for _, v := range values {
		if err := cboring.WriteUInt(v, w); err != nil {
			return err
		}
	}
	return nil
}

func readUInts(r io.Reader, values ...*uint64) error {
	for _, v := range values {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*v = n
	}
	return nil
}

func readUInt8(r io.Reader) (uint8, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, err
	} else if n > 0xff {
		return 0, fmt.Errorf("value %d exceeds a byte", n)
	}
	return uint8(n), nil
}

func writeName(n Name, w io.Writer) error {
	return cboring.WriteByteString(n.Bytes(), w)
}

func readName(r io.Reader) (Name, error) {
	b, err := cboring.ReadByteString(r)
	if err != nil {
		return Name{}, err
	}
	return NameFromBytes(b)
}

// MarshalCbor writes a Namespace as a two element array of name and length.
func (ns *Namespace) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(2, w); err != nil {
		return err
	}
	if err := writeName(ns.Name, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(ns.Length), w)
}

// UnmarshalCbor reads a Namespace written by MarshalCbor.
func (ns *Namespace) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(2, r); err != nil {
		return
	}
	if ns.Name, err = readName(r); err != nil {
		return
	}
	if ns.Length, err = readUInt8(r); err != nil {
		return
	}
	if ns.Length > 8*NameLength {
		return fmt.Errorf("namespace length %d exceeds %d bits", ns.Length, 8*NameLength)
	}
	return
}
