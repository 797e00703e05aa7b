// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package messages

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// SubscribeVersion is the only known version of Subscribe and Unsubscribe.
const SubscribeVersion uint8 = 1

// SubscribeIntent tells the relay which objects to deliver first.
type SubscribeIntent uint8

const (
	Immediate SubscribeIntent = iota
	WaitUp
	SyncUp
)

func (si SubscribeIntent) String() string {
	switch si {
	case Immediate:
		return "immediate"
	case WaitUp:
		return "wait up"
	case SyncUp:
		return "sync up"
	default:
		return fmt.Sprintf("intent %d", uint8(si))
	}
}

// Subscribe requests all objects within a Namespace.
type Subscribe struct {
	Version       uint8
	TransactionID uint64
	Namespace     Namespace
	Intent        SubscribeIntent
}

func (*Subscribe) Type() MessageType { return TypeSubscribe }

func (s *Subscribe) CheckValid() (errs error) {
	if s.Version != SubscribeVersion {
		errs = multierror.Append(errs, fmt.Errorf("unsupported subscribe version %d", s.Version))
	}
	if s.Intent > SyncUp {
		errs = multierror.Append(errs, fmt.Errorf("unknown subscribe intent %d", s.Intent))
	}
	return
}

func (s *Subscribe) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(4, w); err != nil {
		return err
	}
	if err := writeUInts(w, uint64(s.Version), s.TransactionID); err != nil {
		return err
	}
	if err := cboring.Marshal(&s.Namespace, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(s.Intent), w)
}

func (s *Subscribe) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(4, r); err != nil {
		return
	}
	if s.Version, err = readUInt8(r); err != nil {
		return
	}
	if s.TransactionID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&s.Namespace, r); err != nil {
		return
	}
	n, err := readUInt8(r)
	s.Intent = SubscribeIntent(n)
	return
}

// SubscribeResponse answers a Subscribe.
type SubscribeResponse struct {
	Namespace     Namespace
	Response      Response
	TransactionID uint64
}

func (*SubscribeResponse) Type() MessageType { return TypeSubscribeResponse }

func (sr *SubscribeResponse) CheckValid() error { return sr.Response.CheckValid() }

func (sr *SubscribeResponse) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(3, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&sr.Namespace, w); err != nil {
		return err
	}
	return writeUInts(w, uint64(sr.Response), sr.TransactionID)
}

func (sr *SubscribeResponse) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(3, r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&sr.Namespace, r); err != nil {
		return
	}
	n, err := readUInt8(r)
	if err != nil {
		return
	}
	sr.Response = Response(n)
	sr.TransactionID, err = cboring.ReadUInt(r)
	return
}

// SubscribeEnd terminates a subscription from the relay's side.
type SubscribeEnd struct {
	Namespace Namespace
	Reason    Response
}

func (*SubscribeEnd) Type() MessageType { return TypeSubscribeEnd }

func (se *SubscribeEnd) CheckValid() error { return se.Reason.CheckValid() }

func (se *SubscribeEnd) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(2, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&se.Namespace, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(se.Reason), w)
}

func (se *SubscribeEnd) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(2, r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&se.Namespace, r); err != nil {
		return
	}
	n, err := readUInt8(r)
	se.Reason = Response(n)
	return
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	Version   uint8
	Namespace Namespace
}

func (*Unsubscribe) Type() MessageType { return TypeUnsubscribe }

func (u *Unsubscribe) CheckValid() error {
	if u.Version != SubscribeVersion {
		return fmt.Errorf("unsupported unsubscribe version %d", u.Version)
	}
	return nil
}

func (u *Unsubscribe) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(u.Version), w); err != nil {
		return err
	}
	return cboring.Marshal(&u.Namespace, w)
}

func (u *Unsubscribe) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(2, r); err != nil {
		return
	}
	if u.Version, err = readUInt8(r); err != nil {
		return
	}
	return cboring.Unmarshal(&u.Namespace, r)
}
