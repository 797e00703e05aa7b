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

// Response codes of PublishIntentResponse, SubscribeResponse, and SubscribeEnd.
type Response uint8

const (
	ResponseOk Response = iota
	ResponseExpired
	ResponseRedirect
	ResponseFailedError
	ResponseFailedAuthz
	ResponseTimeOut

	maxResponse = ResponseTimeOut
)

func (r Response) String() string {
	switch r {
	case ResponseOk:
		return "ok"
	case ResponseExpired:
		return "expired"
	case ResponseRedirect:
		return "redirect"
	case ResponseFailedError:
		return "failed error"
	case ResponseFailedAuthz:
		return "failed authz"
	case ResponseTimeOut:
		return "timeout"
	default:
		return fmt.Sprintf("response %d", uint8(r))
	}
}

// CheckValid returns an error for unknown response codes.
func (r Response) CheckValid() error {
	if r > maxResponse {
		return fmt.Errorf("unknown response code %d", uint8(r))
	}
	return nil
}

// MediaType of a PublishDatagram's payload.
type MediaType uint8

const (
	MediaManifest MediaType = iota
	MediaRealtime
	MediaNamedObject

	maxMediaType = MediaNamedObject
)

// OffsetAndFin encodes a fragment's byte offset and whether it is the final one.
func OffsetAndFin(offset uint64, final bool) uint64 {
	if final {
		return offset<<1 | 1
	}
	return offset << 1
}

// PublishIntent announces a publisher for a Namespace.
type PublishIntent struct {
	TransactionID uint64
	Namespace     Namespace
	Payload       []byte
	MediaID       uint64
	Priority      uint8
}

func (*PublishIntent) Type() MessageType { return TypePublishIntent }

func (*PublishIntent) CheckValid() error { return nil }

func (pi *PublishIntent) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(5, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(pi.TransactionID, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&pi.Namespace, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(pi.Payload, w); err != nil {
		return err
	}
	return writeUInts(w, pi.MediaID, uint64(pi.Priority))
}

func (pi *PublishIntent) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(5, r); err != nil {
		return
	}
	if pi.TransactionID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&pi.Namespace, r); err != nil {
		return
	}
	if pi.Payload, err = cboring.ReadByteString(r); err != nil {
		return
	}
	if pi.MediaID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	pi.Priority, err = readUInt8(r)
	return
}

// PublishIntentResponse answers a PublishIntent.
type PublishIntentResponse struct {
	TransactionID uint64
	Namespace     Namespace
	Response      Response
}

func (*PublishIntentResponse) Type() MessageType { return TypePublishIntentResponse }

func (pir *PublishIntentResponse) CheckValid() error { return pir.Response.CheckValid() }

func (pir *PublishIntentResponse) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(pir.TransactionID, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&pir.Namespace, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(pir.Response), w)
}

func (pir *PublishIntentResponse) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(3, r); err != nil {
		return
	}
	if pir.TransactionID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&pir.Namespace, r); err != nil {
		return
	}
	n, err := readUInt8(r)
	pir.Response = Response(n)
	return
}

// PublishIntentEnd withdraws a PublishIntent.
type PublishIntentEnd struct {
	Namespace Namespace
	Payload   []byte
}

func (*PublishIntentEnd) Type() MessageType { return TypePublishIntentEnd }

func (*PublishIntentEnd) CheckValid() error { return nil }

func (pie *PublishIntentEnd) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(2, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&pie.Namespace, w); err != nil {
		return err
	}
	return cboring.WriteByteString(pie.Payload, w)
}

func (pie *PublishIntentEnd) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(2, r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&pie.Namespace, r); err != nil {
		return
	}
	pie.Payload, err = cboring.ReadByteString(r)
	return
}

// Header of a PublishDatagram.
type Header struct {
	Name         Name
	MediaID      uint64
	GroupID      uint64
	ObjectID     uint64
	OffsetAndFin uint64
	Flags        uint8
}

// Offset of the fragment in bytes.
func (h Header) Offset() uint64 { return h.OffsetAndFin >> 1 }

// Final is set for the last, or only, fragment of an object.
func (h Header) Final() bool { return h.OffsetAndFin&1 == 1 }

// Whole is set for an object sent unfragmented.
func (h Header) Whole() bool { return h.OffsetAndFin == 1 }

func (h *Header) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(6, w); err != nil {
		return err
	}
	if err := writeName(h.Name, w); err != nil {
		return err
	}
	return writeUInts(w, h.MediaID, h.GroupID, h.ObjectID, uint64(h.Flags), h.OffsetAndFin)
}

func (h *Header) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(6, r); err != nil {
		return
	}
	if h.Name, err = readName(r); err != nil {
		return
	}
	if err = readUInts(r, &h.MediaID, &h.GroupID, &h.ObjectID); err != nil {
		return
	}
	if h.Flags, err = readUInt8(r); err != nil {
		return
	}
	h.OffsetAndFin, err = cboring.ReadUInt(r)
	return
}

// PublishDatagram carries a named object or one of its fragments. Its MessageType is TypePublish.
type PublishDatagram struct {
	Header    Header
	MediaType MediaType
	MediaData []byte
}

func (*PublishDatagram) Type() MessageType { return TypePublish }

func (pd *PublishDatagram) CheckValid() (errs error) {
	if pd.MediaType > maxMediaType {
		errs = multierror.Append(errs, fmt.Errorf("unknown media type %d", pd.MediaType))
	}
	if pd.Header.Final() && pd.Header.Offset() > 0 && len(pd.MediaData) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("final fragment at offset %d is empty", pd.Header.Offset()))
	}
	return
}

func (pd *PublishDatagram) MarshalCbor(w io.Writer) error {
	if err := writeArrayHeader(3, w); err != nil {
		return err
	}
	if err := cboring.Marshal(&pd.Header, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(pd.MediaType), w); err != nil {
		return err
	}
	return cboring.WriteByteString(pd.MediaData, w)
}

func (pd *PublishDatagram) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(3, r); err != nil {
		return
	}
	if err = cboring.Unmarshal(&pd.Header, r); err != nil {
		return
	}
	n, err := readUInt8(r)
	if err != nil {
		return
	}
	pd.MediaType = MediaType(n)
	pd.MediaData, err = cboring.ReadByteString(r)
	return
}
