// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package messages implements the QuicR wire messages.
//
// Each encoded message starts with a single MessageType byte, followed by the message's fields as a CBOR array.
package messages

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/dtn7/cboring"
)

// MessageType is the leading byte of every encoded message.
type MessageType uint8

const (
	TypePublishIntent MessageType = iota + 1
	TypePublishIntentResponse
	TypePublishIntentEnd
	TypePublish
	TypeSubscribe
	TypeSubscribeResponse
	TypeSubscribeEnd
	TypeUnsubscribe
)

func (mt MessageType) String() string {
	switch mt {
	case TypePublishIntent:
		return "PublishIntent"
	case TypePublishIntentResponse:
		return "PublishIntentResponse"
	case TypePublishIntentEnd:
		return "PublishIntentEnd"
	case TypePublish:
		return "Publish"
	case TypeSubscribe:
		return "Subscribe"
	case TypeSubscribeResponse:
		return "SubscribeResponse"
	case TypeSubscribeEnd:
		return "SubscribeEnd"
	case TypeUnsubscribe:
		return "Unsubscribe"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(mt))
	}
}

// Message is implemented by all pointers to the message structs of this package.
type Message interface {
	// Type of this Message, used as the leading byte.
	Type() MessageType

	// CheckValid returns an error for invalid field values.
	CheckValid() error

	cboring.CborMarshaler
}

var messageMapping = map[MessageType]reflect.Type{
	TypePublishIntent:         reflect.TypeOf(PublishIntent{}),
	TypePublishIntentResponse: reflect.TypeOf(PublishIntentResponse{}),
	TypePublishIntentEnd:      reflect.TypeOf(PublishIntentEnd{}),
	TypePublish:               reflect.TypeOf(PublishDatagram{}),
	TypeSubscribe:             reflect.TypeOf(Subscribe{}),
	TypeSubscribeResponse:     reflect.TypeOf(SubscribeResponse{}),
	TypeSubscribeEnd:          reflect.TypeOf(SubscribeEnd{}),
	TypeUnsubscribe:           reflect.TypeOf(Unsubscribe{}),
}

// ErrEmptyMessage is returned when decoding an empty buffer.
var ErrEmptyMessage = errors.New("empty message")

// Encode a Message with its leading type byte.
func Encode(msg Message) ([]byte, error) {
	buff := new(bytes.Buffer)
	buff.WriteByte(byte(msg.Type()))

	if err := cboring.Marshal(msg, buff); err != nil {
		return nil, fmt.Errorf("encoding %v failed: %w", msg.Type(), err)
	}
	return buff.Bytes(), nil
}

// PeekType returns the MessageType of an encoded message without decoding it.
func PeekType(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return 0, ErrEmptyMessage
	}

	mt := MessageType(data[0])
	if _, ok := messageMapping[mt]; !ok {
		return mt, fmt.Errorf("unknown message type %d", data[0])
	}
	return mt, nil
}

// Decode a Message. The result is a pointer to one of this package's message structs.
func Decode(data []byte) (msg Message, err error) {
	// Malformed length fields might let the CBOR reader allocate impossible slices.
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("decoding failed: %v", r)
		}
	}()

	mt, err := PeekType(data)
	if err != nil {
		return
	}

	msg = reflect.New(messageMapping[mt]).Interface().(Message)

	buff := bytes.NewBuffer(data[1:])
	if err = cboring.Unmarshal(msg, buff); err != nil {
		err = fmt.Errorf("decoding %v failed: %w", mt, err)
		msg = nil
		return
	}
	if buff.Len() > 0 {
		err = fmt.Errorf("decoding %v left %d trailing bytes", mt, buff.Len())
		msg = nil
		return
	}
	if err = msg.CheckValid(); err != nil {
		msg = nil
	}
	return
}

// NewTransactionID creates a random transaction identifier.
func NewTransactionID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
