// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// groupMessageType prefixes every published chat object.
type groupMessageType uint8

const (
	keyPackageMessage groupMessageType = 1
	welcomeMessage    groupMessageType = 2
	commitMessage     groupMessageType = 3
	chatMessage       groupMessageType = 4
)

func (gmt groupMessageType) String() string {
	switch gmt {
	case keyPackageMessage:
		return "key package"
	case welcomeMessage:
		return "welcome"
	case commitMessage:
		return "commit"
	case chatMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown message %d", uint8(gmt))
	}
}

func frame(gmt groupMessageType, data []byte) []byte {
	return append([]byte{byte(gmt)}, data...)
}

func unframe(framed []byte) (groupMessageType, []byte, error) {
	if len(framed) == 0 {
		return 0, nil, errors.New("empty frame")
	}
	return groupMessageType(framed[0]), framed[1:], nil
}

var (
	errWrongEpoch    = errors.New("message belongs to another epoch")
	errUndecryptable = errors.New("message cannot be decrypted")
	errNotForUs      = errors.New("welcome is addressed to another member")
)

const nonceSize = 24

func randomNonce() (nonce [nonceSize]byte, err error) {
	_, err = io.ReadFull(rand.Reader, nonce[:])
	return
}

// preJoinedState is a member's identity before it is part of a group.
type preJoinedState struct {
	publicKey  *[32]byte
	privateKey *[32]byte
}

func newPreJoinedState() (*preJoinedState, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &preJoinedState{publicKey: pub, privateKey: priv}, nil
}

// keyPackage is published to ask the group's committer for a welcome.
func (pjs *preJoinedState) keyPackage() []byte {
	return append([]byte(nil), pjs.publicKey[:]...)
}

// create a new group as its first member.
func (pjs *preJoinedState) create() (*groupState, error) {
	gs := &groupState{index: 0, members: 1}
	if _, err := io.ReadFull(rand.Reader, gs.key[:]); err != nil {
		return nil, err
	}
	return gs, nil
}

// join a group from a welcome addressed to this member.
func (pjs *preJoinedState) join(welcome []byte) (*groupState, error) {
	buff := bytes.NewBuffer(welcome)

	var recipient, sender [32]byte
	var nonce [nonceSize]byte
	if err := readFixed(buff, recipient[:], sender[:], nonce[:]); err != nil {
		return nil, err
	}
	if recipient != *pjs.publicKey {
		return nil, errNotForUs
	}

	sealed, err := cboring.ReadByteString(buff)
	if err != nil {
		return nil, err
	}

	plain, ok := box.Open(nil, sealed, &nonce, &sender, pjs.privateKey)
	if !ok {
		return nil, errUndecryptable
	}

	gs := &groupState{}
	if err := gs.unmarshalSecrets(bytes.NewBuffer(plain)); err != nil {
		return nil, err
	}
	return gs, nil
}

// groupState is a member's view of the group: its position, the epoch, and the epoch's key.
type groupState struct {
	index   uint64
	members uint64
	epoch   uint64
	key     [32]byte
}

// shouldCommit is true for the member answering key packages.
func (gs *groupState) shouldCommit() bool {
	return gs.index == 0
}

func (gs *groupState) marshalSecrets(w io.Writer, index uint64) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	for _, n := range []uint64{index, gs.members, gs.epoch} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return cboring.WriteByteString(gs.key[:], w)
}

func (gs *groupState) unmarshalSecrets(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	for _, n := range []*uint64{&gs.index, &gs.members, &gs.epoch} {
		v, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*n = v
	}

	key, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	} else if len(key) != len(gs.key) {
		return fmt.Errorf("group key has %d bytes", len(key))
	}
	copy(gs.key[:], key)
	return nil
}

// add a member by its key package. The commit moves the existing members to the next epoch; the welcome lets the
// new member join it.
func (gs *groupState) add(keyPackage []byte) (commit, welcome []byte, err error) {
	if len(keyPackage) != 32 {
		return nil, nil, fmt.Errorf("key package has %d bytes", len(keyPackage))
	}
	var recipient [32]byte
	copy(recipient[:], keyPackage)

	next := &groupState{index: gs.index, members: gs.members + 1, epoch: gs.epoch + 1}
	if _, err = io.ReadFull(rand.Reader, next.key[:]); err != nil {
		return
	}

	secrets := new(bytes.Buffer)
	if err = next.marshalSecrets(secrets, gs.members); err != nil {
		return
	}

	// Existing members learn the next epoch's secrets under the current key.
	if commit, err = gs.protect(secrets.Bytes()); err != nil {
		return
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	nonce, err := randomNonce()
	if err != nil {
		return
	}

	welcomeBuff := new(bytes.Buffer)
	welcomeBuff.Write(recipient[:])
	welcomeBuff.Write(ephemeralPub[:])
	welcomeBuff.Write(nonce[:])
	sealed := box.Seal(nil, secrets.Bytes(), &nonce, &recipient, ephemeralPriv)
	if err = cboring.WriteByteString(sealed, welcomeBuff); err != nil {
		return
	}
	welcome = welcomeBuff.Bytes()

	*gs = *next
	return
}

// handle a commit of the current epoch.
func (gs *groupState) handle(commit []byte) error {
	secrets, err := gs.unprotect(commit)
	if err != nil {
		return err
	}

	next := &groupState{}
	if err := next.unmarshalSecrets(bytes.NewBuffer(secrets)); err != nil {
		return err
	}

	// The secrets carry the new member's index; our own position is unchanged.
	next.index = gs.index
	*gs = *next
	return nil
}

// protect a plaintext for the current epoch.
func (gs *groupState) protect(plaintext []byte) ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	buff := new(bytes.Buffer)
	if err := cboring.WriteUInt(gs.epoch, buff); err != nil {
		return nil, err
	}
	buff.Write(nonce[:])

	out := secretbox.Seal(buff.Bytes(), plaintext, &nonce, &gs.key)
	return out, nil
}

// unprotect a ciphertext created by protect within the current epoch.
func (gs *groupState) unprotect(ciphertext []byte) ([]byte, error) {
	buff := bytes.NewBuffer(ciphertext)

	epoch, err := cboring.ReadUInt(buff)
	if err != nil {
		return nil, err
	} else if epoch != gs.epoch {
		return nil, fmt.Errorf("%w: %d instead of %d", errWrongEpoch, epoch, gs.epoch)
	}

	var nonce [nonceSize]byte
	if err := readFixed(buff, nonce[:]); err != nil {
		return nil, err
	}

	plain, ok := secretbox.Open(nil, buff.Bytes(), &nonce, &gs.key)
	if !ok {
		return nil, errUndecryptable
	}
	return plain, nil
}

func readFixed(r io.Reader, fields ...[]byte) error {
	for _, field := range fields {
		if _, err := io.ReadFull(r, field); err != nil {
			return err
		}
	}
	return nil
}
